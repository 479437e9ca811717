package delivery

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// conn serializes writers on one websocket. Reads are left to a single
// read loop per connection.
type conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	seq     atomic.Uint64
	once    sync.Once
}

func newConn(ws *websocket.Conn) *conn {
	ws.SetReadLimit(DefaultMaxFrame)
	return &conn{ws: ws}
}

func (c *conn) send(frameType string, payload any) error {
	env, err := NewEnvelope(frameType, c.seq.Add(1), payload)
	if err != nil {
		return err
	}
	body, err := Encode(env)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, body); err != nil {
		return fmt.Errorf("write %s: %w", frameType, err)
	}
	return nil
}

// read waits at most timeout for the next envelope; any frame from the
// counterpart counts as traffic.
func (c *conn) read(timeout time.Duration) (Envelope, error) {
	if timeout > 0 {
		if err := c.ws.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return Envelope{}, fmt.Errorf("set read deadline: %w", err)
		}
	}
	kind, data, err := c.ws.ReadMessage()
	if err != nil {
		return Envelope{}, err
	}
	if kind != websocket.TextMessage {
		return Envelope{}, fmt.Errorf("%w: binary frame", ErrInvalidFrame)
	}
	return Decode(data, DefaultMaxFrame)
}

func (c *conn) close() {
	c.once.Do(func() {
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = c.ws.Close()
	})
}
