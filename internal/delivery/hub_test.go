package delivery

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g960059/posrelay/internal/model"
)

func startHub(t *testing.T, opts HubOptions) (*Hub, string) {
	t.Helper()
	hub := NewHub(StaticTokens{"tok-1": "agent-1"}, opts)
	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)
	t.Cleanup(hub.Close)
	return hub, wsURL(srv.URL)
}

// dialRaw completes the handshake by hand and then leaves the connection
// to the test.
func dialRaw(t *testing.T, url, token string) *conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	c := newConn(ws)
	t.Cleanup(c.close)
	require.NoError(t, c.send(TypeHello, HelloPayload{Token: token, DeviceID: "pos-1"}))
	env, err := c.read(2 * time.Second)
	require.NoError(t, err)
	require.Equal(t, TypeAuthOK, env.Type)
	return c
}

func waitForAgent(t *testing.T, hub *Hub, id string) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, a := range hub.Agents() {
			if a == id {
				return true
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond)
}

func TestHubDispatchToAgent(t *testing.T) {
	hub, url := startHub(t, HubOptions{Heartbeat: 200 * time.Millisecond, AckTimeout: time.Second})

	a, err := NewAgent(failingPrinter("job-bad", "printer offline"), AgentOptions{
		URL:       url,
		Token:     "tok-1",
		Heartbeat: 100 * time.Millisecond,
	})
	require.NoError(t, err)
	runAgent(t, a)
	waitForAgent(t, hub, "agent-1")

	ctx := context.Background()
	state, err := hub.Dispatch(ctx, "agent-1", model.DeliveryJob{JobID: "job-bad", Destination: "bar", Payload: json.RawMessage(`{}`)})
	assert.Equal(t, model.JobFailed, state)
	var jobErr *JobError
	require.ErrorAs(t, err, &jobErr)
	assert.Equal(t, "printer offline", jobErr.Reason)

	// heartbeats keep an idle connection past the silence window
	time.Sleep(600 * time.Millisecond)

	state, err = hub.Dispatch(ctx, "agent-1", model.DeliveryJob{Destination: "bar", Payload: json.RawMessage(`{}`)})
	require.NoError(t, err)
	assert.Equal(t, model.JobDelivered, state)
	assert.Equal(t, []string{"agent-1"}, hub.Agents())
}

func TestHubFailsJobWithoutAck(t *testing.T) {
	hub, url := startHub(t, HubOptions{Heartbeat: 2 * time.Second, AckTimeout: 100 * time.Millisecond})
	dialRaw(t, url, "tok-1")
	waitForAgent(t, hub, "agent-1")

	start := time.Now()
	state, err := hub.Dispatch(context.Background(), "agent-1", model.DeliveryJob{JobID: "j1", Destination: "kitchen", Payload: json.RawMessage(`{}`)})
	assert.Equal(t, model.JobFailed, state)
	require.ErrorIs(t, err, ErrAckTimeout)
	assert.Less(t, time.Since(start), time.Second)
}

func TestHubDropsSilentAgent(t *testing.T) {
	hub, url := startHub(t, HubOptions{Heartbeat: 50 * time.Millisecond})
	c := dialRaw(t, url, "tok-1")
	waitForAgent(t, hub, "agent-1")

	require.Eventually(t, func() bool { return len(hub.Agents()) == 0 }, 2*time.Second, 10*time.Millisecond)
	_, err := c.read(2 * time.Second)
	assert.Error(t, err)
}

func TestHubRejectsUnknownToken(t *testing.T) {
	hub, url := startHub(t, HubOptions{Heartbeat: time.Second})
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	c := newConn(ws)
	t.Cleanup(c.close)

	require.NoError(t, c.send(TypeHello, HelloPayload{Token: "nope"}))
	env, err := c.read(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, TypeAuthFail, env.Type)
	assert.Empty(t, hub.Agents())
}

func TestHubDispatchUnknownAgent(t *testing.T) {
	hub, _ := startHub(t, HubOptions{})
	state, err := hub.Dispatch(context.Background(), "ghost", model.DeliveryJob{JobID: "j1"})
	assert.Equal(t, model.JobFailed, state)
	require.ErrorIs(t, err, ErrAgentNotConnected)
}
