package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/g960059/posrelay/internal/backoff"
	"github.com/g960059/posrelay/internal/logging"
	"github.com/g960059/posrelay/internal/model"
	"github.com/g960059/posrelay/internal/transport"
)

type State string

const (
	StateDisconnected   State = "disconnected"
	StateConnecting     State = "connecting"
	StateAuthenticating State = "authenticating"
	StateReady          State = "ready"
)

// Printer executes one job. A returned error is reported to the hub as the
// job's failure reason.
type Printer interface {
	Print(ctx context.Context, job model.DeliveryJob) error
}

type PrinterFunc func(ctx context.Context, job model.DeliveryJob) error

func (f PrinterFunc) Print(ctx context.Context, job model.DeliveryJob) error { return f(ctx, job) }

type AgentOptions struct {
	URL       string
	Token     string
	DeviceID  string
	Heartbeat time.Duration
	Reconnect backoff.Policy
	Dialer    *websocket.Dialer
	Logger    *slog.Logger
	// OnState observes every state change, in order.
	OnState func(State)
}

// Agent is the connecting side of the channel. It owns one connection at a
// time and reconnects until its context ends or authentication is refused.
type Agent struct {
	printer Printer
	opts    AgentOptions
	log     *slog.Logger

	sleep func(context.Context, time.Duration) error

	mu      sync.Mutex
	state   State
	agentID string
}

func NewAgent(printer Printer, opts AgentOptions) (*Agent, error) {
	if printer == nil {
		return nil, errors.New("delivery agent: printer is required")
	}
	if strings.TrimSpace(opts.URL) == "" {
		return nil, errors.New("delivery agent: url is required")
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 15 * time.Second
	}
	if opts.Reconnect.Initial <= 0 {
		opts.Reconnect = backoff.Policy{Initial: time.Second, Multiplier: 1.5, Max: 30 * time.Second}
	}
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	return &Agent{
		printer: printer,
		opts:    opts,
		log:     logging.OrDefault(opts.Logger).With("component", "delivery_agent"),
		sleep:   backoff.Sleep,
		state:   StateDisconnected,
	}, nil
}

func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// AgentID is the id assigned by the hub on the last successful handshake.
func (a *Agent) AgentID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.agentID
}

func (a *Agent) setState(s State) {
	a.mu.Lock()
	if a.state == s {
		a.mu.Unlock()
		return
	}
	a.state = s
	a.mu.Unlock()
	a.log.Debug("connection state", "state", string(s))
	if a.opts.OnState != nil {
		a.opts.OnState(s)
	}
}

// Run keeps a connection up until ctx ends. It returns ErrAuthFailed without
// retrying when the hub refuses the token.
func (a *Agent) Run(ctx context.Context) error {
	b := backoff.New(a.opts.Reconnect)
	for {
		err := a.session(ctx, b)
		a.setState(StateDisconnected)
		if errors.Is(err, ErrAuthFailed) {
			a.log.Error("delivery authentication refused", "err", err)
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		delay := b.Next()
		a.log.Warn("delivery connection lost", "err", err, "attempt", b.Attempt(), "delay", delay.String())
		if err := a.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// session runs one connection from dial to disconnect. The reconnect backoff
// resets once the handshake succeeds.
func (a *Agent) session(ctx context.Context, b *backoff.Backoff) error {
	a.setState(StateConnecting)
	header := http.Header{}
	header.Set(transport.HeaderDeviceID, a.opts.DeviceID)
	ws, _, err := a.opts.Dialer.DialContext(ctx, a.opts.URL, header)
	if err != nil {
		return fmt.Errorf("dial %s: %w", a.opts.URL, err)
	}
	c := newConn(ws)
	defer c.close()

	a.setState(StateAuthenticating)
	if err := c.send(TypeHello, HelloPayload{Token: a.opts.Token, DeviceID: a.opts.DeviceID}); err != nil {
		return err
	}
	env, err := c.read(2 * a.opts.Heartbeat)
	if err != nil {
		return fmt.Errorf("read handshake: %w", err)
	}
	switch env.Type {
	case TypeAuthFail:
		var p AuthFailPayload
		_ = env.DecodePayload(&p)
		return fmt.Errorf("%w: %s", ErrAuthFailed, p.Reason)
	case TypeAuthOK:
		var p AuthOKPayload
		if err := env.DecodePayload(&p); err != nil {
			return err
		}
		a.mu.Lock()
		a.agentID = p.AgentID
		a.mu.Unlock()
	default:
		return fmt.Errorf("%w: expected auth reply, got %s", ErrInvalidFrame, env.Type)
	}
	b.Reset()
	a.setState(StateReady)
	a.log.Info("delivery connection ready", "agent_id", a.AgentID())

	g, gctx := errgroup.WithContext(ctx)
	jobs := make(chan model.DeliveryJob, 64)

	g.Go(func() error {
		<-gctx.Done()
		c.close()
		return nil
	})
	g.Go(func() error { return a.heartbeat(gctx, c) })
	g.Go(func() error { return a.execute(gctx, c, jobs) })
	g.Go(func() error {
		defer close(jobs)
		return a.readLoop(gctx, c, jobs)
	})
	return g.Wait()
}

func (a *Agent) readLoop(ctx context.Context, c *conn, jobs chan<- model.DeliveryJob) error {
	for {
		env, err := c.read(2 * a.opts.Heartbeat)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read: %w", err)
		}
		switch env.Type {
		case TypeJob:
			var job JobPayload
			if err := env.DecodePayload(&job); err != nil || strings.TrimSpace(job.JobID) == "" {
				a.log.Warn("dropping malformed job", "seq", env.Seq, "err", err)
				continue
			}
			// ACK before execution so the hub knows the job arrived.
			if err := c.send(TypeAck, AckPayload{JobID: job.JobID}); err != nil {
				return err
			}
			select {
			case jobs <- job:
			case <-ctx.Done():
				return ctx.Err()
			}
		case TypeHeartbeat:
			if err := c.send(TypeHeartbeatAck, nil); err != nil {
				return err
			}
		case TypeHeartbeatAck:
		case TypeAuthFail:
			var p AuthFailPayload
			_ = env.DecodePayload(&p)
			return fmt.Errorf("%w: %s", ErrAuthFailed, p.Reason)
		default:
			a.log.Debug("ignoring frame", "type", env.Type)
		}
	}
}

// execute runs jobs one at a time in arrival order. A failed job is
// reported and the connection stays up.
func (a *Agent) execute(ctx context.Context, c *conn, jobs <-chan model.DeliveryJob) error {
	for job := range jobs {
		err := a.printer.Print(ctx, job)
		if err != nil {
			a.log.Warn("print job failed", "job_id", job.JobID, "destination", job.Destination, "err", err)
			if sendErr := c.send(TypeError, ErrorPayload{JobID: job.JobID, Reason: err.Error()}); sendErr != nil {
				return sendErr
			}
			continue
		}
		if err := c.send(TypeDone, DonePayload{JobID: job.JobID}); err != nil {
			return err
		}
	}
	return nil
}

func (a *Agent) heartbeat(ctx context.Context, c *conn) error {
	ticker := time.NewTicker(a.opts.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := c.send(TypeHeartbeat, nil); err != nil {
				return err
			}
		}
	}
}
