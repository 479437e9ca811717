package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/g960059/posrelay/internal/logging"
	"github.com/g960059/posrelay/internal/model"
)

var (
	ErrAgentNotConnected = errors.New("delivery: agent not connected")
	ErrAckTimeout        = errors.New("delivery: ack timeout")
	ErrDisconnected      = errors.New("delivery: agent disconnected")
	ErrHubClosed         = errors.New("delivery: hub closed")
)

// JobError carries the reason an agent reported for a failed job.
type JobError struct {
	JobID  string
	Reason string
}

func (e *JobError) Error() string {
	return fmt.Sprintf("job %s failed: %s", e.JobID, e.Reason)
}

// ErrorClass marks a reported print failure as terminal for the job.
func (e *JobError) ErrorClass() model.ErrorClass { return model.ClassValidation }

// TokenVerifier maps an agent token onto the agent id it authenticates.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (string, error)
}

// StaticTokens is a fixed token → agent id table.
type StaticTokens map[string]string

func (s StaticTokens) Verify(_ context.Context, token string) (string, error) {
	id, ok := s[strings.TrimSpace(token)]
	if !ok || token == "" {
		return "", model.ErrUnauthorized
	}
	return id, nil
}

type HubOptions struct {
	Heartbeat  time.Duration
	AckTimeout time.Duration
	Logger     *slog.Logger
}

type pendingJob struct {
	acked  chan struct{}
	result chan error
	once   sync.Once
}

func (p *pendingJob) ack() { p.once.Do(func() { close(p.acked) }) }

type agentConn struct {
	id      string
	session string
	c       *conn
	done    chan struct{}

	mu      sync.Mutex
	pending map[string]*pendingJob
}

func (ac *agentConn) take(jobID string) *pendingJob {
	ac.mu.Lock()
	defer ac.mu.Unlock()
	p := ac.pending[jobID]
	delete(ac.pending, jobID)
	return p
}

func (ac *agentConn) lookup(jobID string) *pendingJob {
	ac.mu.Lock()
	defer ac.mu.Unlock()
	return ac.pending[jobID]
}

// Hub is the dispatching side: it accepts agent connections over HTTP and
// delivers jobs to them.
type Hub struct {
	verifier TokenVerifier
	opts     HubOptions
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu     sync.Mutex
	agents map[string]*agentConn
	conns  map[*conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

func NewHub(verifier TokenVerifier, opts HubOptions) *Hub {
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 15 * time.Second
	}
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = 5 * time.Second
	}
	return &Hub{
		verifier: verifier,
		opts:     opts,
		log:      logging.OrDefault(opts.Logger).With("component", "delivery_hub"),
		upgrader: websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
		agents:   make(map[string]*agentConn),
		conns:    make(map[*conn]struct{}),
	}
}

// Agents lists connected agent ids.
func (h *Hub) Agents() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.agents))
	for id := range h.agents {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		http.Error(w, ErrHubClosed.Error(), http.StatusServiceUnavailable)
		return
	}
	h.wg.Add(1)
	h.mu.Unlock()
	defer h.wg.Done()

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	c := newConn(ws)
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		c.close()
		return
	}
	h.conns[c] = struct{}{}
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.conns, c)
		h.mu.Unlock()
	}()
	h.serve(r.Context(), c)
}

func (h *Hub) serve(ctx context.Context, c *conn) {
	defer c.close()

	ac, err := h.handshake(ctx, c)
	if err != nil {
		h.log.Warn("agent handshake failed", "err", err)
		return
	}
	h.log.Info("agent connected", "agent_id", ac.id, "session_id", ac.session)
	defer h.unregister(ac)

	for {
		env, err := c.read(2 * h.opts.Heartbeat)
		if err != nil {
			h.log.Info("agent disconnected", "agent_id", ac.id, "err", err)
			return
		}
		switch env.Type {
		case TypeHeartbeat:
			if err := c.send(TypeHeartbeatAck, nil); err != nil {
				return
			}
		case TypeHeartbeatAck:
		case TypeAck:
			var p AckPayload
			if err := env.DecodePayload(&p); err != nil {
				continue
			}
			if pj := ac.lookup(p.JobID); pj != nil {
				pj.ack()
			}
		case TypeDone:
			var p DonePayload
			if err := env.DecodePayload(&p); err != nil {
				continue
			}
			if pj := ac.take(p.JobID); pj != nil {
				pj.ack()
				pj.result <- nil
			}
		case TypeError:
			var p ErrorPayload
			if err := env.DecodePayload(&p); err != nil {
				continue
			}
			if pj := ac.take(p.JobID); pj != nil {
				pj.ack()
				pj.result <- &JobError{JobID: p.JobID, Reason: p.Reason}
			}
		default:
			h.log.Debug("ignoring frame", "agent_id", ac.id, "type", env.Type)
		}
	}
}

func (h *Hub) handshake(ctx context.Context, c *conn) (*agentConn, error) {
	env, err := c.read(2 * h.opts.Heartbeat)
	if err != nil {
		return nil, fmt.Errorf("read hello: %w", err)
	}
	if env.Type != TypeHello {
		return nil, fmt.Errorf("%w: expected hello, got %s", ErrInvalidFrame, env.Type)
	}
	var hello HelloPayload
	if err := env.DecodePayload(&hello); err != nil {
		return nil, err
	}
	agentID, err := h.verifier.Verify(ctx, hello.Token)
	if err != nil {
		_ = c.send(TypeAuthFail, AuthFailPayload{Reason: "invalid token"})
		return nil, fmt.Errorf("verify token for %q: %w", hello.DeviceID, err)
	}
	ac := &agentConn{
		id:      agentID,
		session: uuid.NewString(),
		c:       c,
		done:    make(chan struct{}),
		pending: make(map[string]*pendingJob),
	}
	if err := c.send(TypeAuthOK, AuthOKPayload{AgentID: ac.id, SessionID: ac.session, HeartbeatMs: h.opts.Heartbeat.Milliseconds()}); err != nil {
		return nil, err
	}

	h.mu.Lock()
	prev := h.agents[ac.id]
	h.agents[ac.id] = ac
	h.mu.Unlock()
	if prev != nil {
		// newest session wins
		prev.c.close()
	}
	return ac, nil
}

func (h *Hub) unregister(ac *agentConn) {
	h.mu.Lock()
	if h.agents[ac.id] == ac {
		delete(h.agents, ac.id)
	}
	h.mu.Unlock()
	close(ac.done)
}

// Dispatch sends job to agentID and waits for the outcome. The agent must
// ACK within AckTimeout; the job then ends as delivered on DONE or failed on
// ERROR. No retries happen here.
func (h *Hub) Dispatch(ctx context.Context, agentID string, job model.DeliveryJob) (model.DeliveryJobState, error) {
	h.mu.Lock()
	ac := h.agents[agentID]
	h.mu.Unlock()
	if ac == nil {
		return model.JobFailed, fmt.Errorf("%w: %s", ErrAgentNotConnected, agentID)
	}
	if strings.TrimSpace(job.JobID) == "" {
		job.JobID = uuid.NewString()
	}

	pj := &pendingJob{acked: make(chan struct{}), result: make(chan error, 1)}
	ac.mu.Lock()
	if _, dup := ac.pending[job.JobID]; dup {
		ac.mu.Unlock()
		return model.JobFailed, fmt.Errorf("%w: job %s already pending", model.ErrInvalid, job.JobID)
	}
	ac.pending[job.JobID] = pj
	ac.mu.Unlock()

	log := h.log.With("agent_id", agentID, "job_id", job.JobID)
	if err := ac.c.send(TypeJob, job); err != nil {
		ac.take(job.JobID)
		return model.JobFailed, err
	}
	log.Debug("job sent", "state", string(model.JobSent))

	timer := time.NewTimer(h.opts.AckTimeout)
	defer timer.Stop()
	select {
	case <-pj.acked:
	case <-timer.C:
		ac.take(job.JobID)
		log.Warn("job not acknowledged", "ack_timeout", h.opts.AckTimeout.String())
		return model.JobFailed, fmt.Errorf("%w: job %s", ErrAckTimeout, job.JobID)
	case <-ac.done:
		select {
		case <-pj.acked:
		default:
			return model.JobFailed, fmt.Errorf("%w: job %s", ErrDisconnected, job.JobID)
		}
	case <-ctx.Done():
		ac.take(job.JobID)
		return model.JobFailed, ctx.Err()
	}

	select {
	case err := <-pj.result:
		if err != nil {
			log.Warn("job failed", "err", err)
			return model.JobFailed, err
		}
		log.Info("job delivered")
		return model.JobDelivered, nil
	case <-ac.done:
		select {
		case err := <-pj.result:
			if err != nil {
				return model.JobFailed, err
			}
			return model.JobDelivered, nil
		default:
		}
		return model.JobFailed, fmt.Errorf("%w: job %s", ErrDisconnected, job.JobID)
	case <-ctx.Done():
		ac.take(job.JobID)
		return model.JobFailed, ctx.Err()
	}
}

// Close disconnects every agent and waits for their connections to finish.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	conns := make([]*conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()
	for _, c := range conns {
		c.close()
	}
	h.wg.Wait()
}
