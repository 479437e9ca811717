package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/g960059/posrelay/internal/logging"
	"github.com/g960059/posrelay/internal/model"
)

// spoolMethod is the method print jobs are stored under. The queue table only
// accepts HTTP methods.
const spoolMethod = http.MethodPost

// Dispatcher is satisfied by *Hub.
type Dispatcher interface {
	Agents() []string
	Dispatch(ctx context.Context, agentID string, job model.DeliveryJob) (model.DeliveryJobState, error)
}

// Enqueuer is satisfied by *queue.Queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, endpoint, method string, body []byte) (string, error)
}

type SpoolResult struct {
	JobID       string
	State       model.DeliveryJobState
	AgentID     string
	Queued      bool
	OperationID string
}

// Spooler puts print jobs on the hub and hands jobs that could not reach an
// agent to the print queue. A failure the agent reported is returned to the
// caller and never queued.
type Spooler struct {
	hub   Dispatcher
	queue Enqueuer
	log   *slog.Logger
}

func NewSpooler(hub Dispatcher, q Enqueuer, logger *slog.Logger) *Spooler {
	return &Spooler{
		hub:   hub,
		queue: q,
		log:   logging.OrDefault(logger).With("component", "spooler"),
	}
}

// Submit dispatches job to a connected agent. When no agent could be reached
// the job is kept in the print queue and Queued is reported with a nil error,
// so the caller never has to resubmit; the print queue's replayer redelivers
// it once an agent connects. A failure the agent itself reported (paper out,
// bad payload) is returned at once with State failed and is not queued.
func (s *Spooler) Submit(ctx context.Context, job model.DeliveryJob) (SpoolResult, error) {
	if strings.TrimSpace(job.Destination) == "" {
		return SpoolResult{}, fmt.Errorf("%w: destination is required", model.ErrInvalid)
	}
	if strings.TrimSpace(job.JobID) == "" {
		job.JobID = uuid.NewString()
	}
	agentID, state, err := s.dispatch(ctx, job)
	if err == nil {
		return SpoolResult{JobID: job.JobID, State: state, AgentID: agentID}, nil
	}
	var jobErr *JobError
	if errors.As(err, &jobErr) || model.Classify(err) == model.ClassValidation || ctx.Err() != nil {
		return SpoolResult{JobID: job.JobID, State: model.JobFailed, AgentID: agentID}, err
	}

	body, mErr := json.Marshal(job)
	if mErr != nil {
		return SpoolResult{}, fmt.Errorf("encode job %s: %w", job.JobID, mErr)
	}
	id, qErr := s.queue.Enqueue(ctx, "destination:"+job.Destination, spoolMethod, body)
	if qErr != nil {
		return SpoolResult{JobID: job.JobID, State: model.JobFailed}, fmt.Errorf("queue job %s: %w", job.JobID, qErr)
	}
	s.log.Warn("print job queued", "job_id", job.JobID, "destination", job.Destination, "op_id", id, "err", err)
	return SpoolResult{JobID: job.JobID, State: model.JobFailed, Queued: true, OperationID: id}, nil
}

// Send replays one queued job. It has the queue.Sender shape.
func (s *Spooler) Send(ctx context.Context, op model.QueuedOperation) error {
	var job model.DeliveryJob
	if err := json.Unmarshal(op.Body, &job); err != nil {
		return fmt.Errorf("%w: queued job %s: %v", model.ErrInvalid, op.ID, err)
	}
	_, _, err := s.dispatch(ctx, job)
	return err
}

// dispatch tries each connected agent in id order until one takes the job.
func (s *Spooler) dispatch(ctx context.Context, job model.DeliveryJob) (string, model.DeliveryJobState, error) {
	agents := s.hub.Agents()
	if len(agents) == 0 {
		return "", model.JobFailed, ErrAgentNotConnected
	}
	var lastErr error
	for _, id := range agents {
		state, err := s.hub.Dispatch(ctx, id, job)
		if err == nil {
			return id, state, nil
		}
		var jobErr *JobError
		if errors.As(err, &jobErr) || model.Classify(err) == model.ClassValidation || ctx.Err() != nil {
			return id, state, err
		}
		lastErr = err
	}
	return "", model.JobFailed, lastErr
}
