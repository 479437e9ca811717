// Package queue is the durable, append-only store of operations that could
// not be delivered, replayed in enqueue order once connectivity returns.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/g960059/posrelay/internal/config"
	"github.com/g960059/posrelay/internal/db"
	"github.com/g960059/posrelay/internal/logging"
	"github.com/g960059/posrelay/internal/model"
)

// Sender tries to deliver op now. A nil error removes op from the queue.
type Sender func(ctx context.Context, op model.QueuedOperation) error

type DrainResult struct {
	Processed int `json:"processed"`
	Failed    int `json:"failed"`
	Rejected  int `json:"rejected"`
}

// Store is satisfied by *db.Store.
type Store interface {
	AppendOperation(ctx context.Context, op model.QueuedOperation) error
	ListOperations(ctx context.Context, queue string, limit int) ([]model.QueuedOperation, error)
	DeleteOperation(ctx context.Context, opID string) error
	RecordOperationFailure(ctx context.Context, opID, lastError string) error
	RejectOperation(ctx context.Context, opID, reason string, at time.Time) error
	ListRejected(ctx context.Context, queue string) ([]model.QueuedOperation, error)
	CountOperations(ctx context.Context, queue string) (int, error)
}

type Options struct {
	Name   string
	Order  config.OrderMode
	Logger *slog.Logger
	Now    func() time.Time
}

type Queue struct {
	store Store
	opts  Options
	log   *slog.Logger

	appendMu sync.Mutex
	drainMu  sync.Mutex
	pending  atomic.Int64
}

// Open binds a queue instance to store and seeds the pending counter from
// rows left by a previous process.
func Open(ctx context.Context, store Store, opts Options) (*Queue, error) {
	if strings.TrimSpace(opts.Name) == "" {
		return nil, fmt.Errorf("queue name is required")
	}
	if opts.Order == "" {
		opts.Order = config.OrderStrict
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	q := &Queue{
		store: store,
		opts:  opts,
		log:   logging.OrDefault(opts.Logger).With("component", "queue", "queue", opts.Name),
	}
	n, err := store.CountOperations(ctx, opts.Name)
	if err != nil {
		return nil, fmt.Errorf("seed pending count for %s: %w", opts.Name, err)
	}
	q.pending.Store(int64(n))
	return q, nil
}

func (q *Queue) Name() string { return q.opts.Name }

func (q *Queue) Order() config.OrderMode { return q.opts.Order }

// Pending is the number of undelivered operations. It never blocks on
// storage.
func (q *Queue) Pending() int {
	return int(q.pending.Load())
}

// Enqueue appends an operation and returns its id once the row is durable.
// It never refuses work because of connectivity; only an empty endpoint, a
// method the store cannot persist, or a storage failure is returned. An empty
// method is stored as GET.
func (q *Queue) Enqueue(ctx context.Context, endpoint, method string, body []byte) (string, error) {
	if strings.TrimSpace(endpoint) == "" {
		return "", fmt.Errorf("%w: endpoint is required", model.ErrInvalid)
	}
	method, err := model.NormalizeMethod(method)
	if err != nil {
		return "", err
	}
	op := model.QueuedOperation{
		ID:         uuid.NewString(),
		Queue:      q.opts.Name,
		Endpoint:   endpoint,
		Method:     method,
		Body:       append([]byte(nil), body...),
		EnqueuedAt: q.opts.Now(),
	}

	q.appendMu.Lock()
	defer q.appendMu.Unlock()
	if err := q.store.AppendOperation(ctx, op); err != nil {
		return "", fmt.Errorf("enqueue on %s: %w", q.opts.Name, err)
	}
	q.pending.Add(1)
	q.log.Debug("operation enqueued", "op_id", op.ID, "endpoint", endpoint)
	return op.ID, nil
}

func (q *Queue) List(ctx context.Context) ([]model.QueuedOperation, error) {
	return q.store.ListOperations(ctx, q.opts.Name, 0)
}

func (q *Queue) Rejected(ctx context.Context) ([]model.QueuedOperation, error) {
	return q.store.ListRejected(ctx, q.opts.Name)
}

// Drain attempts the queued operations in enqueue order. An operation is
// removed only when send succeeds. In strict order the pass stops at the
// first transient failure; in independent order failures are skipped. An
// operation refused as invalid is moved to the rejected set in both modes.
// Concurrent drains of one queue run one after the other.
func (q *Queue) Drain(ctx context.Context, send Sender) (DrainResult, error) {
	q.drainMu.Lock()
	defer q.drainMu.Unlock()

	var res DrainResult
	ops, err := q.store.ListOperations(ctx, q.opts.Name, 0)
	if err != nil {
		return res, fmt.Errorf("drain %s: %w", q.opts.Name, err)
	}
	for _, op := range ops {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		sendErr := send(ctx, op)
		if sendErr == nil {
			if err := q.store.DeleteOperation(ctx, op.ID); err != nil && !errors.Is(err, db.ErrNotFound) {
				return res, fmt.Errorf("remove delivered %s: %w", op.ID, err)
			}
			q.pending.Add(-1)
			res.Processed++
			continue
		}

		if model.Classify(sendErr) == model.ClassValidation {
			if err := q.store.RejectOperation(ctx, op.ID, sendErr.Error(), q.opts.Now()); err != nil {
				return res, fmt.Errorf("reject %s: %w", op.ID, err)
			}
			q.pending.Add(-1)
			res.Rejected++
			q.log.Error("queued operation rejected by counterpart", "op_id", op.ID, "endpoint", op.Endpoint, "err", sendErr)
			continue
		}

		res.Failed++
		if err := q.store.RecordOperationFailure(ctx, op.ID, sendErr.Error()); err != nil && !errors.Is(err, db.ErrNotFound) {
			return res, fmt.Errorf("record failure %s: %w", op.ID, err)
		}
		if q.opts.Order == config.OrderStrict || model.Classify(sendErr) == model.ClassAuth {
			break
		}
	}
	if res.Processed > 0 || res.Failed > 0 || res.Rejected > 0 {
		q.log.Info("drain pass finished", "processed", res.Processed, "failed", res.Failed, "rejected", res.Rejected, "pending", q.Pending())
	}
	return res, nil
}
