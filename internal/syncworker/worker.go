// Package syncworker runs deduplicated background work per target id with
// exponential cooldowns, used for deployment sync and payment upload.
package syncworker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/g960059/posrelay/internal/backoff"
	"github.com/g960059/posrelay/internal/db"
	"github.com/g960059/posrelay/internal/logging"
	"github.com/g960059/posrelay/internal/model"
)

// Handler performs one attempt for target.
type Handler func(ctx context.Context, target model.SyncTarget) error

// Store is satisfied by *db.Store.
type Store interface {
	UpsertSyncRecord(ctx context.Context, rec model.SyncRecord) error
	GetSyncRecord(ctx context.Context, worker, targetID string) (model.SyncRecord, error)
	ListSyncRecords(ctx context.Context, worker string, states ...model.SyncState) ([]model.SyncRecord, error)
	PruneCompleted(ctx context.Context, worker string, keep int) (int64, error)
}

type NotifyOutcome string

const (
	NotifyQueued      NotifyOutcome = "queued"
	NotifyMerged      NotifyOutcome = "merged"
	NotifySuperseded  NotifyOutcome = "superseded"
	NotifyCompleted   NotifyOutcome = "completed"
	NotifyCoolingDown NotifyOutcome = "cooling_down"
)

type Options struct {
	Name         string
	Policy       backoff.Policy
	Concurrency  int
	CompletedCap int
	Logger       *slog.Logger
	Now          func() time.Time
}

type flight struct {
	next *model.SyncTarget
}

type Worker struct {
	store   Store
	handler Handler
	opts    Options
	log     *slog.Logger

	// mu guards the queued and in-flight sets together so a notify can
	// never race a target into two attempts.
	mu       sync.Mutex
	order    []string
	queued   map[string]model.SyncTarget
	inflight map[string]*flight
	active   int
	runCtx   context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func New(store Store, handler Handler, opts Options) (*Worker, error) {
	if strings.TrimSpace(opts.Name) == "" {
		return nil, fmt.Errorf("sync worker name is required")
	}
	if handler == nil {
		return nil, fmt.Errorf("sync worker %s: handler is required", opts.Name)
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.Policy.Initial <= 0 {
		opts.Policy = backoff.Policy{Initial: 60 * time.Second, Multiplier: 2, Max: 600 * time.Second}
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Worker{
		store:    store,
		handler:  handler,
		opts:     opts,
		log:      logging.OrDefault(opts.Logger).With("component", "syncworker", "worker", opts.Name),
		queued:   make(map[string]model.SyncTarget),
		inflight: make(map[string]*flight),
	}, nil
}

func (w *Worker) Name() string { return w.opts.Name }

// Pending counts targets queued or in flight.
func (w *Worker) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.order) + len(w.inflight)
}

// Notify adds target to the pending set unless it is completed, cooling
// down, or already pending. A notify for an in-flight target records the
// newer payload for exactly one follow-up attempt.
func (w *Worker) Notify(ctx context.Context, target model.SyncTarget) (NotifyOutcome, error) {
	if strings.TrimSpace(target.TargetID) == "" {
		return "", fmt.Errorf("%w: target id is required", model.ErrInvalid)
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	if fl, ok := w.inflight[target.TargetID]; ok {
		t := target
		fl.next = &t
		return NotifySuperseded, nil
	}
	if _, ok := w.queued[target.TargetID]; ok {
		w.queued[target.TargetID] = target
		if err := w.persistQueuedLocked(ctx, target); err != nil {
			return "", err
		}
		return NotifyMerged, nil
	}

	rec, err := w.store.GetSyncRecord(ctx, w.opts.Name, target.TargetID)
	switch {
	case errors.Is(err, db.ErrNotFound):
	case err != nil:
		return "", fmt.Errorf("load sync target %s: %w", target.TargetID, err)
	case rec.State == model.SyncCompleted:
		return NotifyCompleted, nil
	case rec.State == model.SyncCoolingDown && rec.CooldownUntil != nil && w.opts.Now().Before(*rec.CooldownUntil):
		return NotifyCoolingDown, nil
	}

	if err := w.persistQueuedLocked(ctx, target); err != nil {
		return "", err
	}
	w.enqueueLocked(target)
	w.spawnLocked()
	return NotifyQueued, nil
}

// Start resumes targets left queued or in flight by a previous process and
// allows attempts to run until Stop or ctx cancellation.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.runCtx != nil {
		return nil
	}
	recs, err := w.store.ListSyncRecords(ctx, w.opts.Name, model.SyncQueued, model.SyncInFlight)
	if err != nil {
		return fmt.Errorf("resume %s: %w", w.opts.Name, err)
	}
	for _, rec := range recs {
		if _, ok := w.queued[rec.TargetID]; ok {
			continue
		}
		w.enqueueLocked(model.SyncTarget{TargetID: rec.TargetID, Payload: rec.Payload, Action: rec.Action})
	}
	w.runCtx, w.cancel = context.WithCancel(ctx)
	w.spawnLocked()
	return nil
}

// Stop cancels running attempts and waits for them to return. Interrupted
// targets stay queued for the next Start.
func (w *Worker) Stop() {
	w.mu.Lock()
	cancel := w.cancel
	w.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	w.wg.Wait()

	w.mu.Lock()
	w.runCtx, w.cancel = nil, nil
	w.mu.Unlock()
}

func (w *Worker) enqueueLocked(target model.SyncTarget) {
	w.queued[target.TargetID] = target
	w.order = append(w.order, target.TargetID)
}

// spawnLocked starts runners up to the concurrency bound. Runners exit when
// nothing is left to claim.
func (w *Worker) spawnLocked() {
	if w.runCtx == nil || w.runCtx.Err() != nil {
		return
	}
	for w.active < w.opts.Concurrency && w.active-len(w.inflight) < len(w.order) {
		w.active++
		w.wg.Add(1)
		go w.run(w.runCtx)
	}
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()
	for {
		target, ok := w.claim(ctx)
		if !ok {
			return
		}
		err := w.handler(ctx, target)
		w.finish(ctx, target, err)
	}
}

func (w *Worker) claim(ctx context.Context) (model.SyncTarget, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if ctx.Err() != nil || len(w.order) == 0 {
		w.active--
		return model.SyncTarget{}, false
	}
	id := w.order[0]
	w.order = w.order[1:]
	target := w.queued[id]
	delete(w.queued, id)
	w.inflight[id] = &flight{}

	rec := w.loadLocked(ctx, target)
	rec.State = model.SyncInFlight
	rec.UpdatedAt = w.opts.Now()
	if err := w.store.UpsertSyncRecord(ctx, rec); err != nil {
		w.log.Warn("persist in-flight state", "target_id", id, "err", err)
	}
	return target, true
}

func (w *Worker) finish(ctx context.Context, target model.SyncTarget, attemptErr error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	fl := w.inflight[target.TargetID]
	delete(w.inflight, target.TargetID)
	// Writes below must land even when the run context was just cancelled.
	storeCtx := context.WithoutCancel(ctx)
	rec := w.loadLocked(storeCtx, target)
	now := w.opts.Now()
	rec.UpdatedAt = now

	switch {
	case fl != nil && fl.next != nil:
		if attemptErr != nil && ctx.Err() == nil {
			rec.Attempts++
			rec.LastError = attemptErr.Error()
		}
		rec.Payload, rec.Action = fl.next.Payload, fl.next.Action
		rec.State = model.SyncQueued
		rec.CooldownUntil = nil
		w.upsert(storeCtx, rec)
		w.enqueueLocked(*fl.next)
		w.log.Info("superseded target queued for follow-up", "target_id", target.TargetID)

	case attemptErr == nil:
		rec.State = model.SyncCompleted
		rec.CooldownUntil = nil
		rec.LastError = ""
		rec.LastDelay = 0
		w.upsert(storeCtx, rec)
		w.log.Info("target completed", "target_id", target.TargetID, "action", target.Action)
		if w.opts.CompletedCap > 0 {
			if _, err := w.store.PruneCompleted(storeCtx, w.opts.Name, w.opts.CompletedCap); err != nil {
				w.log.Warn("prune completed targets", "err", err)
			}
		}

	case ctx.Err() != nil:
		// interrupted by Stop; resumed on the next Start
		rec.State = model.SyncQueued
		w.upsert(storeCtx, rec)

	default:
		delay := w.opts.Policy.Next(rec.LastDelay)
		if !model.IsTransient(attemptErr) {
			// retrying cannot fix it; wait the full cap
			delay = w.opts.Policy.Next(w.opts.Policy.Max)
		}
		until := now.Add(delay)
		rec.State = model.SyncCoolingDown
		rec.Attempts++
		rec.LastDelay = delay
		rec.CooldownUntil = &until
		rec.LastError = attemptErr.Error()
		w.upsert(storeCtx, rec)
		w.log.Warn("target failed, cooling down", "target_id", target.TargetID, "cooldown", delay.String(), "attempts", rec.Attempts, "err", attemptErr)
	}
}

func (w *Worker) loadLocked(ctx context.Context, target model.SyncTarget) model.SyncRecord {
	rec, err := w.store.GetSyncRecord(ctx, w.opts.Name, target.TargetID)
	if err != nil {
		if !errors.Is(err, db.ErrNotFound) {
			w.log.Warn("load sync target", "target_id", target.TargetID, "err", err)
		}
		rec = model.SyncRecord{Worker: w.opts.Name, TargetID: target.TargetID}
	}
	rec.Payload, rec.Action = target.Payload, target.Action
	return rec
}

func (w *Worker) persistQueuedLocked(ctx context.Context, target model.SyncTarget) error {
	rec := w.loadLocked(ctx, target)
	rec.State = model.SyncQueued
	rec.CooldownUntil = nil
	rec.UpdatedAt = w.opts.Now()
	if err := w.store.UpsertSyncRecord(ctx, rec); err != nil {
		return fmt.Errorf("persist queued target %s: %w", target.TargetID, err)
	}
	return nil
}

func (w *Worker) upsert(ctx context.Context, rec model.SyncRecord) {
	if err := w.store.UpsertSyncRecord(ctx, rec); err != nil {
		w.log.Error("persist sync target", "target_id", rec.TargetID, "state", string(rec.State), "err", err)
	}
}
