package syncworker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/g960059/posrelay/internal/logging"
	"github.com/g960059/posrelay/internal/model"
)

// PendingLister returns the targets the counterpart still considers
// outstanding for this host.
type PendingLister interface {
	ListPending(ctx context.Context) ([]model.SyncTarget, error)
}

// Reconciler recovers from missed notifications: it re-notifies everything
// the counterpart lists as pending and every local cooldown that expired.
type Reconciler struct {
	worker *Worker
	lister PendingLister
	store  Store
	log    *slog.Logger
}

// NewReconciler accepts a nil lister for workers with no pull endpoint.
func NewReconciler(worker *Worker, lister PendingLister, store Store, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		worker: worker,
		lister: lister,
		store:  store,
		log:    logging.OrDefault(logger).With("component", "reconciler", "worker", worker.Name()),
	}
}

// Sweep returns how many targets were newly queued. A failing lister does not
// stop expired cooldowns from being retried.
func (r *Reconciler) Sweep(ctx context.Context, now time.Time) (int, error) {
	queued := 0
	var errs []error

	if r.lister != nil {
		targets, err := r.lister.ListPending(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("list pending for %s: %w", r.worker.Name(), err))
		}
		for _, t := range targets {
			n, err := r.notify(ctx, t)
			queued += n
			if err != nil {
				errs = append(errs, err)
			}
		}
	}

	cooling, err := r.store.ListSyncRecords(ctx, r.worker.Name(), model.SyncCoolingDown)
	if err != nil {
		errs = append(errs, fmt.Errorf("list cooling targets for %s: %w", r.worker.Name(), err))
	}
	for _, rec := range cooling {
		if rec.CooldownUntil != nil && now.Before(*rec.CooldownUntil) {
			continue
		}
		n, err := r.notify(ctx, model.SyncTarget{TargetID: rec.TargetID, Payload: rec.Payload, Action: rec.Action})
		queued += n
		if err != nil {
			errs = append(errs, err)
		}
	}

	if queued > 0 {
		r.log.Info("sweep queued targets", "queued", queued)
	}
	return queued, errors.Join(errs...)
}

func (r *Reconciler) notify(ctx context.Context, t model.SyncTarget) (int, error) {
	outcome, err := r.worker.Notify(ctx, t)
	if err != nil {
		return 0, fmt.Errorf("sweep notify %s: %w", t.TargetID, err)
	}
	if outcome == NotifyQueued {
		return 1, nil
	}
	return 0, nil
}

// Run sweeps immediately and then every interval until ctx is done.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	run := func() {
		if _, err := r.Sweep(ctx, time.Now().UTC()); err != nil && ctx.Err() == nil {
			r.log.Warn("sweep incomplete", "err", err)
		}
	}
	run()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			run()
		}
	}
}
