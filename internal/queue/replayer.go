package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/g960059/posrelay/internal/backoff"
	"github.com/g960059/posrelay/internal/logging"
	"github.com/g960059/posrelay/internal/model"
)

// TierSource is satisfied by *mode.Monitor.
type TierSource interface {
	Current() model.ConnectivityTier
	Subscribe(fn func(model.TierTransition)) (unsubscribe func())
}

type ReplayerOptions struct {
	Interval time.Duration
	Retry    backoff.Policy
	Logger   *slog.Logger
	// Ready reports whether the send function can reach anything at the
	// given tier. Nil means any tier but ISOLATED.
	Ready func(model.ConnectivityTier) bool
}

// ReachesUpstream is a Ready func for senders that only talk to the primary
// or the local gateway.
func ReachesUpstream(t model.ConnectivityTier) bool {
	return !t.Worse(model.TierLocalGateway)
}

func notIsolated(t model.ConnectivityTier) bool { return t != model.TierIsolated }

// Replayer drains one queue whenever the tier becomes ready, when
// triggered, and periodically. No pass runs while the tier is not ready.
// While passes keep failing the periodic interval is replaced by the retry
// backoff.
type Replayer struct {
	queue *Queue
	send  Sender
	tiers TierSource
	opts  ReplayerOptions
	log   *slog.Logger
	kick  chan struct{}
}

func NewReplayer(q *Queue, send Sender, tiers TierSource, opts ReplayerOptions) *Replayer {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.Ready == nil {
		opts.Ready = notIsolated
	}
	return &Replayer{
		queue: q,
		send:  send,
		tiers: tiers,
		opts:  opts,
		log:   logging.OrDefault(opts.Logger).With("component", "replayer", "queue", q.Name()),
		kick:  make(chan struct{}, 1),
	}
}

// Trigger requests a drain pass without blocking.
func (r *Replayer) Trigger() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

func (r *Replayer) Run(ctx context.Context) error {
	unsubscribe := r.tiers.Subscribe(func(tr model.TierTransition) {
		if r.opts.Ready(tr.To) {
			r.Trigger()
		}
	})
	defer unsubscribe()

	retry := backoff.New(r.opts.Retry)
	timer := time.NewTimer(r.opts.Interval)
	defer timer.Stop()
	r.Trigger()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.kick:
		case <-timer.C:
		}

		next := r.opts.Interval
		if ok := r.drainOnce(ctx); !ok {
			next = retry.Next()
			r.log.Debug("drain incomplete, backing off", "delay", next.String(), "attempt", retry.Attempt())
		} else {
			retry.Reset()
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(next)
	}
}

// drainOnce reports false when operations remain after a pass that was
// allowed to run.
func (r *Replayer) drainOnce(ctx context.Context) bool {
	if r.queue.Pending() == 0 {
		return true
	}
	if tier := r.tiers.Current(); !r.opts.Ready(tier) {
		r.log.Debug("drain skipped", "tier", tier.String(), "pending", r.queue.Pending())
		return true
	}
	res, err := r.queue.Drain(ctx, r.send)
	if err != nil {
		if ctx.Err() == nil {
			r.log.Error("drain failed", "err", err)
		}
		return false
	}
	return res.Failed == 0
}
