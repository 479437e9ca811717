// Package mode owns the terminal's current connectivity tier. It folds probe
// results into a tier and publishes each change exactly once to subscribers.
package mode

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/g960059/posrelay/internal/logging"
	"github.com/g960059/posrelay/internal/model"
)

// ProbeSource is satisfied by *probe.Prober.
type ProbeSource interface {
	ProbeAll(ctx context.Context) []model.ProbeResult
	Probe(ctx context.Context, ep model.Endpoint) model.ProbeResult
	Endpoint(id model.EndpointID) (model.Endpoint, bool)
}

type Options struct {
	Interval   time.Duration
	Thresholds Thresholds
	Logger     *slog.Logger
	Now        func() time.Time
}

type Monitor struct {
	source ProbeSource
	opts   Options
	log    *slog.Logger

	// publishMu serializes tier computation with subscriber fan-out so that
	// transitions reach every subscriber in order.
	publishMu sync.Mutex

	mu      sync.RWMutex
	results map[model.EndpointID]model.ProbeResult
	reach   map[model.EndpointID]Reachability
	current model.ConnectivityTier
	subs    map[uint64]func(model.TierTransition)
	nextSub uint64

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New returns a monitor whose current tier is PRIMARY until the first probe
// cycle says otherwise.
func New(source ProbeSource, opts Options) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Monitor{
		source:  source,
		opts:    opts,
		log:     logging.OrDefault(opts.Logger).With("component", "mode"),
		results: make(map[model.EndpointID]model.ProbeResult),
		reach:   make(map[model.EndpointID]Reachability),
		current: model.TierPrimary,
		subs:    make(map[uint64]func(model.TierTransition)),
	}
}

func (m *Monitor) Current() model.ConnectivityTier {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Results returns the latest probe result per endpoint, sorted by endpoint id.
func (m *Monitor) Results() []model.ProbeResult {
	m.mu.RLock()
	out := make([]model.ProbeResult, 0, len(m.results))
	for _, r := range m.results {
		out = append(out, r)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].EndpointID < out[j].EndpointID })
	return out
}

// Subscribe registers fn for every future transition. fn runs synchronously
// on the publishing goroutine and must not call Downgrade or Upgrade.
func (m *Monitor) Subscribe(fn func(model.TierTransition)) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

// Observe folds results into the per-endpoint state and publishes a
// transition if the computed tier changed. A result older than the one
// already held for its endpoint is ignored.
func (m *Monitor) Observe(results ...model.ProbeResult) model.ConnectivityTier {
	m.publishMu.Lock()
	defer m.publishMu.Unlock()

	m.mu.Lock()
	for _, r := range results {
		if r.EndpointID == "" {
			continue
		}
		if r.ObservedAt.IsZero() {
			r.ObservedAt = m.opts.Now()
		}
		if prev, ok := m.results[r.EndpointID]; ok && r.ObservedAt.Before(prev.ObservedAt) {
			continue
		}
		m.results[r.EndpointID] = r
		m.reach[r.EndpointID] = NextReachability(m.opts.Thresholds, m.reach[r.EndpointID], r.Reachable, r.ObservedAt)
	}
	reachable := make(map[model.EndpointID]bool, len(m.reach))
	for id, st := range m.reach {
		reachable[id] = st.Reachable
	}
	next := ComputeTier(reachable)
	tr, subs, changed := m.transitionLocked(next, probeReason(reachable))
	m.mu.Unlock()

	if changed {
		m.publish(tr, subs)
	}
	return next
}

// ForceCheck runs an immediate probe cycle. It may overlap the periodic one.
func (m *Monitor) ForceCheck(ctx context.Context) model.ConnectivityTier {
	return m.Observe(m.source.ProbeAll(ctx)...)
}

// ProbeEndpoint probes a single endpoint, folds the result in and reports
// whether it answered.
func (m *Monitor) ProbeEndpoint(ctx context.Context, id model.EndpointID) bool {
	ep, ok := m.source.Endpoint(id)
	if !ok {
		return false
	}
	r := m.source.Probe(ctx, ep)
	m.Observe(r)
	return r.Reachable
}

// Downgrade publishes to if it is worse than the current tier.
func (m *Monitor) Downgrade(to model.ConnectivityTier, reason string) bool {
	return m.override(to, reason, func(cur model.ConnectivityTier) bool { return to.Worse(cur) })
}

// Upgrade publishes to if it is better than the current tier.
func (m *Monitor) Upgrade(to model.ConnectivityTier, reason string) bool {
	return m.override(to, reason, func(cur model.ConnectivityTier) bool { return cur.Worse(to) })
}

func (m *Monitor) override(to model.ConnectivityTier, reason string, allowed func(model.ConnectivityTier) bool) bool {
	m.publishMu.Lock()
	defer m.publishMu.Unlock()

	m.mu.Lock()
	if !allowed(m.current) {
		m.mu.Unlock()
		return false
	}
	tr, subs, changed := m.transitionLocked(to, reason)
	m.mu.Unlock()
	if changed {
		m.publish(tr, subs)
	}
	return changed
}

func (m *Monitor) transitionLocked(next model.ConnectivityTier, reason string) (model.TierTransition, []func(model.TierTransition), bool) {
	if next == m.current {
		return model.TierTransition{}, nil, false
	}
	tr := model.TierTransition{From: m.current, To: next, Reason: reason, At: m.opts.Now()}
	m.current = next
	ids := make([]uint64, 0, len(m.subs))
	for id := range m.subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	subs := make([]func(model.TierTransition), 0, len(ids))
	for _, id := range ids {
		subs = append(subs, m.subs[id])
	}
	return tr, subs, true
}

func (m *Monitor) publish(tr model.TierTransition, subs []func(model.TierTransition)) {
	m.log.Info("connectivity tier changed", "from", tr.From.String(), "to", tr.To.String(), "reason", tr.Reason)
	for _, fn := range subs {
		fn(tr)
	}
}

// Start runs the periodic probe loop until Stop or ctx cancellation.
func (m *Monitor) Start(ctx context.Context) {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.cancel != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		_ = m.Run(runCtx)
	}(m.done)
}

func (m *Monitor) Stop() {
	m.runMu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.runMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Run probes immediately and then on every interval. It returns ctx.Err().
func (m *Monitor) Run(ctx context.Context) error {
	m.ForceCheck(ctx)
	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.ForceCheck(ctx)
		}
	}
}

func probeReason(reachable map[model.EndpointID]bool) string {
	up := make([]string, 0, len(reachable))
	for id, ok := range reachable {
		if ok {
			up = append(up, string(id))
		}
	}
	if len(up) == 0 {
		return "probe: no endpoint reachable"
	}
	sort.Strings(up)
	return fmt.Sprintf("probe: reachable=%s", strings.Join(up, ","))
}
