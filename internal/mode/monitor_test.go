package mode

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g960059/posrelay/internal/model"
)

var allEndpoints = []model.EndpointID{
	model.EndpointPrimary,
	model.EndpointLocalGateway,
	model.EndpointPrintAgent,
	model.EndpointPaymentAgent,
}

// scriptedSource answers probes from a mutable reachability table.
type scriptedSource struct {
	mu     sync.Mutex
	up     map[model.EndpointID]bool
	clock  time.Time
	probes int
}

func newScriptedSource(up map[model.EndpointID]bool) *scriptedSource {
	return &scriptedSource{up: up, clock: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (s *scriptedSource) set(id model.EndpointID, ok bool) {
	s.mu.Lock()
	s.up[id] = ok
	s.mu.Unlock()
}

func (s *scriptedSource) ProbeAll(ctx context.Context) []model.ProbeResult {
	out := make([]model.ProbeResult, 0, len(allEndpoints))
	for _, id := range allEndpoints {
		out = append(out, s.Probe(ctx, model.Endpoint{ID: id}))
	}
	return out
}

func (s *scriptedSource) Probe(_ context.Context, ep model.Endpoint) model.ProbeResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.probes++
	s.clock = s.clock.Add(time.Millisecond)
	return model.ProbeResult{EndpointID: ep.ID, Reachable: s.up[ep.ID], ObservedAt: s.clock}
}

func (s *scriptedSource) Endpoint(id model.EndpointID) (model.Endpoint, bool) {
	return model.Endpoint{ID: id}, true
}

type recorder struct {
	mu  sync.Mutex
	got []model.TierTransition
}

func (r *recorder) record(tr model.TierTransition) {
	r.mu.Lock()
	r.got = append(r.got, tr)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []model.TierTransition {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.TierTransition(nil), r.got...)
}

func TestPrimaryFailingTwiceFallsBackToGatewayOnce(t *testing.T) {
	src := newScriptedSource(map[model.EndpointID]bool{
		model.EndpointPrimary:      true,
		model.EndpointLocalGateway: true,
	})
	m := New(src, Options{Thresholds: Thresholds{DownAfterFailures: 2, UpAfterSuccesses: 1}})
	rec := &recorder{}
	m.Subscribe(rec.record)
	ctx := context.Background()

	require.Equal(t, model.TierPrimary, m.ForceCheck(ctx))
	assert.Empty(t, rec.snapshot())

	src.set(model.EndpointPrimary, false)
	require.Equal(t, model.TierPrimary, m.ForceCheck(ctx), "one failure is debounced")
	require.Equal(t, model.TierLocalGateway, m.ForceCheck(ctx))
	m.ForceCheck(ctx)
	m.ForceCheck(ctx)

	got := rec.snapshot()
	require.Len(t, got, 1)
	assert.Equal(t, model.TierPrimary, got[0].From)
	assert.Equal(t, model.TierLocalGateway, got[0].To)
	assert.Equal(t, model.TierLocalGateway, m.Current())
}

func TestPublishedTierFollowsLatestResults(t *testing.T) {
	m := New(newScriptedSource(map[model.EndpointID]bool{}), Options{Thresholds: Thresholds{DownAfterFailures: 1, UpAfterSuccesses: 1}})
	rec := &recorder{}
	m.Subscribe(rec.record)

	rng := rand.New(rand.NewSource(42))
	latest := make(map[model.EndpointID]bool)
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 500; i++ {
		id := allEndpoints[rng.Intn(len(allEndpoints))]
		ok := rng.Intn(3) > 0
		at = at.Add(time.Second)
		latest[id] = ok
		m.Observe(model.ProbeResult{EndpointID: id, Reachable: ok, ObservedAt: at})
		require.Equal(t, ComputeTier(latest), m.Current(), "step %d", i)
	}

	got := rec.snapshot()
	require.NotEmpty(t, got)
	prev := model.TierPrimary
	for i, tr := range got {
		assert.NotEqual(t, tr.From, tr.To, "transition %d repeats a tier", i)
		assert.Equal(t, prev, tr.From, "transition %d does not chain", i)
		prev = tr.To
	}
}

func TestStaleResultIsIgnored(t *testing.T) {
	m := New(newScriptedSource(map[model.EndpointID]bool{}), Options{Thresholds: Thresholds{DownAfterFailures: 1, UpAfterSuccesses: 1}})
	now := time.Now().UTC()
	m.Observe(model.ProbeResult{EndpointID: model.EndpointPrimary, Reachable: false, ObservedAt: now})
	require.Equal(t, model.TierIsolated, m.Current())

	m.Observe(model.ProbeResult{EndpointID: model.EndpointPrimary, Reachable: true, ObservedAt: now.Add(-time.Second)})
	assert.Equal(t, model.TierIsolated, m.Current())
	results := m.Results()
	require.Len(t, results, 1)
	assert.False(t, results[0].Reachable)
}

func TestDowngradeAndUpgradeShareOnePublishPath(t *testing.T) {
	m := New(newScriptedSource(map[model.EndpointID]bool{}), Options{})
	rec := &recorder{}
	unsubscribe := m.Subscribe(rec.record)

	assert.False(t, m.Upgrade(model.TierPrimary, "already primary"))
	assert.True(t, m.Downgrade(model.TierLocalGateway, "router: primary failed"))
	assert.False(t, m.Downgrade(model.TierLocalGateway, "again"))
	assert.False(t, m.Downgrade(model.TierPrimary, "not a downgrade"))
	assert.True(t, m.Upgrade(model.TierPrimary, "router: primary recovered"))

	got := rec.snapshot()
	require.Len(t, got, 2)
	assert.Equal(t, "router: primary failed", got[0].Reason)
	assert.Equal(t, model.TierPrimary, got[1].To)

	unsubscribe()
	m.Downgrade(model.TierIsolated, "after unsubscribe")
	assert.Len(t, rec.snapshot(), 2)
}

func TestProbeEndpointFoldsResultIn(t *testing.T) {
	src := newScriptedSource(map[model.EndpointID]bool{model.EndpointLocalGateway: true})
	m := New(src, Options{Thresholds: Thresholds{DownAfterFailures: 1, UpAfterSuccesses: 1}})
	require.Equal(t, model.TierLocalGateway, m.ForceCheck(context.Background()))

	src.set(model.EndpointPrimary, true)
	require.True(t, m.ProbeEndpoint(context.Background(), model.EndpointPrimary))
	assert.Equal(t, model.TierPrimary, m.Current())
}

func TestStartStopRunsProbeLoop(t *testing.T) {
	src := newScriptedSource(map[model.EndpointID]bool{model.EndpointPrintAgent: true})
	m := New(src, Options{Interval: 10 * time.Millisecond})
	seen := make(chan model.TierTransition, 4)
	m.Subscribe(func(tr model.TierTransition) { seen <- tr })

	m.Start(context.Background())
	select {
	case tr := <-seen:
		assert.Equal(t, model.TierLocalAgents, tr.To)
	case <-time.After(2 * time.Second):
		t.Fatalf("no transition published")
	}
	require.Eventually(t, func() bool {
		src.mu.Lock()
		defer src.mu.Unlock()
		return src.probes >= 8
	}, 2*time.Second, 5*time.Millisecond)
	m.Stop()
	m.Stop()
}
