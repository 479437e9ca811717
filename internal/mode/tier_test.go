package mode

import (
	"testing"
	"time"

	"github.com/g960059/posrelay/internal/model"
)

func TestReachabilityHysteresis(t *testing.T) {
	th := Thresholds{DownAfterFailures: 2, UpAfterSuccesses: 2}
	now := time.Now().UTC()

	st := NextReachability(th, Reachability{}, true, now)
	if !st.Seen || !st.Reachable {
		t.Fatalf("first success should be reachable, got %+v", st)
	}
	st = NextReachability(th, st, false, now.Add(time.Second))
	if !st.Reachable {
		t.Fatalf("single failure must not flip reachability")
	}
	st = NextReachability(th, st, false, now.Add(2*time.Second))
	if st.Reachable {
		t.Fatalf("second consecutive failure should flip to unreachable")
	}
	st = NextReachability(th, st, true, now.Add(3*time.Second))
	if st.Reachable {
		t.Fatalf("still unreachable until enough successes")
	}
	st = NextReachability(th, st, true, now.Add(4*time.Second))
	if !st.Reachable {
		t.Fatalf("expected recovery after two successes")
	}
	if !st.LastTransitionAt.Equal(now.Add(4 * time.Second)) {
		t.Fatalf("unexpected transition time %s", st.LastTransitionAt)
	}
}

func TestReachabilityInterleavedFailuresDoNotAccumulate(t *testing.T) {
	th := Thresholds{DownAfterFailures: 2, UpAfterSuccesses: 1}
	now := time.Now().UTC()
	st := NextReachability(th, Reachability{}, true, now)
	for i, ok := range []bool{false, true, false, true, false} {
		st = NextReachability(th, st, ok, now.Add(time.Duration(i+1)*time.Second))
		if !st.Reachable {
			t.Fatalf("step %d: non-consecutive failures flipped reachability", i)
		}
	}
}

func TestFirstObservationIsTakenAsIs(t *testing.T) {
	st := NextReachability(Thresholds{DownAfterFailures: 5}, Reachability{}, false, time.Now())
	if st.Reachable {
		t.Fatalf("unseen endpoint that fails its first probe is unreachable")
	}
}

func TestComputeTierPrecedence(t *testing.T) {
	cases := []struct {
		name string
		in   map[model.EndpointID]bool
		want model.ConnectivityTier
	}{
		{"all up", map[model.EndpointID]bool{model.EndpointPrimary: true, model.EndpointLocalGateway: true, model.EndpointPrintAgent: true}, model.TierPrimary},
		{"primary only", map[model.EndpointID]bool{model.EndpointPrimary: true}, model.TierPrimary},
		{"gateway", map[model.EndpointID]bool{model.EndpointPrimary: false, model.EndpointLocalGateway: true, model.EndpointPaymentAgent: true}, model.TierLocalGateway},
		{"print agent", map[model.EndpointID]bool{model.EndpointPrintAgent: true}, model.TierLocalAgents},
		{"payment agent", map[model.EndpointID]bool{model.EndpointPaymentAgent: true}, model.TierLocalAgents},
		{"nothing", map[model.EndpointID]bool{model.EndpointPrimary: false}, model.TierIsolated},
		{"empty", nil, model.TierIsolated},
	}
	for _, tc := range cases {
		if got := ComputeTier(tc.in); got != tc.want {
			t.Fatalf("%s: got %s, want %s", tc.name, got, tc.want)
		}
		if again := ComputeTier(tc.in); again != tc.want {
			t.Fatalf("%s: tier computation not idempotent", tc.name)
		}
	}
}
