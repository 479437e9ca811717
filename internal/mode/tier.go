package mode

import (
	"time"

	"github.com/g960059/posrelay/internal/model"
)

// Thresholds debounce a single endpoint's reachability.
type Thresholds struct {
	DownAfterFailures int
	UpAfterSuccesses  int
}

func (t Thresholds) normalized() Thresholds {
	if t.DownAfterFailures < 1 {
		t.DownAfterFailures = 1
	}
	if t.UpAfterSuccesses < 1 {
		t.UpAfterSuccesses = 1
	}
	return t
}

// Reachability is the debounced view of one endpoint.
type Reachability struct {
	Seen                 bool
	Reachable            bool
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	LastTransitionAt     time.Time
}

// NextReachability folds one probe outcome into state. The first observation
// of an endpoint is taken as-is; later flips need the configured number of
// consecutive agreeing probes.
func NextReachability(th Thresholds, state Reachability, success bool, now time.Time) Reachability {
	th = th.normalized()
	if !state.Seen {
		return Reachability{
			Seen:                 true,
			Reachable:            success,
			ConsecutiveFailures:  boolCount(!success),
			ConsecutiveSuccesses: boolCount(success),
			LastTransitionAt:     now,
		}
	}

	if success {
		state.ConsecutiveSuccesses++
		state.ConsecutiveFailures = 0
		if !state.Reachable && state.ConsecutiveSuccesses >= th.UpAfterSuccesses {
			state.Reachable = true
			state.LastTransitionAt = now
		}
		return state
	}

	state.ConsecutiveFailures++
	state.ConsecutiveSuccesses = 0
	if state.Reachable && state.ConsecutiveFailures >= th.DownAfterFailures {
		state.Reachable = false
		state.LastTransitionAt = now
	}
	return state
}

// ComputeTier applies the tier precedence to a set of reachabilities.
// Endpoints absent from the map are unreachable.
func ComputeTier(reachable map[model.EndpointID]bool) model.ConnectivityTier {
	switch {
	case reachable[model.EndpointPrimary]:
		return model.TierPrimary
	case reachable[model.EndpointLocalGateway]:
		return model.TierLocalGateway
	case reachable[model.EndpointPrintAgent], reachable[model.EndpointPaymentAgent]:
		return model.TierLocalAgents
	default:
		return model.TierIsolated
	}
}

func boolCount(b bool) int {
	if b {
		return 1
	}
	return 0
}
