package model

import (
	"encoding/json"
	"time"
)

// ConnectivityTier is ordered by degree of degradation; a larger value is worse.
type ConnectivityTier int

const (
	TierPrimary ConnectivityTier = iota
	TierLocalGateway
	TierLocalAgents
	TierIsolated
)

func (t ConnectivityTier) String() string {
	switch t {
	case TierPrimary:
		return "primary"
	case TierLocalGateway:
		return "local_gateway"
	case TierLocalAgents:
		return "local_agents"
	case TierIsolated:
		return "isolated"
	default:
		return "unknown"
	}
}

func (t ConnectivityTier) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// Worse reports whether t is more degraded than other.
func (t ConnectivityTier) Worse(other ConnectivityTier) bool {
	return t > other
}

type EndpointID string

const (
	EndpointPrimary      EndpointID = "primary"
	EndpointLocalGateway EndpointID = "local_gateway"
	EndpointPrintAgent   EndpointID = "print_agent"
	EndpointPaymentAgent EndpointID = "payment_agent"
)

// Endpoint is a counterpart reachable over HTTP.
type Endpoint struct {
	ID      EndpointID
	BaseURL string
	// HealthPath is appended to BaseURL for liveness probes.
	HealthPath   string
	ProbeTimeout time.Duration
}

type ProbeResult struct {
	EndpointID EndpointID `json:"endpoint_id"`
	Reachable  bool       `json:"reachable"`
	LatencyMs  int64      `json:"latency_ms"`
	Error      string     `json:"error,omitempty"`
	ObservedAt time.Time  `json:"observed_at"`
}

// TierTransition is published once per change of the current tier.
type TierTransition struct {
	From   ConnectivityTier
	To     ConnectivityTier
	Reason string
	At     time.Time
}

type QueuedOperation struct {
	ID         string
	Queue      string
	Endpoint   string
	Method     string
	Body       []byte
	EnqueuedAt time.Time
	Attempts   int
	LastError  string
}

type SyncState string

const (
	SyncQueued      SyncState = "queued"
	SyncInFlight    SyncState = "in_flight"
	SyncCompleted   SyncState = "completed"
	SyncCoolingDown SyncState = "cooling_down"
)

type SyncTarget struct {
	TargetID string
	Payload  []byte
	Action   string
}

// SyncRecord is the persisted view of a SyncTarget and its resolution state.
type SyncRecord struct {
	Worker        string
	TargetID      string
	Payload       []byte
	Action        string
	State         SyncState
	Attempts      int
	LastDelay     time.Duration
	CooldownUntil *time.Time
	LastError     string
	UpdatedAt     time.Time
}

type DeliveryJobState string

const (
	JobSent      DeliveryJobState = "sent"
	JobDelivered DeliveryJobState = "delivered"
	JobFailed    DeliveryJobState = "failed"
)

type DeliveryJob struct {
	JobID       string          `json:"job_id"`
	Destination string          `json:"destination"`
	Payload     json.RawMessage `json:"payload"`
}
