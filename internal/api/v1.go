package api

import (
	"encoding/json"
	"time"

	"github.com/g960059/posrelay/internal/model"
)

type APIError = model.ErrorBody

type ErrorResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Error         APIError  `json:"error"`
}

type ProbeItem struct {
	EndpointID string `json:"endpoint_id"`
	Reachable  bool   `json:"reachable"`
	LatencyMs  int64  `json:"latency_ms"`
	Error      string `json:"error,omitempty"`
	ObservedAt string `json:"observed_at"`
}

type QueueItem struct {
	Name    string `json:"name"`
	Order   string `json:"order"`
	Pending int    `json:"pending"`
}

type WorkerItem struct {
	Name    string `json:"name"`
	Pending int    `json:"pending"`
}

type StatusEnvelope struct {
	SchemaVersion string        `json:"schema_version"`
	GeneratedAt   time.Time     `json:"generated_at"`
	Tier          string        `json:"tier"`
	Probes        []ProbeItem   `json:"probes"`
	Queues        []QueueItem   `json:"queues"`
	Workers       []WorkerItem  `json:"workers"`
	Channels      []ChannelItem `json:"channels,omitempty"`
	Agents        []string      `json:"agents,omitempty"`
}

type ChannelItem struct {
	Name    string `json:"name"`
	Breaker string `json:"breaker"`
}

type PendingEnvelope struct {
	SchemaVersion string         `json:"schema_version"`
	GeneratedAt   time.Time      `json:"generated_at"`
	Pending       int            `json:"pending"`
	ByQueue       map[string]int `json:"by_queue"`
}

type OperationItem struct {
	OperationID string `json:"operation_id"`
	Endpoint    string `json:"endpoint"`
	Method      string `json:"method"`
	EnqueuedAt  string `json:"enqueued_at"`
	Attempts    int    `json:"attempts"`
	LastError   string `json:"last_error,omitempty"`
}

type RejectedEnvelope struct {
	SchemaVersion string          `json:"schema_version"`
	GeneratedAt   time.Time       `json:"generated_at"`
	Queue         string          `json:"queue"`
	Operations    []OperationItem `json:"operations"`
}

type OperationRequest struct {
	Method  string          `json:"method"`
	Path    string          `json:"path"`
	Body    json.RawMessage `json:"body,omitempty"`
	Class   string          `json:"class,omitempty"`
	NoQueue bool            `json:"no_queue,omitempty"`
}

type OperationResponse struct {
	SchemaVersion string          `json:"schema_version"`
	GeneratedAt   time.Time       `json:"generated_at"`
	Endpoint      string          `json:"endpoint,omitempty"`
	StatusCode    int             `json:"status_code,omitempty"`
	Queued        bool            `json:"queued"`
	OperationID   string          `json:"operation_id,omitempty"`
	Body          json.RawMessage `json:"body,omitempty"`
}

type SubmitResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	TargetID      string    `json:"target_id"`
	Outcome       string    `json:"outcome"`
}

type PrintJobResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	JobID         string    `json:"job_id"`
	State         string    `json:"state"`
	AgentID       string    `json:"agent_id,omitempty"`
	Queued        bool      `json:"queued"`
	OperationID   string    `json:"operation_id,omitempty"`
}
