// Package delivery implements the print-job channel: a persistent websocket
// connection carrying JSON envelopes between a local agent and the
// dispatching hub.
package delivery

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/g960059/posrelay/internal/model"
)

const DefaultMaxFrame = 1 << 20 // 1 MiB

const (
	TypeHello        = "hello"
	TypeAuthOK       = "auth_ok"
	TypeAuthFail     = "auth_fail"
	TypeJob          = "job"
	TypeAck          = "ack"
	TypeDone         = "done"
	TypeError        = "error"
	TypeHeartbeat    = "heartbeat"
	TypeHeartbeatAck = "heartbeat_ack"
)

var (
	ErrInvalidFrame  = errors.New("delivery: invalid frame")
	ErrFrameTooLarge = errors.New("delivery: frame too large")
	ErrAuthFailed    = errors.New("delivery: authentication failed")
)

// payloadRequired lists the types that must carry a payload. Heartbeats are
// bare envelopes.
var payloadRequired = map[string]bool{
	TypeHello:        true,
	TypeAuthOK:       true,
	TypeAuthFail:     true,
	TypeJob:          true,
	TypeAck:          true,
	TypeDone:         true,
	TypeError:        true,
	TypeHeartbeat:    false,
	TypeHeartbeatAck: false,
}

type Envelope struct {
	Type    string          `json:"type"`
	Seq     uint64          `json:"seq"`
	SentAt  time.Time       `json:"sent_at"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope encodes payload; a nil payload produces a bare envelope.
func NewEnvelope(frameType string, seq uint64, payload any) (Envelope, error) {
	env := Envelope{
		Type:   strings.TrimSpace(frameType),
		Seq:    seq,
		SentAt: time.Now().UTC(),
	}
	if payload != nil {
		body, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshal payload: %w", err)
		}
		env.Payload = body
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

func (e Envelope) Validate() error {
	required, known := payloadRequired[e.Type]
	if !known {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidFrame, e.Type)
	}
	if required && len(e.Payload) == 0 {
		return fmt.Errorf("%w: %s payload is required", ErrInvalidFrame, e.Type)
	}
	return nil
}

func (e Envelope) DecodePayload(dst any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%w: empty payload", ErrInvalidFrame)
	}
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("%w: decode %s payload: %v", ErrInvalidFrame, e.Type, err)
	}
	return nil
}

// Encode validates env and renders it as one text frame.
func Encode(env Envelope) ([]byte, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}
	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal frame: %w", err)
	}
	if len(body) > DefaultMaxFrame {
		return nil, ErrFrameTooLarge
	}
	return body, nil
}

func Decode(data []byte, maxFrameSize int) (Envelope, error) {
	limit := maxFrameSize
	if limit <= 0 {
		limit = DefaultMaxFrame
	}
	if len(data) > limit {
		return Envelope{}, ErrFrameTooLarge
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

type HelloPayload struct {
	Token    string `json:"token"`
	DeviceID string `json:"device_id,omitempty"`
}

type AuthOKPayload struct {
	AgentID   string `json:"agent_id"`
	SessionID string `json:"session_id"`
	// HeartbeatMs lets the hub tell the agent the interval it enforces.
	HeartbeatMs int64 `json:"heartbeat_ms,omitempty"`
}

type AuthFailPayload struct {
	Reason string `json:"reason"`
}

type JobPayload = model.DeliveryJob

type AckPayload struct {
	JobID string `json:"job_id"`
}

type DonePayload struct {
	JobID string `json:"job_id"`
}

type ErrorPayload struct {
	JobID  string `json:"job_id"`
	Reason string `json:"reason"`
}
