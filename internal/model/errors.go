package model

import (
	"context"
	"errors"
)

// ErrorClass is the retry taxonomy shared by router, queue and sync worker.
type ErrorClass string

const (
	ClassTransient  ErrorClass = "transient"
	ClassAuth       ErrorClass = "auth"
	ClassValidation ErrorClass = "validation"
	ClassExhausted  ErrorClass = "exhausted"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrInvalid      = errors.New("invalid payload")
	ErrExhausted    = errors.New("all endpoints exhausted")
)

// Classified is implemented by errors that know their own class.
type Classified interface {
	ErrorClass() ErrorClass
}

// Classify maps err onto the retry taxonomy. Unknown errors are transient so
// they keep being retried rather than silently dropped.
func Classify(err error) ErrorClass {
	if err == nil {
		return ""
	}
	var c Classified
	if errors.As(err, &c) {
		return c.ErrorClass()
	}
	switch {
	case errors.Is(err, ErrUnauthorized):
		return ClassAuth
	case errors.Is(err, ErrInvalid):
		return ClassValidation
	case errors.Is(err, ErrExhausted):
		return ClassExhausted
	case errors.Is(err, context.DeadlineExceeded):
		return ClassTransient
	}
	return ClassTransient
}

func IsTransient(err error) bool {
	return Classify(err) == ClassTransient
}

// Error codes surfaced to UI callers.
const (
	ErrCodeEndpointUnreachable = "E_ENDPOINT_UNREACHABLE"
	ErrCodeAuthFailed          = "E_AUTH_FAILED"
	ErrCodeInvalidPayload      = "E_INVALID_PAYLOAD"
	ErrCodeNotQueueable        = "E_NOT_QUEUEABLE"
)

// ErrorResponse is the JSON error body exchanged with counterparts and served
// by the status API.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
