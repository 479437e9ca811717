package transport

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/g960059/posrelay/internal/model"
)

// RequestError is a counterpart response with status >= 400.
type RequestError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *RequestError) Error() string {
	if e == nil {
		return ""
	}
	code := strings.TrimSpace(e.Code)
	message := strings.TrimSpace(e.Message)
	switch {
	case code != "" && message != "":
		return fmt.Sprintf("%s: %s", code, message)
	case code != "":
		return fmt.Sprintf("http %d: %s", e.StatusCode, code)
	case message != "":
		return fmt.Sprintf("http %d: %s", e.StatusCode, message)
	}
	return fmt.Sprintf("http %d", e.StatusCode)
}

func (e *RequestError) ErrorClass() model.ErrorClass {
	switch e.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return model.ClassAuth
	case http.StatusBadRequest, http.StatusConflict, http.StatusUnprocessableEntity:
		return model.ClassValidation
	}
	return model.ClassTransient
}

func (e *RequestError) Retryable() bool {
	return e != nil && e.ErrorClass() == model.ClassTransient
}
