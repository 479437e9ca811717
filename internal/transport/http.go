package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/g960059/posrelay/internal/model"
)

const (
	HeaderDeviceToken = "X-Device-Token"
	HeaderDeviceID    = "X-Device-Id"

	defaultTimeout  = 10 * time.Second
	maxResponseBody = 4 * 1024 * 1024
)

// Request is one outbound operation against a counterpart base URL.
type Request struct {
	Method string
	Path   string
	Body   []byte
}

type Response struct {
	StatusCode int
	Body       []byte
}

// HTTP sends requests carrying the device credential headers.
type HTTP struct {
	client   *http.Client
	deviceID string
	token    string
	timeout  time.Duration
}

func New(deviceID, token string) *HTTP {
	return NewWithClient(&http.Client{}, deviceID, token)
}

func NewWithClient(client *http.Client, deviceID, token string) *HTTP {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTP{
		client:   client,
		deviceID: deviceID,
		token:    token,
		timeout:  defaultTimeout,
	}
}

// WithTimeout returns a copy whose requests are bounded by timeout unless the
// caller's context already carries a shorter deadline.
func (h *HTTP) WithTimeout(timeout time.Duration) *HTTP {
	if h == nil {
		return nil
	}
	clone := *h
	clone.timeout = timeout
	return &clone
}

func (h *HTTP) Do(ctx context.Context, baseURL string, r Request) (Response, error) {
	method := strings.ToUpper(strings.TrimSpace(r.Method))
	if method == "" {
		method = http.MethodGet
	}
	u := strings.TrimRight(baseURL, "/") + "/" + strings.TrimLeft(r.Path, "/")

	reqCtx := ctx
	if h.timeout > 0 {
		if deadline, ok := ctx.Deadline(); !ok || time.Until(deadline) > h.timeout {
			var cancel context.CancelFunc
			reqCtx, cancel = context.WithTimeout(ctx, h.timeout)
			defer cancel()
		}
	}

	var body io.Reader
	if len(r.Body) > 0 {
		body = bytes.NewReader(r.Body)
	}
	req, err := http.NewRequestWithContext(reqCtx, method, u, body)
	if err != nil {
		return Response{}, fmt.Errorf("%w: build request: %v", model.ErrInvalid, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if h.token != "" {
		req.Header.Set(HeaderDeviceToken, h.token)
	}
	if h.deviceID != "" {
		req.Header.Set(HeaderDeviceID, h.deviceID)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return Response{}, fmt.Errorf("%s %s: %w", method, u, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return Response{}, fmt.Errorf("read response %s %s: %w", method, u, err)
	}
	if resp.StatusCode >= 400 {
		return Response{}, newRequestError(resp.StatusCode, payload)
	}
	return Response{StatusCode: resp.StatusCode, Body: payload}, nil
}

func newRequestError(status int, payload []byte) *RequestError {
	var er model.ErrorResponse
	if err := json.Unmarshal(payload, &er); err == nil && er.Error.Code != "" {
		return &RequestError{StatusCode: status, Code: er.Error.Code, Message: er.Error.Message}
	}
	return &RequestError{
		StatusCode: status,
		Code:       fmt.Sprintf("HTTP_%d", status),
		Message:    strings.TrimSpace(string(payload)),
	}
}
