package transport

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/g960059/posrelay/internal/model"
)

func TestDoSendsDeviceHeadersAndBody(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/checks", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if r.Header.Get(HeaderDeviceToken) != "tok-1" || r.Header.Get(HeaderDeviceID) != "term-7" {
			t.Errorf("missing device headers: %v", r.Header)
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != `{"table":4}` {
			t.Errorf("unexpected body %q", body)
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"check_id":"c1"}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	h := NewWithClient(srv.Client(), "term-7", "tok-1")
	resp, err := h.Do(context.Background(), srv.URL+"/", Request{Method: "post", Path: "/checks", Body: []byte(`{"table":4}`)})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if resp.StatusCode != http.StatusCreated || string(resp.Body) != `{"check_id":"c1"}` {
		t.Fatalf("unexpected response: %d %s", resp.StatusCode, resp.Body)
	}
}

func TestDoClassifiesStatusCodes(t *testing.T) {
	cases := []struct {
		status int
		want   model.ErrorClass
	}{
		{http.StatusUnauthorized, model.ClassAuth},
		{http.StatusForbidden, model.ClassAuth},
		{http.StatusBadRequest, model.ClassValidation},
		{http.StatusConflict, model.ClassValidation},
		{http.StatusUnprocessableEntity, model.ClassValidation},
		{http.StatusInternalServerError, model.ClassTransient},
		{http.StatusServiceUnavailable, model.ClassTransient},
		{http.StatusTooManyRequests, model.ClassTransient},
	}
	for _, tc := range cases {
		status := tc.status
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(status)
			_, _ = io.WriteString(w, `{"error":{"code":"E_X","message":"nope"}}`)
		}))
		_, err := NewWithClient(srv.Client(), "d", "t").Do(context.Background(), srv.URL, Request{Path: "/x"})
		srv.Close()
		if err == nil {
			t.Fatalf("status %d: expected error", status)
		}
		var reqErr *RequestError
		if !errors.As(err, &reqErr) {
			t.Fatalf("status %d: expected RequestError, got %T", status, err)
		}
		if reqErr.Code != "E_X" || reqErr.Message != "nope" {
			t.Fatalf("status %d: unexpected decoded error %+v", status, reqErr)
		}
		if got := model.Classify(err); got != tc.want {
			t.Fatalf("status %d: class = %s, want %s", status, got, tc.want)
		}
	}
}

func TestDoTimeoutIsTransient(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	h := NewWithClient(srv.Client(), "d", "t").WithTimeout(50 * time.Millisecond)
	start := time.Now()
	_, err := h.Do(context.Background(), srv.URL, Request{Path: "/slow"})
	if err == nil {
		t.Fatalf("expected timeout error")
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("timeout not honoured")
	}
	if !model.IsTransient(err) {
		t.Fatalf("expected transient class, got %s", model.Classify(err))
	}
}

func TestDoConnectionRefusedIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := New("d", "t").Do(context.Background(), url, Request{Path: "/healthz"})
	if err == nil {
		t.Fatalf("expected connection error")
	}
	if !model.IsTransient(err) {
		t.Fatalf("expected transient class, got %s", model.Classify(err))
	}
}
