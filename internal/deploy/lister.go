package deploy

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/g960059/posrelay/internal/model"
	"github.com/g960059/posrelay/internal/transport"
)

// Sender is satisfied by *transport.HTTP.
type Sender interface {
	Do(ctx context.Context, baseURL string, r transport.Request) (transport.Response, error)
}

type pendingResponse struct {
	Deployments []Notification `json:"deployments"`
}

// PullLister asks the primary which deployments are still outstanding for
// this host, for the reconciliation sweep.
type PullLister struct {
	sender   Sender
	baseURL  string
	deviceID string
}

func NewPullLister(sender Sender, baseURL, deviceID string) *PullLister {
	return &PullLister{sender: sender, baseURL: baseURL, deviceID: deviceID}
}

func (l *PullLister) ListPending(ctx context.Context) ([]model.SyncTarget, error) {
	resp, err := l.sender.Do(ctx, l.baseURL, transport.Request{
		Method: http.MethodGet,
		Path:   "/deployments/pending?device_id=" + url.QueryEscape(l.deviceID),
	})
	if err != nil {
		return nil, fmt.Errorf("list pending deployments: %w", err)
	}
	var body pendingResponse
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return nil, fmt.Errorf("%w: decode pending deployments: %v", model.ErrInvalid, err)
	}
	out := make([]model.SyncTarget, 0, len(body.Deployments))
	for _, n := range body.Deployments {
		t, err := n.Target()
		if err != nil {
			// one bad entry must not hide the others
			continue
		}
		out = append(out, t)
	}
	return out, nil
}
