// Package probe issues short-timeout liveness checks against the configured
// counterpart endpoints.
package probe

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/g960059/posrelay/internal/config"
	"github.com/g960059/posrelay/internal/model"
)

const defaultProbeTimeout = 3 * time.Second

type Prober struct {
	endpoints []model.Endpoint
	client    *http.Client
	now       func() time.Time
}

func New(endpoints []model.Endpoint, client *http.Client) *Prober {
	if client == nil {
		client = &http.Client{}
	}
	return &Prober{
		endpoints: append([]model.Endpoint(nil), endpoints...),
		client:    client,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Endpoints builds the probe list from cfg. Endpoints without a base URL are
// skipped.
func Endpoints(cfg config.Config) []model.Endpoint {
	candidates := []model.Endpoint{
		{ID: model.EndpointPrimary, BaseURL: cfg.PrimaryURL, ProbeTimeout: cfg.PrimaryProbeTimeout},
		{ID: model.EndpointLocalGateway, BaseURL: cfg.LocalGatewayURL, ProbeTimeout: cfg.LocalProbeTimeout},
		{ID: model.EndpointPrintAgent, BaseURL: cfg.PrintAgentURL, ProbeTimeout: cfg.LocalProbeTimeout},
		{ID: model.EndpointPaymentAgent, BaseURL: cfg.PaymentAgentURL, ProbeTimeout: cfg.LocalProbeTimeout},
	}
	out := make([]model.Endpoint, 0, len(candidates))
	for _, ep := range candidates {
		if strings.TrimSpace(ep.BaseURL) == "" {
			continue
		}
		ep.HealthPath = cfg.HealthPath
		out = append(out, ep)
	}
	return out
}

func (p *Prober) Endpoint(id model.EndpointID) (model.Endpoint, bool) {
	for _, ep := range p.endpoints {
		if ep.ID == id {
			return ep, true
		}
	}
	return model.Endpoint{}, false
}

// ProbeAll probes every endpoint concurrently. Results are returned in
// endpoint order.
func (p *Prober) ProbeAll(ctx context.Context) []model.ProbeResult {
	results := make([]model.ProbeResult, len(p.endpoints))
	var g errgroup.Group
	for i, ep := range p.endpoints {
		i, ep := i, ep
		g.Go(func() error {
			results[i] = p.Probe(ctx, ep)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Probe performs one GET against the endpoint's health path. Any 2xx or 3xx
// response counts as reachable; everything else, including a timeout, does
// not.
func (p *Prober) Probe(ctx context.Context, ep model.Endpoint) model.ProbeResult {
	timeout := ep.ProbeTimeout
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	result := model.ProbeResult{EndpointID: ep.ID}
	err := p.get(probeCtx, healthURL(ep))
	result.LatencyMs = time.Since(start).Milliseconds()
	result.ObservedAt = p.now()
	if err != nil {
		result.Error = err.Error()
		return result
	}
	result.Reachable = true
	return result
}

func (p *Prober) get(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build probe request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close() //nolint:errcheck
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 400 {
		return fmt.Errorf("probe status %d", resp.StatusCode)
	}
	return nil
}

func healthURL(ep model.Endpoint) string {
	path := ep.HealthPath
	if path == "" {
		path = "/healthz"
	}
	return strings.TrimRight(ep.BaseURL, "/") + "/" + strings.TrimLeft(path, "/")
}
