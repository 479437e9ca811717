// Package router sends outbound operations to the best live endpoint for the
// current connectivity tier, escalating across tiers on transient failure and
// handing undeliverable operations to the durable queue.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/g960059/posrelay/internal/config"
	"github.com/g960059/posrelay/internal/logging"
	"github.com/g960059/posrelay/internal/model"
	"github.com/g960059/posrelay/internal/transport"
)

var ErrNoEndpoint = errors.New("no live endpoint for tier")

type OperationClass int

const (
	ClassGeneric OperationClass = iota
	ClassPayment
	ClassLocalAgent
)

type Operation struct {
	Method string
	Path   string
	Body   []byte
	Class  OperationClass
	// NoQueue makes exhaustion an error instead of a deferred delivery.
	// Payment-class operations are never queued.
	NoQueue bool
}

func (op Operation) queueable() bool {
	return !op.NoQueue && op.Class != ClassPayment
}

type Result struct {
	Response    transport.Response
	Endpoint    model.EndpointID
	Queued      bool
	OperationID string
}

// Sender is satisfied by *transport.HTTP.
type Sender interface {
	Do(ctx context.Context, baseURL string, r transport.Request) (transport.Response, error)
}

// Tiers is satisfied by *mode.Monitor.
type Tiers interface {
	Current() model.ConnectivityTier
	Results() []model.ProbeResult
	Downgrade(to model.ConnectivityTier, reason string) bool
	Upgrade(to model.ConnectivityTier, reason string) bool
	ProbeEndpoint(ctx context.Context, id model.EndpointID) bool
}

// Enqueuer is satisfied by *queue.Queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, endpoint, method string, body []byte) (string, error)
	Pending() int
}

type Timeouts struct {
	Generic    time.Duration
	Payment    time.Duration
	LocalAgent time.Duration
}

func TimeoutsFromConfig(cfg config.Config) Timeouts {
	return Timeouts{Generic: cfg.GenericTimeout, Payment: cfg.PaymentTimeout, LocalAgent: cfg.LocalAgentTimeout}
}

func (t Timeouts) For(class OperationClass) time.Duration {
	var d time.Duration
	switch class {
	case ClassPayment:
		d = t.Payment
	case ClassLocalAgent:
		d = t.LocalAgent
	default:
		d = t.Generic
	}
	if d <= 0 {
		d = 10 * time.Second
	}
	return d
}

type Options struct {
	PrimaryURL string
	GatewayURL string
	Timeouts   Timeouts
	Logger     *slog.Logger
	// Queued is called after an operation was handed to the queue.
	Queued func()
}

type Router struct {
	sender Sender
	tiers  Tiers
	queue  Enqueuer
	opts   Options
	log    *slog.Logger
}

func New(sender Sender, tiers Tiers, queue Enqueuer, opts Options) *Router {
	return &Router{
		sender: sender,
		tiers:  tiers,
		queue:  queue,
		opts:   opts,
		log:    logging.OrDefault(opts.Logger).With("component", "router"),
	}
}

// Execute delivers op or, when every live endpoint failed transiently, queues
// it and reports Queued with a nil error. Auth and validation failures are
// returned as-is and never queued. The method is normalized before any
// attempt so a queued replay uses the same method a live send would.
func (r *Router) Execute(ctx context.Context, op Operation) (Result, error) {
	if strings.TrimSpace(op.Path) == "" {
		return Result{}, fmt.Errorf("%w: operation path is required", model.ErrInvalid)
	}
	method, err := model.NormalizeMethod(op.Method)
	if err != nil {
		return Result{}, err
	}
	op.Method = method
	// A backlog means earlier operations are still undelivered; going around
	// it would reorder the queue.
	if op.queueable() && r.queue != nil && r.queue.Pending() > 0 {
		return r.enqueue(ctx, op, "backlog pending")
	}

	res, err := r.route(ctx, transport.Request{Method: op.Method, Path: op.Path, Body: op.Body}, op.Class)
	if err == nil {
		return res, nil
	}
	if !model.IsTransient(err) {
		return Result{}, err
	}
	r.settleTier(ctx)
	if !op.queueable() || r.queue == nil {
		return Result{}, fmt.Errorf("%w: %s %s: %v", model.ErrExhausted, op.Method, op.Path, err)
	}
	return r.enqueue(ctx, op, err.Error())
}

// Send delivers a previously queued operation. It escalates like Execute but
// never queues.
func (r *Router) Send(ctx context.Context, op model.QueuedOperation) error {
	_, err := r.route(ctx, transport.Request{Method: op.Method, Path: op.Endpoint, Body: op.Body}, ClassGeneric)
	return err
}

func (r *Router) route(ctx context.Context, req transport.Request, class OperationClass) (Result, error) {
	switch r.tiers.Current() {
	case model.TierPrimary:
		res, err := r.attempt(ctx, model.EndpointPrimary, req, class)
		if err == nil || !model.IsTransient(err) {
			return res, err
		}
		r.log.Warn("primary attempt failed, escalating to gateway", "path", req.Path, "err", err)
		res, err = r.attempt(ctx, model.EndpointLocalGateway, req, class)
		if err != nil {
			return Result{}, err
		}
		r.tiers.Downgrade(model.TierLocalGateway, "router: primary failed, gateway succeeded")
		return res, nil

	case model.TierLocalGateway:
		res, err := r.attempt(ctx, model.EndpointLocalGateway, req, class)
		if err == nil || !model.IsTransient(err) {
			return res, err
		}
		r.log.Warn("gateway attempt failed, checking primary", "path", req.Path, "err", err)
		if !r.tiers.ProbeEndpoint(ctx, model.EndpointPrimary) {
			return Result{}, err
		}
		r.tiers.Upgrade(model.TierPrimary, "router: primary answered recovery probe")
		return r.attempt(ctx, model.EndpointPrimary, req, class)

	default:
		return Result{}, ErrNoEndpoint
	}
}

func (r *Router) attempt(ctx context.Context, id model.EndpointID, req transport.Request, class OperationClass) (Result, error) {
	base := r.baseURL(id)
	if base == "" {
		return Result{}, fmt.Errorf("%s: %w", id, ErrNoEndpoint)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, r.opts.Timeouts.For(class))
	defer cancel()
	resp, err := r.sender.Do(attemptCtx, base, req)
	if err != nil {
		return Result{}, fmt.Errorf("%s: %w", id, err)
	}
	return Result{Response: resp, Endpoint: id}, nil
}

func (r *Router) baseURL(id model.EndpointID) string {
	switch id {
	case model.EndpointPrimary:
		return r.opts.PrimaryURL
	case model.EndpointLocalGateway:
		return r.opts.GatewayURL
	}
	return ""
}

// settleTier downgrades past the gateway once both primary and gateway
// failed: to LOCAL_AGENTS if an agent answered its last probe, else ISOLATED.
func (r *Router) settleTier(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	to := model.TierIsolated
	for _, pr := range r.tiers.Results() {
		if pr.Reachable && (pr.EndpointID == model.EndpointPrintAgent || pr.EndpointID == model.EndpointPaymentAgent) {
			to = model.TierLocalAgents
			break
		}
	}
	r.tiers.Downgrade(to, "router: primary and gateway failed")
}

func (r *Router) enqueue(ctx context.Context, op Operation, reason string) (Result, error) {
	// The sale must be kept even if the caller already gave up waiting.
	id, err := r.queue.Enqueue(context.WithoutCancel(ctx), op.Path, op.Method, op.Body)
	if err != nil {
		return Result{}, fmt.Errorf("enqueue %s %s: %w", op.Method, op.Path, err)
	}
	r.log.Info("operation queued", "op_id", id, "path", op.Path, "reason", reason)
	if r.opts.Queued != nil {
		r.opts.Queued()
	}
	return Result{Queued: true, OperationID: id}, nil
}
