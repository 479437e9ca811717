// Package api serves the terminal's local status surface: connectivity tier,
// pending-operation badge counts and the entry point UI code uses to send
// operations through the router.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/g960059/posrelay/internal/config"
	"github.com/g960059/posrelay/internal/delivery"
	"github.com/g960059/posrelay/internal/logging"
	"github.com/g960059/posrelay/internal/model"
	"github.com/g960059/posrelay/internal/router"
	"github.com/g960059/posrelay/internal/transport"
	"github.com/g960059/posrelay/internal/upload"
)

const maxRequestBody = 1 << 20

// Tiers is satisfied by *mode.Monitor.
type Tiers interface {
	Current() model.ConnectivityTier
	Results() []model.ProbeResult
	ForceCheck(ctx context.Context) model.ConnectivityTier
}

// QueueView is satisfied by *queue.Queue.
type QueueView interface {
	Name() string
	Order() config.OrderMode
	Pending() int
	Rejected(ctx context.Context) ([]model.QueuedOperation, error)
}

// WorkerView is satisfied by *syncworker.Worker.
type WorkerView interface {
	Name() string
	Pending() int
}

type Executor interface {
	Execute(ctx context.Context, op router.Operation) (router.Result, error)
}

// Spooler is satisfied by *delivery.Spooler.
type Spooler interface {
	Submit(ctx context.Context, job model.DeliveryJob) (delivery.SpoolResult, error)
}

// Channel is satisfied by *router.SideChannel.
type Channel interface {
	Execute(ctx context.Context, req transport.Request) (router.Result, error)
	BreakerState() string
}

type Deps struct {
	Tiers   Tiers
	Queues  []QueueView
	Workers []WorkerView
	// Router and Payments are optional; their routes answer 503 when unset.
	Router   Executor
	Payments upload.Notifier
	// Channels maps side-channel names ("print", "payment") to their runner.
	Channels map[string]Channel
	// Agents and Spooler are set when the print hub runs in-process.
	Agents  func() []string
	Spooler Spooler
	// Config returns the active configuration for /v1/config.
	Config func() config.Config
	Logger *slog.Logger
	Now    func() time.Time
}

// Router wraps the gin engine.
type Router struct {
	engine *gin.Engine
	deps   Deps
	log    *slog.Logger
}

func NewRouter(deps Deps) *Router {
	if deps.Now == nil {
		deps.Now = func() time.Time { return time.Now().UTC() }
	}
	log := logging.OrDefault(deps.Logger).With("component", "api")

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(Recovery(log), RequestLogger(log))

	r := &Router{engine: engine, deps: deps, log: log}
	engine.GET("/healthz", r.health)

	v1 := engine.Group("/v1")
	v1.GET("/status", r.status)
	v1.GET("/queue/pending", r.pending)
	v1.GET("/queue/rejected", r.rejected)
	v1.GET("/config", r.showConfig)
	v1.POST("/health/check", r.forceCheck)
	v1.POST("/operations", r.execute)
	v1.POST("/payments/settled", r.settled)
	v1.POST("/channels/:name", r.channel)
	v1.POST("/print-jobs", r.printJob)
	return r
}

func (r *Router) Handler() http.Handler {
	return r.engine
}

func (r *Router) health(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{SchemaVersion: SchemaVersion, GeneratedAt: r.deps.Now(), Status: "ok"})
}

func (r *Router) status(c *gin.Context) {
	c.JSON(http.StatusOK, r.snapshot(r.deps.Tiers.Current()))
}

// showConfig serves the configuration the process is running with. A reload
// only changes its log level.
func (r *Router) showConfig(c *gin.Context) {
	if r.deps.Config == nil {
		r.fail(c, http.StatusNotFound, model.ErrCodeInvalidPayload, "config not exposed")
		return
	}
	out, err := r.deps.Config().YAML()
	if err != nil {
		r.fail(c, http.StatusInternalServerError, "E_CONFIG", err.Error())
		return
	}
	c.Data(http.StatusOK, "application/yaml", out)
}

func (r *Router) forceCheck(c *gin.Context) {
	tier := r.deps.Tiers.ForceCheck(c.Request.Context())
	c.JSON(http.StatusOK, r.snapshot(tier))
}

func (r *Router) snapshot(tier model.ConnectivityTier) StatusEnvelope {
	out := StatusEnvelope{
		SchemaVersion: SchemaVersion,
		GeneratedAt:   r.deps.Now(),
		Tier:          tier.String(),
		Probes:        []ProbeItem{},
		Queues:        []QueueItem{},
		Workers:       []WorkerItem{},
	}
	for _, p := range r.deps.Tiers.Results() {
		out.Probes = append(out.Probes, ProbeItem{
			EndpointID: string(p.EndpointID),
			Reachable:  p.Reachable,
			LatencyMs:  p.LatencyMs,
			Error:      p.Error,
			ObservedAt: p.ObservedAt.UTC().Format(time.RFC3339Nano),
		})
	}
	for _, q := range r.deps.Queues {
		out.Queues = append(out.Queues, QueueItem{Name: q.Name(), Order: string(q.Order()), Pending: q.Pending()})
	}
	for _, w := range r.deps.Workers {
		out.Workers = append(out.Workers, WorkerItem{Name: w.Name(), Pending: w.Pending()})
	}
	names := make([]string, 0, len(r.deps.Channels))
	for name := range r.deps.Channels {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		out.Channels = append(out.Channels, ChannelItem{Name: name, Breaker: r.deps.Channels[name].BreakerState()})
	}
	if r.deps.Agents != nil {
		out.Agents = r.deps.Agents()
	}
	return out
}

func (r *Router) pending(c *gin.Context) {
	out := PendingEnvelope{SchemaVersion: SchemaVersion, GeneratedAt: r.deps.Now(), ByQueue: map[string]int{}}
	for _, q := range r.deps.Queues {
		n := q.Pending()
		out.ByQueue[q.Name()] = n
		out.Pending += n
	}
	c.JSON(http.StatusOK, out)
}

func (r *Router) rejected(c *gin.Context) {
	name := strings.TrimSpace(c.Query("queue"))
	var q QueueView
	for _, candidate := range r.deps.Queues {
		if candidate.Name() == name {
			q = candidate
			break
		}
	}
	if q == nil {
		r.fail(c, http.StatusNotFound, model.ErrCodeInvalidPayload, "unknown queue "+name)
		return
	}
	ops, err := q.Rejected(c.Request.Context())
	if err != nil {
		r.fail(c, http.StatusInternalServerError, "E_STORE", err.Error())
		return
	}
	out := RejectedEnvelope{SchemaVersion: SchemaVersion, GeneratedAt: r.deps.Now(), Queue: name, Operations: []OperationItem{}}
	for _, op := range ops {
		out.Operations = append(out.Operations, OperationItem{
			OperationID: op.ID,
			Endpoint:    op.Endpoint,
			Method:      op.Method,
			EnqueuedAt:  op.EnqueuedAt.UTC().Format(time.RFC3339Nano),
			Attempts:    op.Attempts,
			LastError:   op.LastError,
		})
	}
	sort.SliceStable(out.Operations, func(i, j int) bool { return out.Operations[i].EnqueuedAt < out.Operations[j].EnqueuedAt })
	c.JSON(http.StatusOK, out)
}

func (r *Router) execute(c *gin.Context) {
	if r.deps.Router == nil {
		r.fail(c, http.StatusServiceUnavailable, model.ErrCodeEndpointUnreachable, "router not configured")
		return
	}
	var req OperationRequest
	if !r.bind(c, &req) {
		return
	}
	class, ok := parseClass(req.Class)
	if !ok {
		r.fail(c, http.StatusBadRequest, model.ErrCodeInvalidPayload, "unknown class "+req.Class)
		return
	}
	res, err := r.deps.Router.Execute(c.Request.Context(), router.Operation{
		Method:  req.Method,
		Path:    req.Path,
		Body:    req.Body,
		Class:   class,
		NoQueue: req.NoQueue,
	})
	if err != nil {
		r.failErr(c, err, class == router.ClassPayment || req.NoQueue)
		return
	}
	r.respond(c, res)
}

func (r *Router) respond(c *gin.Context, res router.Result) {
	out := OperationResponse{
		SchemaVersion: SchemaVersion,
		GeneratedAt:   r.deps.Now(),
		Endpoint:      string(res.Endpoint),
		StatusCode:    res.Response.StatusCode,
		Queued:        res.Queued,
		OperationID:   res.OperationID,
	}
	if json.Valid(res.Response.Body) {
		out.Body = res.Response.Body
	}
	status := http.StatusOK
	if res.Queued {
		status = http.StatusAccepted
	}
	c.JSON(status, out)
}

// channel runs a print or payment request through its side channel. These
// are never queued, so exhaustion is always E_NOT_QUEUEABLE.
func (r *Router) channel(c *gin.Context) {
	ch, ok := r.deps.Channels[c.Param("name")]
	if !ok {
		r.fail(c, http.StatusNotFound, model.ErrCodeInvalidPayload, "unknown channel "+c.Param("name"))
		return
	}
	var req OperationRequest
	if !r.bind(c, &req) {
		return
	}
	if strings.TrimSpace(req.Path) == "" {
		r.fail(c, http.StatusBadRequest, model.ErrCodeInvalidPayload, "path is required")
		return
	}
	res, err := ch.Execute(c.Request.Context(), transport.Request{Method: req.Method, Path: req.Path, Body: req.Body})
	if err != nil {
		r.failErr(c, err, true)
		return
	}
	r.respond(c, res)
}

func (r *Router) printJob(c *gin.Context) {
	if r.deps.Spooler == nil {
		r.fail(c, http.StatusServiceUnavailable, model.ErrCodeEndpointUnreachable, "print hub not running")
		return
	}
	var job model.DeliveryJob
	if !r.bind(c, &job) {
		return
	}
	res, err := r.deps.Spooler.Submit(c.Request.Context(), job)
	if err != nil {
		r.failErr(c, err, true)
		return
	}
	status := http.StatusOK
	if res.Queued {
		status = http.StatusAccepted
	}
	c.JSON(status, PrintJobResponse{
		SchemaVersion: SchemaVersion,
		GeneratedAt:   r.deps.Now(),
		JobID:         res.JobID,
		State:         string(res.State),
		AgentID:       res.AgentID,
		Queued:        res.Queued,
		OperationID:   res.OperationID,
	})
}

func (r *Router) settled(c *gin.Context) {
	if r.deps.Payments == nil {
		r.fail(c, http.StatusServiceUnavailable, model.ErrCodeEndpointUnreachable, "payment upload not configured")
		return
	}
	var p upload.Payment
	if !r.bind(c, &p) {
		return
	}
	outcome, err := upload.Submit(c.Request.Context(), r.deps.Payments, p)
	if err != nil {
		r.failErr(c, err, false)
		return
	}
	c.JSON(http.StatusAccepted, SubmitResponse{SchemaVersion: SchemaVersion, GeneratedAt: r.deps.Now(), TargetID: p.PaymentID, Outcome: string(outcome)})
}

func (r *Router) bind(c *gin.Context, dst any) bool {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxRequestBody))
	if err != nil {
		r.fail(c, http.StatusBadRequest, model.ErrCodeInvalidPayload, err.Error())
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		r.fail(c, http.StatusBadRequest, model.ErrCodeInvalidPayload, "invalid json: "+err.Error())
		return false
	}
	return true
}

// failErr maps the error taxonomy onto HTTP statuses.
func (r *Router) failErr(c *gin.Context, err error, notQueueable bool) {
	switch model.Classify(err) {
	case model.ClassAuth:
		r.fail(c, http.StatusUnauthorized, model.ErrCodeAuthFailed, err.Error())
	case model.ClassValidation:
		r.fail(c, http.StatusUnprocessableEntity, model.ErrCodeInvalidPayload, err.Error())
	default:
		code := model.ErrCodeEndpointUnreachable
		if notQueueable && errors.Is(err, model.ErrExhausted) {
			code = model.ErrCodeNotQueueable
		}
		r.fail(c, http.StatusServiceUnavailable, code, err.Error())
	}
}

func (r *Router) fail(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, ErrorResponse{
		SchemaVersion: SchemaVersion,
		GeneratedAt:   r.deps.Now(),
		Error:         APIError{Code: code, Message: message},
	})
}

func parseClass(s string) (router.OperationClass, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "generic":
		return router.ClassGeneric, true
	case "payment":
		return router.ClassPayment, true
	case "local_agent":
		return router.ClassLocalAgent, true
	}
	return 0, false
}
