package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"github.com/g960059/posrelay/internal/logging"
	"github.com/g960059/posrelay/internal/model"
	"github.com/g960059/posrelay/internal/transport"
)

type SideChannelOptions struct {
	Name          string
	RemoteURL     string
	LocalURL      string
	RemoteTimeout time.Duration
	LocalTimeout  time.Duration
	// BreakerFailures consecutive remote failures open the breaker for
	// BreakerCooldown, during which requests go straight to the local agent.
	BreakerFailures uint32
	BreakerCooldown time.Duration
	Logger          *slog.Logger
}

// SideChannel runs print and payment operations: remote service first, then
// the local agent. It never queues; exhaustion is returned to the caller.
type SideChannel struct {
	sender  Sender
	opts    SideChannelOptions
	breaker *gobreaker.CircuitBreaker
	log     *slog.Logger
}

func NewSideChannel(sender Sender, opts SideChannelOptions) *SideChannel {
	if opts.BreakerFailures == 0 {
		opts.BreakerFailures = 3
	}
	if opts.BreakerCooldown <= 0 {
		opts.BreakerCooldown = 30 * time.Second
	}
	log := logging.OrDefault(opts.Logger).With("component", "sidechannel", "channel", opts.Name)
	failures := opts.BreakerFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        opts.Name + "-remote",
		MaxRequests: 1,
		Timeout:     opts.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		// Only transport trouble says anything about the remote's health.
		IsSuccessful: func(err error) bool {
			return err == nil || !model.IsTransient(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Info("remote breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return &SideChannel{sender: sender, opts: opts, breaker: cb, log: log}
}

func (s *SideChannel) Execute(ctx context.Context, req transport.Request) (Result, error) {
	var remoteErr error
	if s.opts.RemoteURL != "" {
		out, err := s.breaker.Execute(func() (interface{}, error) {
			return s.attempt(ctx, s.opts.RemoteURL, s.opts.RemoteTimeout, req)
		})
		if err == nil {
			return Result{Response: out.(transport.Response)}, nil
		}
		if !errors.Is(err, gobreaker.ErrOpenState) && !errors.Is(err, gobreaker.ErrTooManyRequests) && !model.IsTransient(err) {
			return Result{}, err
		}
		remoteErr = err
		s.log.Warn("remote attempt failed, falling back to local agent", "path", req.Path, "err", err)
	}

	if s.opts.LocalURL == "" {
		return Result{}, s.exhausted(remoteErr, ErrNoEndpoint)
	}
	resp, err := s.attempt(ctx, s.opts.LocalURL, s.opts.LocalTimeout, req)
	if err == nil {
		return Result{Response: resp, Endpoint: s.localEndpoint()}, nil
	}
	if !model.IsTransient(err) {
		return Result{}, err
	}
	return Result{}, s.exhausted(remoteErr, err)
}

// BreakerState reports the remote breaker state for status output.
func (s *SideChannel) BreakerState() string {
	return s.breaker.State().String()
}

func (s *SideChannel) attempt(ctx context.Context, base string, timeout time.Duration, req transport.Request) (transport.Response, error) {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return s.sender.Do(attemptCtx, base, req)
}

func (s *SideChannel) localEndpoint() model.EndpointID {
	if s.opts.Name == "payment" {
		return model.EndpointPaymentAgent
	}
	return model.EndpointPrintAgent
}

func (s *SideChannel) exhausted(remoteErr, localErr error) error {
	if remoteErr == nil {
		return fmt.Errorf("%w: %s: local: %v", model.ErrExhausted, s.opts.Name, localErr)
	}
	return fmt.Errorf("%w: %s: remote: %v; local: %v", model.ErrExhausted, s.opts.Name, remoteErr, localErr)
}
