package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/g960059/posrelay/internal/logging"
	"github.com/g960059/posrelay/internal/model"
	"github.com/g960059/posrelay/internal/syncworker"
)

// Notifier is satisfied by *syncworker.Worker.
type Notifier interface {
	Notify(ctx context.Context, target model.SyncTarget) (syncworker.NotifyOutcome, error)
}

// natsConn is the subset of *nats.Conn used by NATSSource, so tests can
// deliver messages without a server.
type natsConn interface {
	Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error)
	Drain() error
	Close()
}

// NATSSource feeds pushed deployment notifications into a Notifier.
type NATSSource struct {
	url     string
	subject string
	log     *slog.Logger
	connect func(url, name string) (natsConn, error)
}

func NewNATSSource(url, subject string, logger *slog.Logger) *NATSSource {
	return &NATSSource{
		url:     url,
		subject: subject,
		log:     logging.OrDefault(logger).With("component", "deploy_source", "subject", subject),
		connect: realConnect,
	}
}

// Run subscribes until ctx ends. Malformed notifications are logged and
// dropped; duplicates are left to the worker's completed set.
func (s *NATSSource) Run(ctx context.Context, sink Notifier) error {
	if s.url == "" || s.subject == "" {
		return errors.New("deploy source: nats url and subject are required")
	}
	nc, err := s.connect(s.url, "posrelayd-deploy")
	if err != nil {
		return fmt.Errorf("connect nats %s: %w", s.url, err)
	}
	defer nc.Close()

	if _, err := nc.Subscribe(s.subject, func(msg *nats.Msg) {
		s.handle(ctx, sink, msg.Data)
	}); err != nil {
		return fmt.Errorf("subscribe %s: %w", s.subject, err)
	}
	s.log.Info("listening for deployment notifications")

	<-ctx.Done()
	if err := nc.Drain(); err != nil {
		s.log.Warn("drain nats connection", "err", err)
	}
	return ctx.Err()
}

func (s *NATSSource) handle(ctx context.Context, sink Notifier, data []byte) {
	n, err := ParseNotification(data)
	if err != nil {
		s.log.Warn("dropping deployment notification", "err", err)
		return
	}
	target, err := n.Target()
	if err != nil {
		s.log.Warn("dropping deployment notification", "target_id", n.TargetID, "err", err)
		return
	}
	outcome, err := sink.Notify(ctx, target)
	if err != nil {
		s.log.Error("queue deployment", "target_id", n.TargetID, "err", err)
		return
	}
	s.log.Info("deployment notification", "target_id", n.TargetID, "package", n.Package, "version", n.Version, "outcome", string(outcome))
}

func realConnect(url, name string) (natsConn, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, err
	}
	return nc, nil
}
