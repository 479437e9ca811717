package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/g960059/posrelay/internal/backoff"
	"github.com/g960059/posrelay/internal/config"
	"github.com/g960059/posrelay/internal/delivery"
	"github.com/g960059/posrelay/internal/model"
	"github.com/g960059/posrelay/internal/transport"
)

var agentToken string

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Connect the local print service to the print-job hub",
	Long: `Agent keeps a connection to delivery_url open, acknowledges every job it
receives and forwards it to the local print service at print_agent_url.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		if cmd.Flags().Changed("token") {
			cfg.DeviceToken = agentToken
		}
		return runAgent(ctx, cfg, logger)
	},
}

func init() {
	agentCmd.Flags().StringVar(&agentToken, "token", "", "hub credential (defaults to device_token)")
}

func runAgent(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	if cfg.DeliveryURL == "" {
		return errors.New("delivery_url is required to run the print agent")
	}
	sender := transport.New(cfg.DeviceID, cfg.DeviceToken).WithTimeout(cfg.LocalAgentTimeout)
	a, err := delivery.NewAgent(localPrinter(sender, cfg.PrintAgentURL), delivery.AgentOptions{
		URL:       cfg.DeliveryURL,
		Token:     cfg.DeviceToken,
		DeviceID:  cfg.DeviceID,
		Heartbeat: cfg.HeartbeatInterval,
		Reconnect: backoff.Policy{
			Initial:    cfg.ReconnectBase,
			Multiplier: cfg.ReconnectMultiplier,
			Max:        cfg.ReconnectMax,
		},
		Logger: log,
	})
	if err != nil {
		return err
	}
	return ignoreCanceled(a.Run(ctx))
}

type doer interface {
	Do(ctx context.Context, baseURL string, r transport.Request) (transport.Response, error)
}

// localPrinter posts each job's payload to the print service, one
// destination per path.
func localPrinter(sender doer, baseURL string) delivery.Printer {
	return delivery.PrinterFunc(func(ctx context.Context, job model.DeliveryJob) error {
		body, err := json.Marshal(job)
		if err != nil {
			return err
		}
		_, err = sender.Do(ctx, baseURL, transport.Request{
			Method: http.MethodPost,
			Path:   "/print/" + url.PathEscape(job.Destination),
			Body:   body,
		})
		if err != nil {
			return fmt.Errorf("print %s: %w", job.Destination, err)
		}
		return nil
	})
}
