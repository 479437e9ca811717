package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/g960059/posrelay/internal/delivery"
)

var hubTokens map[string]string

var hubCmd = &cobra.Command{
	Use:   "hub",
	Short: "Serve the print-job hub on its own",
	Long: `Hub accepts print agent connections on hub_addr without the rest of the
relay. It is meant for benches and agent testing; "run --hub-token" hosts the
same hub next to the queue.`,
	RunE: func(_ *cobra.Command, _ []string) error {
		if len(hubTokens) == 0 {
			return errors.New("at least one --token is required")
		}
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		hub := delivery.NewHub(delivery.StaticTokens(hubTokens), delivery.HubOptions{
			Heartbeat:  cfg.HeartbeatInterval,
			AckTimeout: cfg.AckTimeout,
			Logger:     logger,
		})
		handler := hubHandler(hub, logger)
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			<-gctx.Done()
			hub.Close()
			return nil
		})
		g.Go(func() error { return serveHTTP(gctx, logger, "hub", cfg.HubAddr, handler) })
		return g.Wait()
	},
}

func init() {
	hubCmd.Flags().StringToStringVar(&hubTokens, "token", nil, "agent credential as token=agent-id (repeatable)")
}
