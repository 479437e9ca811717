package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/g960059/posrelay/internal/api"
	"github.com/g960059/posrelay/internal/transport"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the connectivity tier and pending operations of a running relay",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		resp, err := transport.New(cfg.DeviceID, cfg.DeviceToken).Do(ctx, "http://"+cfg.StatusAddr, transport.Request{
			Method: http.MethodGet,
			Path:   "/v1/status",
		})
		if err != nil {
			return fmt.Errorf("query %s: %w", cfg.StatusAddr, err)
		}
		if statusJSON {
			_, err := cmd.OutOrStdout().Write(append(resp.Body, '\n'))
			return err
		}
		var st api.StatusEnvelope
		if err := json.Unmarshal(resp.Body, &st); err != nil {
			return fmt.Errorf("decode status: %w", err)
		}
		return printStatus(cmd.OutOrStdout(), st)
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print the raw status document")
}

func printStatus(w io.Writer, st api.StatusEnvelope) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	pending := 0
	for _, q := range st.Queues {
		pending += q.Pending
	}
	fmt.Fprintf(tw, "tier\t%s\n", st.Tier)
	fmt.Fprintf(tw, "pending\t%d\n", pending)
	for _, p := range st.Probes {
		state := "up"
		if !p.Reachable {
			state = "down"
			if p.Error != "" {
				state += " (" + p.Error + ")"
			}
		}
		fmt.Fprintf(tw, "probe %s\t%s\n", p.EndpointID, state)
	}
	for _, q := range st.Queues {
		fmt.Fprintf(tw, "queue %s\t%d %s\n", q.Name, q.Pending, q.Order)
	}
	for _, wk := range st.Workers {
		fmt.Fprintf(tw, "worker %s\t%d\n", wk.Name, wk.Pending)
	}
	for _, ch := range st.Channels {
		fmt.Fprintf(tw, "channel %s\tbreaker %s\n", ch.Name, ch.Breaker)
	}
	for _, a := range st.Agents {
		fmt.Fprintf(tw, "agent\t%s\n", a)
	}
	return tw.Flush()
}
