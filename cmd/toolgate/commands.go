// ABOUTME: Client commands that query or drive a running gateway
// ABOUTME: health, tools, call, restart and events

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/encoding/protojson"

	"github.com/2389/toolgate/internal/gateway"
	"github.com/2389/toolgate/internal/mcp"
	"github.com/2389/toolgate/internal/router"
	"github.com/2389/toolgate/internal/store"
)

func clientFor() (*apiClient, error) {
	cfg, _, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return newAPIClient(gatewayAddr(cfg)), nil
}

func stateColor(state string) *color.Color {
	switch state {
	case "Running", gateway.StatusOK:
		return color.New(color.FgGreen)
	case "Degraded", "Starting", "Restarting", gateway.StatusDegraded:
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgRed)
	}
}

func newHealthCmd() *cobra.Command {
	var (
		useGRPC bool
		asJSON  bool
		service string
	)
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check gateway health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if useGRPC {
				return runGRPCHealth(cmd.Context(), cmd.OutOrStdout(), service, asJSON)
			}
			return runHealth(cmd.Context(), cmd.OutOrStdout(), asJSON)
		},
	}
	cmd.Flags().BoolVar(&useGRPC, "grpc", false, "Query the gRPC health service instead of HTTP")
	cmd.Flags().StringVar(&service, "service", "", "gRPC health service name (empty for the whole gateway)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the raw response")
	return cmd
}

func runHealth(ctx context.Context, out io.Writer, asJSON bool) error {
	c, err := clientFor()
	if err != nil {
		return err
	}

	var h gateway.HealthResponse
	if _, err := c.do(ctx, http.MethodGet, "/health", nil, &h, http.StatusServiceUnavailable); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(h); err != nil {
			return err
		}
	} else {
		stateColor(h.Status).Fprintln(out, h.Status)
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		for _, p := range h.Providers {
			fmt.Fprintf(tw, "  %s\t%s\trestarts=%d\n", p.ID, stateColor(p.State).Sprint(p.State), p.RestartCount)
		}
		tw.Flush()
		fmt.Fprintf(out, "  %d tools\n", len(h.Tools))
	}

	if h.Status == gateway.StatusDown {
		return errors.New("gateway is down")
	}
	return nil
}

func runGRPCHealth(ctx context.Context, out io.Writer, service string, asJSON bool) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Server.GRPCAddr == "" {
		return errors.New("server.grpc_addr is not configured")
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	resp, err := gateway.CheckHealth(ctx, cfg.Server.GRPCAddr, service)
	if err != nil {
		return err
	}

	if asJSON {
		b, err := protojson.Marshal(resp)
		if err != nil {
			return fmt.Errorf("encoding response: %w", err)
		}
		fmt.Fprintln(out, string(b))
	} else {
		fmt.Fprintln(out, resp.GetStatus().String())
	}

	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return errors.New("not serving")
	}
	return nil
}

func newToolsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "List registered tools",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := clientFor()
			if err != nil {
				return err
			}
			var res mcp.MCPListToolsResult
			if err := c.rpc(cmd.Context(), "tools/list", nil, &res); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(res.Tools) == 0 {
				fmt.Fprintln(out, "No tools registered.")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			for _, t := range res.Tools {
				fmt.Fprintf(tw, "%s\t%s\n", color.CyanString(t.Name), t.Description)
			}
			return tw.Flush()
		},
	}
}

func newCallCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "call <tool> [json-arguments]",
		Short: "Call a tool through the gateway",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			params := mcp.MCPCallToolParams{Name: args[0]}
			if len(args) == 2 {
				if !json.Valid([]byte(args[1])) {
					return fmt.Errorf("arguments are not valid JSON: %s", args[1])
				}
				params.Arguments = json.RawMessage(args[1])
			}
			if timeout > 0 {
				params.TimeoutMS = timeout.Milliseconds()
			}

			c, err := clientFor()
			if err != nil {
				return err
			}
			var res router.Result
			if err := c.rpc(cmd.Context(), "tools/call", params, &res); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, item := range res.Content {
				if item.Type == "text" {
					fmt.Fprintln(out, item.Text)
					continue
				}
				b, _ := json.Marshal(item)
				fmt.Fprintln(out, string(b))
			}
			if res.IsError {
				return fmt.Errorf("tool %s reported an error", args[0])
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Per-call timeout (default: router.call_timeout)")
	return cmd
}

func newRestartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restart <provider>",
		Short: "Restart a provider, reviving it if it is stopped",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := clientFor()
			if err != nil {
				return err
			}
			var res struct {
				ID    string `json:"id"`
				State string `json:"state"`
			}
			path := "/api/providers/" + url.PathEscape(args[0]) + "/restart"
			if _, err := c.do(cmd.Context(), http.MethodPost, path, nil, &res); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "restart requested for %s (now %s)\n", res.ID, res.State)
			return nil
		},
	}
}

func newEventsCmd() *cobra.Command {
	var (
		provider string
		tool     string
		limit    int
		calls    bool
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show the provider event ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := clientFor()
			if err != nil {
				return err
			}
			if calls {
				return printCalls(cmd, c, tool, limit)
			}
			return printEvents(cmd, c, provider, limit)
		},
	}
	cmd.Flags().StringVar(&provider, "provider", "", "Only events for this provider")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of rows (default 50)")
	cmd.Flags().BoolVar(&calls, "calls", false, "Show finished tool calls instead of provider events")
	cmd.Flags().StringVar(&tool, "tool", "", "With --calls, only calls to this tool")
	return cmd
}

func listQuery(key, value string, limit int) string {
	q := url.Values{}
	if value != "" {
		q.Set(key, value)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if len(q) == 0 {
		return ""
	}
	return "?" + q.Encode()
}

func printEvents(cmd *cobra.Command, c *apiClient, provider string, limit int) error {
	var res struct {
		Events []store.ProviderEvent `json:"events"`
	}
	if _, err := c.do(cmd.Context(), http.MethodGet, "/api/events"+listQuery("provider", provider, limit), nil, &res); err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(res.Events) == 0 {
		fmt.Fprintln(out, "No events.")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	for _, ev := range res.Events {
		to := stateColor(ev.To).Sprint(ev.To)
		if ev.Fatal {
			to = color.New(color.FgRed, color.Bold).Sprint(ev.To + " (fatal)")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s -> %s\trestarts=%d\t%s\n",
			ev.At.Local().Format(time.DateTime), ev.ProviderID, ev.From, to, ev.RestartCount, ev.Reason)
	}
	return tw.Flush()
}

func printCalls(cmd *cobra.Command, c *apiClient, tool string, limit int) error {
	var res struct {
		Calls []store.ToolCall `json:"calls"`
	}
	if _, err := c.do(cmd.Context(), http.MethodGet, "/api/calls"+listQuery("tool", tool, limit), nil, &res); err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(res.Calls) == 0 {
		fmt.Fprintln(out, "No calls.")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	for _, call := range res.Calls {
		outcome := color.GreenString(call.Outcome)
		if call.Outcome != router.OutcomeOK {
			outcome = color.RedString(call.Outcome)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			call.StartedAt.Local().Format(time.DateTime), call.Tool, call.ProviderID, outcome, call.Duration)
	}
	return tw.Flush()
}
