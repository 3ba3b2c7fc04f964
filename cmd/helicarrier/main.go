package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"helicarrier/internal/analytics"
	"helicarrier/internal/api"
	"helicarrier/internal/store"
)

var (
	serverURL string
	secretKey string
	format    string
)

func main() {
	root := &cobra.Command{
		Use:   "helicarrier",
		Short: "Query and manage the swarm telemetry pipeline",
	}

	root.PersistentFlags().StringVar(&serverURL, "server", "", "API URL (default http://localhost:8600)")
	root.PersistentFlags().StringVar(&secretKey, "secret", "", "API secret (default $HELICARRIER_SECRET)")
	root.PersistentFlags().StringVar(&format, "format", "table", "output format: table or json")

	ledgerCmd := &cobra.Command{Use: "ledger", Short: "Query the session ledger"}
	ledgerCmd.AddCommand(ledgerListCmd(), ledgerInspectCmd())

	analyticsCmd := &cobra.Command{Use: "analytics", Short: "Usage and performance analytics"}
	analyticsCmd.AddCommand(analyticsUsageCmd(), analyticsPerformanceCmd())

	alertsCmd := &cobra.Command{Use: "alerts", Short: "Manage alert rules"}
	alertsCmd.AddCommand(alertsListCmd(), alertsAddCmd(), alertsEnableCmd(true), alertsEnableCmd(false), alertsActiveCmd())

	root.AddCommand(
		ledgerCmd,
		analyticsCmd,
		alertsCmd,
		ingestCmd(),
		statusCmd(),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func getServerURL() string {
	if serverURL != "" {
		return serverURL
	}
	if v := os.Getenv("HELICARRIER_SERVER"); v != "" {
		return v
	}
	// Try config file.
	home, _ := os.UserHomeDir()
	data, err := os.ReadFile(home + "/.helicarrier/config.yaml")
	if err == nil {
		var cfg struct {
			Server string `yaml:"server"`
		}
		if yaml.Unmarshal(data, &cfg) == nil && cfg.Server != "" {
			return cfg.Server
		}
	}
	return "http://localhost:8600"
}

func getSecret() string {
	if secretKey != "" {
		return secretKey
	}
	return os.Getenv("HELICARRIER_SECRET")
}

func apiDo(method, path string, body io.Reader) ([]byte, error) {
	req, err := http.NewRequest(method, getServerURL()+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("x-secret-key", getSecret())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(b))
	}
	return b, nil
}

func apiGet(path string) ([]byte, error) {
	return apiDo(http.MethodGet, path, nil)
}

func apiPost(path string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return apiDo(http.MethodPost, path, strings.NewReader(string(data)))
}

func apiPatch(path string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return apiDo(http.MethodPatch, path, strings.NewReader(string(data)))
}

func ledgerListCmd() *cobra.Command {
	var agent, status, model, sort, q, from, to string
	var page, pageSize int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			qs := url.Values{}
			set := func(k, v string) {
				if v != "" {
					qs.Set(k, v)
				}
			}
			set("agent", agent)
			set("status", status)
			set("model", model)
			set("sort", sort)
			set("q", q)
			set("from", from)
			set("to", to)
			qs.Set("page", fmt.Sprint(page))
			qs.Set("pageSize", fmt.Sprint(pageSize))

			data, err := apiGet("/api/v3/ledger?" + qs.Encode())
			if err != nil {
				return err
			}
			if format == "json" {
				fmt.Println(string(data))
				return nil
			}
			var resp struct {
				Rows  []store.LedgerEntry `json:"rows"`
				Total int                 `json:"total"`
			}
			if err := json.Unmarshal(data, &resp); err != nil {
				return fmt.Errorf("parse ledger: %w", err)
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "SESSION\tAGENT\tMODEL\tSTATUS\tRUNTIME\tSTARTED")
			for _, row := range resp.Rows {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					row.SessionID, row.AgentID, row.ModelID, row.Status,
					(time.Duration(row.RuntimeMs) * time.Millisecond).String(), row.StartedAt)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Printf("%d of %d sessions\n", len(resp.Rows), resp.Total)
			return nil
		},
	}

	cmd.Flags().StringVar(&agent, "agent", "", "filter by agent")
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().StringVar(&model, "model", "", "filter by model")
	cmd.Flags().StringVar(&sort, "sort", "newest", "sort: newest, runtime or cost")
	cmd.Flags().StringVar(&q, "q", "", "free-text search over task fields")
	cmd.Flags().StringVar(&from, "from", "", "start of time range (RFC3339)")
	cmd.Flags().StringVar(&to, "to", "", "end of time range (RFC3339)")
	cmd.Flags().IntVar(&page, "page", 1, "page number")
	cmd.Flags().IntVar(&pageSize, "page-size", 20, "rows per page")
	return cmd
}

func ledgerInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <sessionId>",
		Short: "Show everything stored for a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := apiGet("/api/v3/ledger/" + args[0])
			if err != nil {
				return err
			}
			if format == "json" {
				fmt.Println(string(data))
				return nil
			}
			var detail store.SessionDetail
			if err := json.Unmarshal(data, &detail); err != nil {
				return fmt.Errorf("parse detail: %w", err)
			}
			l := detail.Ledger
			fmt.Printf("%-16s %s\n", "session:", l.SessionID)
			fmt.Printf("%-16s %s (%s)\n", "agent:", l.AgentID, l.AgentLabel)
			fmt.Printf("%-16s %s\n", "model:", l.ModelID)
			fmt.Printf("%-16s %s\n", "status:", l.Status)
			fmt.Printf("%-16s %s\n", "started:", l.StartedAt)
			if l.EndedAt != "" {
				fmt.Printf("%-16s %s\n", "ended:", l.EndedAt)
			}
			fmt.Printf("%-16s %s\n", "runtime:", (time.Duration(l.RuntimeMs) * time.Millisecond).String())
			if u := detail.Usage; u != nil {
				if u.TotalTokens != nil {
					fmt.Printf("%-16s %d\n", "tokens:", *u.TotalTokens)
				}
				if u.CostUsd != nil {
					fmt.Printf("%-16s $%.6f (%s)\n", "cost:", *u.CostUsd, u.CostConfidence)
				}
			}
			fmt.Printf("%-16s %d\n", "events:", len(detail.Events))
			return nil
		},
	}
}

func ingestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ingest <file>",
		Short: "Submit an ingest envelope from a file (- for stdin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var body []byte
			var err error
			if args[0] == "-" {
				body, err = io.ReadAll(os.Stdin)
			} else {
				body, err = os.ReadFile(args[0])
			}
			if err != nil {
				return err
			}
			resp, err := apiDo(http.MethodPost, "/api/v3/ingest/session", strings.NewReader(string(body)))
			if err != nil {
				return err
			}
			fmt.Println(string(resp))
			return nil
		},
	}
}

func analyticsUsageCmd() *cobra.Command {
	var from, to, agent, model, task string

	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Usage totals and daily series",
		RunE: func(cmd *cobra.Command, args []string) error {
			qs := url.Values{}
			for k, v := range map[string]string{"from": from, "to": to, "agent": agent, "model": model, "task": task} {
				if v != "" {
					qs.Set(k, v)
				}
			}
			data, err := apiGet("/api/v3/analytics/usage?" + qs.Encode())
			if err != nil {
				return err
			}
			if format == "json" {
				fmt.Println(string(data))
				return nil
			}
			var payload analytics.UsagePayload
			if err := json.Unmarshal(data, &payload); err != nil {
				return fmt.Errorf("parse analytics: %w", err)
			}
			fmt.Printf("runs %d, tokens %d, runtime %s, cost $%.6f\n",
				payload.Totals.Runs, payload.Totals.Tokens,
				(time.Duration(payload.Totals.RuntimeMs) * time.Millisecond).String(),
				payload.Totals.CostUsd)
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "DATE\tRUNS\tTOKENS\tRUNTIME\tCOST")
			for _, b := range payload.Series {
				fmt.Fprintf(w, "%s\t%d\t%d\t%s\t$%.6f\n",
					b.Date, b.Runs, b.Tokens,
					(time.Duration(b.RuntimeMs) * time.Millisecond).String(), b.CostUsd)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&from, "from", "", "start of time range (RFC3339)")
	cmd.Flags().StringVar(&to, "to", "", "end of time range (RFC3339)")
	cmd.Flags().StringVar(&agent, "agent", "", "filter by agent")
	cmd.Flags().StringVar(&model, "model", "", "filter by model")
	cmd.Flags().StringVar(&task, "task", "", "filter by task category")
	return cmd
}

func analyticsPerformanceCmd() *cobra.Command {
	var from, to, agent, task string
	var minSample int

	cmd := &cobra.Command{
		Use:   "performance",
		Short: "Per-model performance matrix",
		RunE: func(cmd *cobra.Command, args []string) error {
			qs := url.Values{}
			for k, v := range map[string]string{"from": from, "to": to, "agent": agent, "task": task} {
				if v != "" {
					qs.Set(k, v)
				}
			}
			qs.Set("minSample", fmt.Sprint(minSample))
			data, err := apiGet("/api/v3/analytics/performance?" + qs.Encode())
			if err != nil {
				return err
			}
			if format == "json" {
				fmt.Println(string(data))
				return nil
			}
			var resp struct {
				Rows []analytics.MatrixRow `json:"rows"`
			}
			if err := json.Unmarshal(data, &resp); err != nil {
				return fmt.Errorf("parse matrix: %w", err)
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "MODEL\tRUNS\tSUCCESS\tFAILED\tRATE\tMED RUNTIME\tMED COST\tNOISY")
			for _, row := range resp.Rows {
				noisy := ""
				if row.SampleWarning {
					noisy = "yes"
				}
				fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%.0f%%\t%s\t$%.6f\t%s\n",
					row.ModelID, row.RunsTotal, row.SuccessCount, row.FailureCount,
					row.SuccessRate*100,
					(time.Duration(row.MedianRuntimeMs) * time.Millisecond).String(),
					row.MedianCostUsd, noisy)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&from, "from", "", "start of time range (RFC3339)")
	cmd.Flags().StringVar(&to, "to", "", "end of time range (RFC3339)")
	cmd.Flags().StringVar(&agent, "agent", "", "filter by agent")
	cmd.Flags().StringVar(&task, "task", "", "filter by task category")
	cmd.Flags().IntVar(&minSample, "min-sample", 5, "sample size below which rows are flagged noisy")
	return cmd
}

func alertsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List alert rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := apiGet("/api/v3/alerts/rules")
			if err != nil {
				return err
			}
			if format == "json" {
				fmt.Println(string(data))
				return nil
			}
			var resp struct {
				Rows []store.AlertRule `json:"rows"`
			}
			if err := json.Unmarshal(data, &resp); err != nil {
				return fmt.Errorf("parse rules: %w", err)
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "RULE\tMETRIC\tSCOPE\tWARN\tCRITICAL\tWINDOW\tENABLED")
			for _, r := range resp.Rows {
				fmt.Fprintf(w, "%s\t%s\t%s\t%g\t%g\t%s\t%t\n",
					r.RuleID, r.Metric, r.ScopeType, r.WarnThreshold, r.CriticalThreshold, r.Window, r.Enabled)
			}
			return w.Flush()
		},
	}
}

func alertsAddCmd() *cobra.Command {
	var metric, scopeType, window, comparison, agent, model string
	var warn, critical float64
	var cooldown int

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create an alert rule",
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := map[string]any{
				"metric":            metric,
				"scopeType":         scopeType,
				"warnThreshold":     warn,
				"criticalThreshold": critical,
				"window":            window,
				"comparison":        comparison,
				"dedupCooldownSec":  cooldown,
			}
			if agent != "" || model != "" {
				payload["scopeRef"] = map[string]string{"agentId": agent, "modelId": model}
			}
			resp, err := apiPost("/api/v3/alerts/rules", payload)
			if err != nil {
				return err
			}
			fmt.Println(string(resp))
			return nil
		},
	}

	cmd.Flags().StringVar(&metric, "metric", "", "daily_cost_usd, runtime_p95_ms or failure_rate")
	cmd.Flags().StringVar(&scopeType, "scope", "global", "global, agent, model or agent_model")
	cmd.Flags().StringVar(&agent, "agent", "", "scope agent ID")
	cmd.Flags().StringVar(&model, "model", "", "scope model ID")
	cmd.Flags().Float64Var(&warn, "warn", 0, "warning threshold")
	cmd.Flags().Float64Var(&critical, "critical", 0, "critical threshold")
	cmd.Flags().StringVar(&window, "window", "24h", "5m, 1h, 24h or 7d")
	cmd.Flags().StringVar(&comparison, "comparison", "gt", "gt or gte")
	cmd.Flags().IntVar(&cooldown, "cooldown", 300, "dedup cooldown in seconds")
	return cmd
}

func alertsEnableCmd(enable bool) *cobra.Command {
	use, short := "enable <ruleId>", "Enable an alert rule"
	if !enable {
		use, short = "disable <ruleId>", "Disable an alert rule"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := apiPatch("/api/v3/alerts/rules/"+args[0], map[string]bool{"enabled": enable})
			if err != nil {
				return err
			}
			fmt.Println(string(resp))
			return nil
		},
	}
}

func alertsActiveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "active",
		Short: "Evaluate all rules and show firing alerts",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := apiGet("/api/v3/alerts/active")
			if err != nil {
				return err
			}
			if format == "json" {
				fmt.Println(string(data))
				return nil
			}
			var resp struct {
				Rows []api.ActiveAlertRow `json:"rows"`
			}
			if err := json.Unmarshal(data, &resp); err != nil {
				return fmt.Errorf("parse alerts: %w", err)
			}
			if len(resp.Rows) == 0 {
				fmt.Println("no firing alerts")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "RULE\tMETRIC\tSTATUS\tVALUE\tWARN\tCRITICAL\tDEDUPED")
			for _, row := range resp.Rows {
				fmt.Fprintf(w, "%s\t%s\t%s\t%g\t%g\t%g\t%t\n",
					row.RuleID, row.Metric, row.Status, row.Value,
					row.WarnThreshold, row.CriticalThreshold, row.Deduped)
			}
			return w.Flush()
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon health",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := apiGet("/healthz")
			if err != nil {
				return err
			}
			if format == "json" {
				fmt.Println(string(data))
				return nil
			}
			var info map[string]any
			if err := json.Unmarshal(data, &info); err != nil {
				return fmt.Errorf("parse health info: %w", err)
			}
			for k, v := range info {
				fmt.Printf("%-18s %v\n", k+":", v)
			}
			return nil
		},
	}
}
