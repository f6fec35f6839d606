package main

import (
	"errors"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"riskteam/pkg/config"
	"riskteam/pkg/metrics"
)

//nolint:gochecknoglobals // cobra flags
var (
	usagePrometheusURL string
	usageBy            string
)

var usageCmd = &cobra.Command{
	Use:   "usage RUN_ID",
	Short: "Show token usage and cost of a run from Prometheus",
	Long: `Query the configured Prometheus server for the tokens and cost recorded
for a run. Requires metrics.enabled and a Prometheus server scraping /metrics
of riskteam serve.`,
	Args: cobra.ExactArgs(1),
	RunE: runUsage,
}

func init() {
	usageCmd.Flags().StringVar(&usagePrometheusURL, "prometheus-url", "", "Prometheus server (default from config)")
	usageCmd.Flags().StringVar(&usageBy, "by", "component", "Break usage down by label (component or model)")
}

func runUsage(cmd *cobra.Command, args []string) error {
	if err := config.LoadConfig(projectDir); err != nil {
		return err
	}
	cfg, err := config.GetConfig()
	if err != nil {
		return err
	}
	url := usagePrometheusURL
	if url == "" {
		url = cfg.Metrics.PrometheusURL
	}
	if url == "" {
		return errors.New("no Prometheus server configured (metrics.prometheus_url or --prometheus-url)")
	}

	q, err := metrics.NewQueryService(url, cfg.Metrics.Namespace)
	if err != nil {
		return err
	}
	runID := args[0]
	total, err := q.GetRunMetrics(cmd.Context(), runID)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Run %s: %d prompt + %d completion = %d tokens, $%.4f\n",
		runID, total.PromptTokens, total.CompletionTokens, total.TotalTokens, total.TotalCost)

	if usageBy == "" {
		return nil
	}
	breakdown, err := q.GetRunMetricsBy(cmd.Context(), runID, usageBy)
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(breakdown))
	for k := range breakdown {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		m := breakdown[k]
		fmt.Fprintf(out, "  %-12s %8d tokens  $%.4f\n", k, m.TotalTokens, m.TotalCost)
	}
	return nil
}
