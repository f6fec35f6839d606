package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"riskteam/pkg/assessment"
)

//nolint:gochecknoglobals // cobra flags
var (
	consultFile            string
	consultMaxMessages     int
	consultGenerateExperts bool
	consultVerbose         bool
	consultJSON            bool
)

var consultCmd = &cobra.Command{
	Use:   "consult [QUERY]",
	Short: "Run one risk assessment and print the report",
	Long: `Run one risk assessment. The query is taken from the arguments, from
--file, or from standard input.`,
	RunE: runConsult,
}

func init() {
	consultCmd.Flags().StringVarP(&consultFile, "file", "f", "", "Read the query from a file")
	consultCmd.Flags().IntVar(&consultMaxMessages, "max-messages", -1, "Coordinator decision ceiling (default from config)")
	consultCmd.Flags().BoolVar(&consultGenerateExperts, "generate-experts", false, "Generate an expert team for this query")
	consultCmd.Flags().BoolVarP(&consultVerbose, "verbose", "v", false, "Narrate the deliberation")
	consultCmd.Flags().BoolVar(&consultJSON, "json", false, "Print the full result as JSON")
}

func runConsult(cmd *cobra.Command, args []string) error {
	query, err := readQuery(args, consultFile, cmd.InOrStdin())
	if err != nil {
		return err
	}

	a, err := newApp(projectDir)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	req := assessment.Request{
		Query:           query,
		GenerateExperts: consultGenerateExperts,
		Verbose:         consultVerbose,
	}
	if consultMaxMessages >= 0 {
		req.MaxMessages = &consultMaxMessages
	}

	result, err := a.service().Consult(ctx, req)
	out := cmd.OutOrStdout()
	if consultJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(result); encErr != nil {
			return encErr
		}
		return err
	}

	printResult(out, result)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func printResult(w io.Writer, result *assessment.Result) {
	fmt.Fprintln(w, result.Report)
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Run: %s (%s, %d/%d messages)\n", result.RunID, result.Outcome,
		result.State.MessageCount, result.State.MaxMessages)
	if len(result.Experts) > 0 {
		fmt.Fprintf(w, "Experts: %s\n", strings.Join(result.Experts, ", "))
	}
	if result.ReportPath != "" {
		fmt.Fprintf(w, "Report saved to %s\n", result.ReportPath)
	}
	if u := result.Usage; u != nil {
		fmt.Fprintf(w, "Usage: %d requests, %d tokens, $%.4f\n", u.RequestCount, u.TotalTokens, u.TotalCost)
	}
}

// readQuery takes the query from args, a file, or stdin, in that order.
func readQuery(args []string, file string, stdin io.Reader) (string, error) {
	var query string
	switch {
	case len(args) > 0 && file != "":
		return "", errors.New("give the query as arguments or --file, not both")
	case len(args) > 0:
		query = strings.Join(args, " ")
	case file != "":
		data, err := os.ReadFile(file)
		if err != nil {
			return "", fmt.Errorf("read query file: %w", err)
		}
		query = string(data)
	default:
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("read query from stdin: %w", err)
		}
		query = string(data)
	}

	query = strings.TrimSpace(query)
	if query == "" {
		return "", errors.New("query is empty")
	}
	return query, nil
}
