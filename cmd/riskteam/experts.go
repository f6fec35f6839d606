package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"riskteam/pkg/experts"
	"riskteam/pkg/llm/factory"
)

//nolint:gochecknoglobals // cobra flags
var (
	expertsSave     bool
	expertsKeywords bool
)

var expertsCmd = &cobra.Command{
	Use:   "experts",
	Short: "Inspect or generate expert definitions",
}

var expertsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the experts consulted by default",
	Args:  cobra.NoArgs,
	RunE:  runExpertsList,
}

var expertsGenerateCmd = &cobra.Command{
	Use:   "generate REQUEST",
	Short: "Generate a reviewed expert team for a request",
	Long: `Ask an organizer model to propose experts for the request and a critic
model to review each one. Rejected experts are revised once. With --save the
approved experts are appended to the project's experts file.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runExpertsGenerate,
}

func init() {
	expertsGenerateCmd.Flags().BoolVar(&expertsSave, "save", false, "Append the generated experts to the experts file")
	expertsGenerateCmd.Flags().BoolVar(&expertsKeywords, "keywords", false, "Also generate SWIFT guide words")

	expertsCmd.AddCommand(expertsListCmd)
	expertsCmd.AddCommand(expertsGenerateCmd)
}

func runExpertsList(cmd *cobra.Command, _ []string) error {
	a, err := newApp(projectDir)
	if err != nil {
		return err
	}
	defer a.Close()

	defs, err := experts.LoadOrDefault(a.expertsPath())
	if err != nil {
		return err
	}
	name := color.New(color.FgCyan, color.Bold).SprintFunc()
	out := cmd.OutOrStdout()
	for _, d := range defs {
		fmt.Fprintln(out, name(d.Name))
		if len(d.Keywords) > 0 {
			fmt.Fprintf(out, "  keywords: %s\n", strings.Join(d.Keywords, ", "))
		}
		fmt.Fprintf(out, "  %s\n", firstLine(d.SystemPrompt))
	}
	return nil
}

func runExpertsGenerate(cmd *cobra.Command, args []string) error {
	request := strings.Join(args, " ")

	a, err := newApp(projectDir)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := a.clients.CreateClient(factory.RoleGenerator)
	if err != nil {
		return err
	}
	gen := experts.NewGenerator(client, experts.WithTemperature(a.cfg.Team.CoordinatorTemperature))

	defs, err := gen.GenerateExperts(ctx, request)
	if err != nil {
		return err
	}
	out := map[string]any{"experts": defs}
	if expertsKeywords {
		words, err := gen.GenerateGuideWords(ctx, request)
		if err != nil {
			return err
		}
		out["guide_words"] = words
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "    ")
	if err := enc.Encode(out); err != nil {
		return err
	}

	if !expertsSave {
		return nil
	}
	added := 0
	for _, d := range defs {
		ok, err := experts.Append(a.expertsPath(), d)
		if err != nil {
			return err
		}
		if ok {
			added++
		}
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "Added %d experts to %s\n", added, a.expertsPath())
	return nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	const maxLen = 100
	if r := []rune(s); len(r) > maxLen {
		s = string(r[:maxLen]) + "..."
	}
	return s
}
