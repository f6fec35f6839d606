package main

import (
	"os"

	"github.com/spf13/cobra"

	"riskteam/pkg/logx"
)

//nolint:gochecknoglobals // cobra command tree
var (
	projectDir string
	debug      bool
)

var rootCmd = &cobra.Command{
	Use:   "riskteam",
	Short: "Multi-expert SWIFT risk assessment",
	Long: `riskteam answers a risk question with a team of expert agents.

A coordinator routes the question between domain experts, each of which
deliberates internally between a creative and a reasoning lobe, until a
summary agent writes the final risk assessment report.`,
	SilenceUsage: true,
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		if debug {
			logx.SetDebugConfig(true, false, "")
		}
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&projectDir, "projectdir", ".", "Project directory holding .riskteam/")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")

	rootCmd.AddCommand(consultCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(expertsCmd)
	rootCmd.AddCommand(secretsCmd)
	rootCmd.AddCommand(usageCmd)
	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(versionCmd)
}
