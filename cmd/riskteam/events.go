package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"riskteam/pkg/config"
	"riskteam/pkg/eventlog"
	"riskteam/pkg/team"
)

var eventsCmd = &cobra.Command{
	Use:   "events RUN_ID",
	Short: "Replay the recorded deliberation of a run",
	Args:  cobra.ExactArgs(1),
	RunE:  runEvents,
}

func runEvents(cmd *cobra.Command, args []string) error {
	if err := config.LoadConfig(projectDir); err != nil {
		return err
	}
	cfg, err := config.GetConfig()
	if err != nil {
		return err
	}

	events, err := eventlog.ReadRunEvents(config.ProjectPath(projectDir, cfg.Output.EventLogDir), args[0])
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return fmt.Errorf("no events recorded for run %s", args[0])
	}

	narrator := team.NewNarrator(cmd.OutOrStdout())
	for _, ev := range events {
		narrator.Emit(ev)
	}
	return nil
}
