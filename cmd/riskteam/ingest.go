package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"riskteam/pkg/config"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest [PATH...]",
	Short: "Load documents into the document store",
	Long: `Chunk and index text documents so expert lobes can retrieve them.
Directories are walked recursively. Without arguments the configured
documents directory is ingested. Unchanged documents are skipped.`,
	RunE: runIngest,
}

func runIngest(cmd *cobra.Command, args []string) error {
	a, err := newApp(projectDir)
	if err != nil {
		return err
	}
	defer a.Close()

	paths := args
	if len(paths) == 0 {
		paths = []string{config.ProjectPath(a.projectDir, a.cfg.DocStore.DocumentsDir)}
	}

	stats, err := a.docs.Ingest(cmd.Context(), paths...)
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Ingested %d documents (%d unchanged, %d failed)\n", stats.Added, stats.Skipped, stats.Failed)
	if err != nil {
		return err
	}

	docs, chunks, err := a.docs.Count(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Document store: %d documents, %d chunks\n", docs, chunks)
	return nil
}
