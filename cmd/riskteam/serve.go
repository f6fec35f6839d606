package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"riskteam/pkg/config"
	"riskteam/pkg/docstore"
	"riskteam/pkg/webui"
)

//nolint:gochecknoglobals // cobra flags
var (
	serveAddr  string
	serveWatch bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API",
	Long: `Serve the HTTP API: submit assessments as background jobs, follow them
over Server-Sent Events and read reports, transcripts and usage.

With --watch, the documents directory is kept in sync with the document store.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (default from config)")
	serveCmd.Flags().BoolVar(&serveWatch, "watch", false, "Re-ingest documents when the documents directory changes")
}

func runServe(cmd *cobra.Command, _ []string) error {
	a, err := newApp(projectDir)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if serveWatch || a.cfg.DocStore.Watch {
		dir := config.ProjectPath(a.projectDir, a.cfg.DocStore.DocumentsDir)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create documents directory: %w", err)
		}
		if _, err := a.docs.Ingest(ctx, dir); err != nil {
			a.logger.Warn("initial ingest of %s failed: %v", dir, err)
		}
		watcher, err := docstore.NewWatcher(a.docs, dir)
		if err != nil {
			return err
		}
		if err := watcher.Start(ctx); err != nil {
			return err
		}
		defer watcher.Stop()
	}

	jobs := webui.NewJobManager(ctx, a.service(), a.cfg.Server.MaxConcurrentJobs).WithRetention(a.cfg.Server.JobRetention)
	defer jobs.Close()

	server := webui.NewServer(jobs, a.projectDir,
		webui.WithRunStore(a.runs),
		webui.WithUsageRecorder(a.usage),
		webui.WithGatherer(a.registry),
		webui.WithProviderStats(a.clients),
		webui.WithSecretsPassword(a.password),
	)

	addr := serveAddr
	if addr == "" {
		addr = a.cfg.Server.Addr
	}
	if config.GetWebUIPassword() == "" {
		a.logger.Warn("%s is not set; the HTTP API is unauthenticated", config.EnvWebUIPassword)
	}
	return server.StartServer(ctx, addr)
}
