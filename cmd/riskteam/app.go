package main

import (
	"fmt"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"riskteam/pkg/assessment"
	"riskteam/pkg/config"
	"riskteam/pkg/docstore"
	"riskteam/pkg/eventlog"
	"riskteam/pkg/llm/factory"
	llmmetrics "riskteam/pkg/llm/middleware/metrics"
	"riskteam/pkg/logx"
	"riskteam/pkg/persistence"
)

// app holds everything a command needs after project setup.
type app struct {
	cfg        config.Config
	projectDir string
	password   string
	runs       *persistence.RunStore
	docs       *docstore.SQLiteStore
	usage      *llmmetrics.UsageRecorder
	registry   *prometheus.Registry
	clients    *factory.Factory
	events     *eventlog.Writer
	logger     *logx.Logger
}

// newApp unlocks secrets, loads the project config, opens the database and
// builds the model client factory.
func newApp(dir string) (*app, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve project directory: %w", err)
	}
	a := &app{projectDir: abs, logger: logx.NewLogger("riskteam")}

	if a.password, err = unlockSecrets(abs); err != nil {
		return nil, err
	}
	if err := config.LoadConfig(abs); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if a.cfg, err = config.GetConfig(); err != nil {
		return nil, err
	}

	if err := persistence.Initialize(config.ProjectPath(abs, a.cfg.DocStore.Path)); err != nil {
		return nil, err
	}
	db := persistence.GetDB()
	a.runs = persistence.NewRunStore(db)
	a.docs = docstore.NewSQLiteStore(db, docstore.Config{
		ChunkSize:      a.cfg.DocStore.ChunkSize,
		ChunkOverlap:   a.cfg.DocStore.ChunkOverlap,
		TopK:           a.cfg.DocStore.TopK,
		ScoreThreshold: a.cfg.DocStore.ScoreThreshold,
	})

	a.usage = llmmetrics.NewUsageRecorder()
	a.registry = prometheus.NewRegistry()
	recorder := llmmetrics.Recorder(a.usage)
	if a.cfg.Metrics.Enabled {
		a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		recorder = llmmetrics.Multi(a.usage, llmmetrics.NewPrometheusRecorder(a.cfg.Metrics.Namespace, a.registry))
	}
	a.clients = factory.New(a.cfg, recorder)

	if a.cfg.Output.EventLogDir != "" {
		if a.events, err = eventlog.NewWriter(config.ProjectPath(abs, a.cfg.Output.EventLogDir)); err != nil {
			a.logger.Warn("event log disabled: %v", err)
			a.events = nil
		}
	}
	return a, nil
}

// service builds the assessment service over the app's stores.
func (a *app) service(opts ...assessment.Option) *assessment.Service {
	base := []assessment.Option{
		assessment.WithDocStore(a.docs),
		assessment.WithRunStore(a.runs),
		assessment.WithUsage(a.usage),
	}
	if a.events != nil {
		base = append(base, assessment.WithSink(a.events))
	}
	return assessment.New(a.cfg, a.projectDir, a.clients, append(base, opts...)...)
}

func (a *app) expertsPath() string {
	return config.ProjectPath(a.projectDir, a.cfg.Team.ExpertsFile)
}

func (a *app) Close() {
	if a.events != nil {
		if err := a.events.Close(); err != nil {
			a.logger.Warn("failed to close event log: %v", err)
		}
	}
	if err := persistence.Close(); err != nil {
		a.logger.Warn("failed to close database: %v", err)
	}
}
