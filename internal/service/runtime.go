// Package service wires the production dependencies of the engine: the
// Postgres store, the artifact database, the executor and the observability
// sinks. The CLI and the HTTP server both bootstrap through a Runtime.
package service

import (
	"context"
	"path/filepath"

	"github.com/ignatij/agentflow/internal/log"
	internal_storage "github.com/ignatij/agentflow/internal/storage"
	"github.com/ignatij/agentflow/pkg/artifact"
	"github.com/ignatij/agentflow/pkg/board"
	"github.com/ignatij/agentflow/pkg/events"
	"github.com/ignatij/agentflow/pkg/executor"
	"github.com/ignatij/agentflow/pkg/models"
	"github.com/ignatij/agentflow/pkg/service"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

// Config holds the process-level settings shared by every entry point.
type Config struct {
	DBURL   string                // Postgres connection string
	DataDir string                // Artifact database directory; empty keeps artifacts in memory
	OpenAI  executor.OpenAIConfig // Executor credentials, usually from the environment
}

// Runtime owns the wired components for one process.
type Runtime struct {
	Orchestrator *service.Orchestrator
	Registry     *prometheus.Registry

	store     *internal_storage.PostgresStore
	artifacts artifact.Store
}

// NewRuntime connects the store, opens the artifact database and assembles
// the orchestrator with its sinks. Commands that never dispatch units pass an
// empty DataDir and get an in-memory artifact store.
func NewRuntime(cfg Config) (*Runtime, error) {
	logger := log.GetLogger()

	store, err := internal_storage.InitStore(cfg.DBURL)
	if err != nil {
		return nil, err
	}

	artifactCfg := artifact.Config{InMemory: cfg.DataDir == ""}
	if cfg.DataDir != "" {
		artifactCfg.Path = filepath.Join(cfg.DataDir, "artifacts")
		artifactCfg.SyncWrites = true
	}
	artifacts, err := artifact.NewBadgerStore(artifactCfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	registry := prometheus.NewRegistry()
	metrics := events.NewMetrics()
	metrics.Register(registry)
	sink := events.Fanout{events.NewLogSink(logger), metrics}

	orc := service.NewOrchestrator(store, artifacts, buildExecutor(cfg.OpenAI), logger,
		service.WithSink(sink),
		service.WithBoard(board.NewLogNotifier(logger)),
	)
	return &Runtime{
		Orchestrator: orc,
		Registry:     registry,
		store:        store,
		artifacts:    artifacts,
	}, nil
}

// buildExecutor returns the OpenAI adapter when a key is configured. Without
// one the operator surface still works; only dispatch fails, as a
// configuration error carrying the fix.
func buildExecutor(cfg executor.OpenAIConfig) executor.Executor {
	if cfg.APIKey == "" {
		return executor.Func(func(ctx context.Context, unit *models.WorkUnit, prompt string) (*executor.Result, error) {
			return nil, executor.NewError(models.ConfigurationErrorKind, errors.New("no executor configured, set OPENAI_API_KEY"))
		})
	}
	exec, err := executor.NewOpenAI(cfg)
	if err != nil {
		// NewOpenAI only fails on a missing key, which is handled above
		return executor.Func(func(ctx context.Context, unit *models.WorkUnit, prompt string) (*executor.Result, error) {
			return nil, err
		})
	}
	return exec
}

// Close releases the artifact database and the store connection.
func (r *Runtime) Close() error {
	var firstErr error
	if err := r.artifacts.Close(); err != nil {
		firstErr = err
	}
	if err := r.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
