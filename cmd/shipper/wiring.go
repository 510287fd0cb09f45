package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/artpar/shipper/internal/core/environment"
	"github.com/artpar/shipper/internal/shell/docker"
	"github.com/artpar/shipper/internal/shell/orchestrator"
	"github.com/artpar/shipper/internal/shell/pipeline"
	"github.com/artpar/shipper/internal/shell/registry"
	"github.com/artpar/shipper/internal/shell/store"
)

// =============================================================================
// Runtime Wiring
// =============================================================================

// loadRuntime loads configuration and builds the logger for a command.
func loadRuntime() (*Config, *slog.Logger, error) {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return nil, nil, &CommandError{
			Op:       "config",
			Err:      err,
			ExitCode: ExitConfigError,
		}
	}
	return cfg, SetupLogger(cfg), nil
}

// openStore connects to the run store.
func openStore(cfg *Config) (store.Store, error) {
	s, err := store.NewSQLiteStore(cfg.Database.DSN, cfg.Lock.TTL)
	if err != nil {
		return nil, &CommandError{
			Op:       "store",
			Err:      err,
			ExitCode: ExitDatabaseError,
		}
	}
	return s, nil
}

// App bundles the wired adapters the pipeline commands run against.
type App struct {
	Store      store.Store
	Docker     *docker.Client
	Controller *pipeline.Controller
	logger     *slog.Logger
}

// buildApp connects the store, the Docker daemon and both per-environment
// AWS targets, and assembles the pipeline controller over them.
func buildApp(cfg *Config, logger *slog.Logger) (*App, error) {
	s, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	d, err := docker.NewClient(cfg.Docker.Host, logger)
	if err != nil {
		s.Close()
		return nil, &CommandError{
			Op:       "docker",
			Err:      err,
			ExitCode: ExitDockerError,
		}
	}

	// Verify the daemon is reachable before a run starts mutating registry
	// state.
	pingCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.Ping(pingCtx); err != nil {
		s.Close()
		d.Close()
		return nil, &CommandError{
			Op:       "docker",
			Err:      err,
			ExitCode: ExitDockerError,
		}
	}

	controller := pipeline.NewController(s, d, buildTargets(cfg, logger), pipeline.Config{
		Repository:   cfg.Registry.Repository,
		Cluster:      cfg.Orchestrator.Cluster,
		BuildContext: cfg.Build.Context,
		Dockerfile:   cfg.Build.Dockerfile,
	}, logger)

	return &App{
		Store:      s,
		Docker:     d,
		Controller: controller,
		logger:     logger,
	}, nil
}

// buildTargets constructs one registry and orchestrator client pair per
// environment from its credential pair.
func buildTargets(cfg *Config, logger *slog.Logger) map[environment.Name]pipeline.Target {
	orchConfig := orchestrator.Config{
		PollInterval: cfg.Orchestrator.PollInterval,
		WaitTimeout:  cfg.Orchestrator.WaitTimeout,
	}

	creds := map[environment.Name]CredentialsConfig{
		environment.Prod: cfg.AWS.Prod,
		environment.Dev:  cfg.AWS.Dev,
	}

	targets := make(map[environment.Name]pipeline.Target, len(creds))
	for env, c := range creds {
		targets[env] = pipeline.Target{
			Registry: registry.NewClient(
				registry.NewAPI(c.Region, c.AccessKeyID, c.SecretAccessKey), logger),
			Orchestrator: orchestrator.NewClient(
				orchestrator.NewAPI(c.Region, c.AccessKeyID, c.SecretAccessKey), orchConfig, logger),
		}
	}
	return targets
}

// Close releases the app's connections.
func (a *App) Close() {
	if err := a.Docker.Close(); err != nil {
		a.logger.Error("docker client close error", "error", err)
	}
	if err := a.Store.Close(); err != nil {
		a.logger.Error("database close error", "error", err)
	}
}
