package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/artpar/shipper/internal/shell/webhook"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook listener and deployment dispatcher",
		Long: `Serve listens for source-control push events and deploys the configured
branches as they arrive. Deployments are queued and run one at a time.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	cfg, logger, err := loadRuntime()
	if err != nil {
		return err
	}

	server, err := NewServer(cfg, logger)
	if err != nil {
		return err
	}

	logger.Info("starting shipper",
		"version", Version,
		"config", configPath,
	)

	if err := server.Start(context.Background()); err != nil {
		return err
	}
	return nil
}

// =============================================================================
// Server
// =============================================================================

// Server bundles the webhook listener, the dispatcher and the adapters they
// run against.
type Server struct {
	config     *Config
	httpServer *http.Server
	app        *App
	dispatcher *webhook.Dispatcher
	logger     *slog.Logger
}

// NewServer wires the webhook listener over a fully built app.
func NewServer(cfg *Config, logger *slog.Logger) (*Server, error) {
	app, err := buildApp(cfg, logger)
	if err != nil {
		return nil, err
	}

	dispatcher := webhook.NewDispatcher(app.Controller, webhook.DispatcherConfig{
		QueueSize: cfg.Webhook.QueueSize,
	}, logger)

	handler := webhook.NewHandler(app.Store, dispatcher, webhook.HandlerConfig{
		Secret:   cfg.Webhook.Secret,
		Branches: cfg.Webhook.Branches,
	}, logger)

	httpServer := &http.Server{
		Addr:         cfg.Webhook.Address(),
		Handler:      handler.Routes(),
		ReadTimeout:  cfg.Webhook.ReadTimeout,
		WriteTimeout: cfg.Webhook.WriteTimeout,
	}

	return &Server{
		config:     cfg,
		httpServer: httpServer,
		app:        app,
		dispatcher: dispatcher,
		logger:     logger,
	}, nil
}

// Start starts the server and blocks until shutdown.
func (s *Server) Start(ctx context.Context) error {
	// Setup signal handling
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	s.dispatcher.Start()

	// Start HTTP server in goroutine
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting webhook listener",
			"address", s.config.Webhook.Address())
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for shutdown signal or error
	select {
	case sig := <-sigCh:
		s.logger.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		s.Shutdown(context.Background())
		return &CommandError{
			Op:       "serve",
			Err:      err,
			ExitCode: ExitServerError,
		}
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown(context.Background())
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("initiating graceful shutdown")

	// Stop accepting events before the dispatcher drains
	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.Webhook.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("HTTP server shutdown error", "error", err)
	}

	s.dispatcher.Stop()

	s.app.Close()

	s.logger.Info("shutdown complete")
	return nil
}
