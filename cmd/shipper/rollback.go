package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/artpar/shipper/internal/core/environment"
)

func newRollbackCmd() *cobra.Command {
	var env string

	cmd := &cobra.Command{
		Use:   "rollback",
		Short: "Re-point a service at its last stable task definition",
		Long: `Rollback finds the most recent stable run for the environment and updates
the service back onto that run's task definition, skipping the image
publish stage entirely.

Examples:
    shipper rollback --environment prod`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRollback(env)
		},
	}

	cmd.Flags().StringVar(&env, "environment", "", "Environment to roll back (prod or dev)")
	cmd.MarkFlagRequired("environment")

	return cmd
}

func runRollback(env string) error {
	cfg, logger, err := loadRuntime()
	if err != nil {
		return err
	}

	name, err := environment.ParseName(env)
	if err != nil {
		return &CommandError{Op: "rollback", Err: err, ExitCode: ExitConfigError}
	}

	app, err := buildApp(cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	run, err := app.Controller.Rollback(ctx, name)
	if err != nil {
		if run != nil {
			logger.Error("rollback failed",
				"run_id", run.ID,
				"environment", run.Environment,
				"step", run.Step,
				"error", err,
			)
		}
		return &CommandError{Op: "rollback", Err: err, ExitCode: ExitDeployFailed}
	}

	fmt.Printf("Rolled %s back to %s (run %s)\n", name, run.NewTaskDefARN, run.ID)
	return nil
}
