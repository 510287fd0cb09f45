package main

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	core "github.com/artpar/shipper/internal/core/pipeline"
)

func newDeployCmd() *cobra.Command {
	var ref string
	var trigger string

	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Run the deployment pipeline for a ref to completion",
		Long: `Deploy resolves the ref to its target environment, publishes a fresh
image and rolls the service onto it, blocking until the service is stable.

Examples:
    shipper deploy --ref refs/heads/main
    shipper deploy --ref refs/heads/dev --trigger webhook`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDeploy(ref, trigger)
		},
	}

	cmd.Flags().StringVar(&ref, "ref", "", "Git ref to deploy (e.g. refs/heads/main)")
	cmd.Flags().StringVar(&trigger, "trigger", "cli", "Trigger recorded on the run: cli or webhook")
	cmd.MarkFlagRequired("ref")

	return cmd
}

func runDeploy(ref, trigger string) error {
	cfg, logger, err := loadRuntime()
	if err != nil {
		return err
	}

	trig, err := parseTrigger(trigger)
	if err != nil {
		return &CommandError{Op: "deploy", Err: err, ExitCode: ExitConfigError}
	}

	app, err := buildApp(cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	run, err := app.Controller.Deploy(ctx, trig, ref)
	if err != nil {
		if run != nil {
			logger.Error("deployment failed",
				"run_id", run.ID,
				"environment", run.Environment,
				"step", run.Step,
				"error", err,
			)
		}
		return &CommandError{Op: "deploy", Err: err, ExitCode: ExitDeployFailed}
	}

	fmt.Printf("Deployed %s to %s (run %s)\n", run.Image, run.Environment, run.ID)
	return nil
}

func parseTrigger(s string) (core.Trigger, error) {
	switch core.Trigger(strings.ToLower(s)) {
	case core.TriggerCLI:
		return core.TriggerCLI, nil
	case core.TriggerWebhook:
		return core.TriggerWebhook, nil
	}
	return "", fmt.Errorf("unknown trigger %q (expected cli or webhook)", s)
}
