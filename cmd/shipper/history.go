package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/artpar/shipper/internal/core/environment"
	core "github.com/artpar/shipper/internal/core/pipeline"
	"github.com/artpar/shipper/internal/shell/store"
)

func newHistoryCmd() *cobra.Command {
	var env string
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent pipeline runs",
		Long: `History lists recent runs, newest first.

Examples:
    shipper history
    shipper history --environment prod --limit 5`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(env, limit)
		},
	}

	cmd.Flags().StringVar(&env, "environment", "", "Only show runs for this environment")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of runs to show")

	return cmd
}

func runHistory(env string, limit int) error {
	cfg, _, err := loadRuntime()
	if err != nil {
		return err
	}

	if env != "" {
		if _, err := environment.ParseName(env); err != nil {
			return &CommandError{Op: "history", Err: err, ExitCode: ExitConfigError}
		}
	}

	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	opts := store.ListOptions{Limit: limit}
	var runs []core.Run
	if env != "" {
		runs, err = s.ListRunsByEnvironment(ctx, env, opts)
	} else {
		runs, err = s.ListRuns(ctx, opts)
	}
	if err != nil {
		return &CommandError{Op: "history", Err: err, ExitCode: ExitDatabaseError}
	}

	if len(runs) == 0 {
		fmt.Println("No runs found.")
		return nil
	}

	fmt.Printf("%-36s  %-5s  %-26s  %-8s  %-20s  %s\n",
		"RUN", "ENV", "STEP", "TRIGGER", "CREATED", "REF")
	for _, run := range runs {
		fmt.Printf("%-36s  %-5s  %-26s  %-8s  %-20s  %s\n",
			run.ID,
			run.Environment,
			run.Step,
			run.Trigger,
			run.CreatedAt.Format(time.RFC3339),
			run.Ref,
		)
		if run.Step == core.StepFailed && run.ErrorMessage != "" {
			fmt.Printf("    error: %s\n", run.ErrorMessage)
		}
	}

	return nil
}
