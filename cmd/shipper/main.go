// Command shipper drives the two-stage deployment pipeline for the game-jam
// service.
//
// Usage:
//
//	shipper deploy --ref refs/heads/main    Build, push and redeploy
//	shipper resolve --ref refs/heads/main   Show the derived deployment context
//	shipper history --environment prod      Show recent runs
//	shipper rollback --environment prod     Re-point the service at the last stable run
//	shipper serve                           Run the webhook listener
//	shipper version                         Show version
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information (set by build)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

// =============================================================================
// Exit Codes
// =============================================================================

const (
	ExitSuccess       = 0
	ExitConfigError   = 1
	ExitDatabaseError = 2
	ExitDockerError   = 3
	ExitDeployFailed  = 4
	ExitServerError   = 5
)

// =============================================================================
// Command Error
// =============================================================================

// CommandError carries the exit code for a failed command.
type CommandError struct {
	Op       string
	Err      error
	ExitCode int
}

func (e *CommandError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// =============================================================================
// Entry Point
// =============================================================================

var configPath string

func main() {
	os.Exit(run())
}

func run() int {
	root := newRootCmd()

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)

		var cmdErr *CommandError
		if errors.As(err, &cmdErr) {
			return cmdErr.ExitCode
		}
		return ExitConfigError
	}

	return ExitSuccess
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "shipper",
		Short: "Two-stage deployment pipeline for the game-jam service",
		Long: `shipper resolves a git ref to a target environment, publishes a fresh
container image and rolls the service onto it.

The main branch deploys to prod, every other ref deploys to dev:

    shipper deploy --ref refs/heads/main

Deployments run to completion and report failure through the exit status.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file")

	root.AddCommand(
		newDeployCmd(),
		newResolveCmd(),
		newHistoryCmd(),
		newRollbackCmd(),
		newServeCmd(),
		newVersionCmd(),
	)

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("shipper %s (built %s)\n", Version, BuildTime)
		},
	}
}
