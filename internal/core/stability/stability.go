// Package stability provides pure functions for judging service rollout
// convergence. Following the core/shell split - this package contains NO
// I/O; the polling shell feeds snapshots in.
package stability

import "fmt"

// =============================================================================
// Rollout States
// =============================================================================

type State string

const (
	StateStable     State = "stable"
	StateConverging State = "converging"
	StateFailed     State = "failed"
)

// Service and rollout status values as the orchestration service reports them.
const (
	ServiceStatusActive = "ACTIVE"
	RolloutFailed       = "FAILED"
)

// =============================================================================
// Snapshot
// =============================================================================

// ServiceSnapshot captures the fields of a service description that
// convergence is judged on.
type ServiceSnapshot struct {
	Status          string
	DesiredCount    int32
	RunningCount    int32
	PendingCount    int32
	DeploymentCount int
	TaskDefinition  string // primary deployment's task definition ARN
	RolloutState    string // primary deployment's rollout state
}

// =============================================================================
// Evaluation (Pure Functions)
// =============================================================================

// Evaluate maps a service snapshot to a convergence state.
//
// A service is stable when exactly one deployment remains and the running
// task count matches the desired count. A service that is no longer active
// or whose primary rollout reports failure cannot converge.
func Evaluate(s ServiceSnapshot) State {
	if s.Status != ServiceStatusActive {
		return StateFailed
	}
	if s.RolloutState == RolloutFailed {
		return StateFailed
	}
	if s.DeploymentCount == 1 && s.RunningCount == s.DesiredCount {
		return StateStable
	}
	return StateConverging
}

// Progress generates a human-readable progress message for a snapshot.
func Progress(s ServiceSnapshot) string {
	return fmt.Sprintf("%d/%d tasks running, %d pending, %d deployments in flight",
		s.RunningCount, s.DesiredCount, s.PendingCount, s.DeploymentCount)
}
