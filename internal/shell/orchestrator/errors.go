package orchestrator

import (
	"errors"
	"fmt"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	// Task definition errors
	ErrTaskFamilyNotFound = errors.New("task definition family not found")
	ErrRegisterFailed     = errors.New("task definition registration failed")

	// Service errors
	ErrServiceNotFound = errors.New("service not found")

	// Stability errors
	ErrStabilityTimeout = errors.New("timed out waiting for service stability")
	ErrRolloutFailed    = errors.New("service rollout failed")
)

// OrchestratorError wraps errors with additional context.
type OrchestratorError struct {
	Op      string // Operation that failed
	Entity  string // Entity type (task_definition, service)
	ID      string // Entity ID if applicable
	Message string
	Err     error
}

func (e *OrchestratorError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("%s %s %s: %s", e.Op, e.Entity, e.ID, e.Message)
	}
	if e.Entity != "" {
		return fmt.Sprintf("%s %s: %s", e.Op, e.Entity, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *OrchestratorError) Unwrap() error {
	return e.Err
}

// NewOrchestratorError creates a new OrchestratorError.
func NewOrchestratorError(op, entity, id, message string, err error) *OrchestratorError {
	return &OrchestratorError{
		Op:      op,
		Entity:  entity,
		ID:      id,
		Message: message,
		Err:     err,
	}
}
