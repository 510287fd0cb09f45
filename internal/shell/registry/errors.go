package registry

import (
	"errors"
	"fmt"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	// Repository errors
	ErrRepositoryNotFound = errors.New("repository not found")

	// Authentication errors
	ErrAuthFailed = errors.New("registry authentication failed")
)

// RegistryError wraps errors with additional context.
type RegistryError struct {
	Op         string // Operation that failed
	Repository string
	Tag        string
	Message    string
	Err        error
}

func (e *RegistryError) Error() string {
	if e.Tag != "" {
		return fmt.Sprintf("%s %s:%s: %s", e.Op, e.Repository, e.Tag, e.Message)
	}
	if e.Repository != "" {
		return fmt.Sprintf("%s %s: %s", e.Op, e.Repository, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *RegistryError) Unwrap() error {
	return e.Err
}

// NewRegistryError creates a new RegistryError.
func NewRegistryError(op, repository, tag, message string, err error) *RegistryError {
	return &RegistryError{
		Op:         op,
		Repository: repository,
		Tag:        tag,
		Message:    message,
		Err:        err,
	}
}
