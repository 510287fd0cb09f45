package docker

import (
	"errors"
	"fmt"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	// Build errors
	ErrInvalidBuildSpec = errors.New("invalid build spec")
	ErrBuildFailed      = errors.New("image build failed")

	// Push errors
	ErrPushDenied = errors.New("push access denied")
	ErrPushFailed = errors.New("image push failed")

	// Connection errors
	ErrConnectionFailed = errors.New("docker connection failed")
)

// DockerError wraps errors with additional context.
type DockerError struct {
	Op      string // Operation that failed
	Image   string // Image reference if applicable
	Message string
	Err     error
}

func (e *DockerError) Error() string {
	if e.Image != "" {
		return fmt.Sprintf("%s %s: %s", e.Op, e.Image, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *DockerError) Unwrap() error {
	return e.Err
}

// NewDockerError creates a new DockerError.
func NewDockerError(op, image, message string, err error) *DockerError {
	return &DockerError{
		Op:      op,
		Image:   image,
		Message: message,
		Err:     err,
	}
}
