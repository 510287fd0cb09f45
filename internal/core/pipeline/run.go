package pipeline

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Run Errors
// =============================================================================

var (
	ErrInvalidTransition = errors.New("invalid step transition")
	ErrRunFinished       = errors.New("run already finished")
)

// =============================================================================
// Run Steps
// =============================================================================

type Step string

const (
	StepTriggered                Step = "triggered"
	StepEnvironmentResolved      Step = "environment_resolved"
	StepTagsCleaned              Step = "tags_cleaned"
	StepImagePublished           Step = "image_published"
	StepTaskDefinitionFetched    Step = "task_definition_fetched"
	StepTaskDefinitionAdapted    Step = "task_definition_adapted"
	StepTaskDefinitionRegistered Step = "task_definition_registered"
	StepServiceUpdateRequested   Step = "service_update_requested"
	StepStable                   Step = "stable"
	StepFailed                   Step = "failed"
)

// =============================================================================
// Triggers
// =============================================================================

type Trigger string

const (
	TriggerCLI      Trigger = "cli"
	TriggerWebhook  Trigger = "webhook"
	TriggerRollback Trigger = "rollback"
)

// =============================================================================
// Run
// =============================================================================

// Run records one pipeline execution from trigger to terminal step.
type Run struct {
	ID                 string     `json:"id"`
	Trigger            Trigger    `json:"trigger"`
	Ref                string     `json:"ref"`
	Environment        string     `json:"environment,omitempty"`
	Image              string     `json:"image,omitempty"`
	PreviousTaskDefARN string     `json:"previous_task_def_arn,omitempty"`
	NewTaskDefARN      string     `json:"new_task_def_arn,omitempty"`
	Step               Step       `json:"step"`
	ErrorMessage       string     `json:"error_message,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
	FinishedAt         *time.Time `json:"finished_at,omitempty"`
}

// NewRun creates a run in the triggered step.
func NewRun(trigger Trigger, ref string) *Run {
	now := time.Now().UTC()
	return &Run{
		ID:        uuid.New().String(),
		Trigger:   trigger,
		Ref:       ref,
		Step:      StepTriggered,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Advance attempts to move the run to the next step.
func (r *Run) Advance(to Step) error {
	if err := ValidateTransition(r.Step, to); err != nil {
		return err
	}

	r.Step = to
	r.UpdatedAt = time.Now().UTC()

	if to == StepStable {
		now := time.Now().UTC()
		r.FinishedAt = &now
	}

	return nil
}

// Fail moves the run to the failed step with an error message.
// Any non-terminal step may fail.
func (r *Run) Fail(errorMessage string) error {
	if r.Terminal() {
		return ErrRunFinished
	}

	now := time.Now().UTC()
	r.Step = StepFailed
	r.ErrorMessage = errorMessage
	r.UpdatedAt = now
	r.FinishedAt = &now

	return nil
}

// Terminal reports whether the run reached a terminal step.
func (r *Run) Terminal() bool {
	return r.Step == StepStable || r.Step == StepFailed
}

// Succeeded reports whether the run finished stable.
func (r *Run) Succeeded() bool {
	return r.Step == StepStable
}

// =============================================================================
// State Machine
// =============================================================================

// validTransitions defines the allowed step transitions. Deploy runs walk
// the full chain; rollback runs re-point the service at a known revision
// and advance from environment_resolved straight to service_update_requested.
var validTransitions = map[Step][]Step{
	StepTriggered:                {StepEnvironmentResolved},
	StepEnvironmentResolved:      {StepTagsCleaned, StepServiceUpdateRequested},
	StepTagsCleaned:              {StepImagePublished},
	StepImagePublished:           {StepTaskDefinitionFetched},
	StepTaskDefinitionFetched:    {StepTaskDefinitionAdapted},
	StepTaskDefinitionAdapted:    {StepTaskDefinitionRegistered},
	StepTaskDefinitionRegistered: {StepServiceUpdateRequested},
	StepServiceUpdateRequested:   {StepStable},
	StepStable:                   {}, // Terminal step
	StepFailed:                   {}, // Terminal step
}

// ValidateTransition checks if a step transition is valid.
func ValidateTransition(from, to Step) error {
	allowed, exists := validTransitions[from]
	if !exists {
		return ErrInvalidTransition
	}

	for _, s := range allowed {
		if s == to {
			return nil
		}
	}

	return ErrInvalidTransition
}
