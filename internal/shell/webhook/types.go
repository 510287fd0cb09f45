package webhook

import "time"

// =============================================================================
// Request Types
// =============================================================================

// PushEvent is the subset of a source-control event payload the listener
// cares about. Push events carry the ref at the top level, pull request
// events nest it under the head branch.
type PushEvent struct {
	Ref         string            `json:"ref"`
	PullRequest *PullRequestEvent `json:"pull_request,omitempty"`
}

// PullRequestEvent carries the head branch of a pull request payload.
type PullRequestEvent struct {
	Head BranchRef `json:"head"`
}

// BranchRef names a branch inside a pull request payload.
type BranchRef struct {
	Ref string `json:"ref"`
}

// DeployRef returns the ref the event asks to deploy, or "" when the payload
// carries none.
func (e PushEvent) DeployRef() string {
	if e.Ref != "" {
		return e.Ref
	}
	if e.PullRequest != nil {
		return e.PullRequest.Head.Ref
	}
	return ""
}

// =============================================================================
// Response Types
// =============================================================================

// PushResponse reports what happened to a push event.
type PushResponse struct {
	Status      string `json:"status"` // "queued" or "ignored"
	Ref         string `json:"ref"`
	Environment string `json:"environment,omitempty"`
}

// RunResponse is the API representation of a pipeline run.
type RunResponse struct {
	ID                 string     `json:"id"`
	Trigger            string     `json:"trigger"`
	Ref                string     `json:"ref"`
	Environment        string     `json:"environment,omitempty"`
	Image              string     `json:"image,omitempty"`
	PreviousTaskDefARN string     `json:"previous_task_def_arn,omitempty"`
	NewTaskDefARN      string     `json:"new_task_def_arn,omitempty"`
	Step               string     `json:"step"`
	ErrorMessage       string     `json:"error_message,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
	FinishedAt         *time.Time `json:"finished_at,omitempty"`
}

// ListRunsResponse is the response for listing runs.
type ListRunsResponse struct {
	Runs   []RunResponse `json:"runs"`
	Total  int           `json:"total"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

// ErrorResponse is the error response format.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// HealthResponse is the health check response.
type HealthResponse struct {
	Status string `json:"status"`
}

// ReadyResponse is the readiness check response.
type ReadyResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}
