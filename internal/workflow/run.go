package workflow

import (
	"encoding/json"
	"time"

	"github.com/terrpan/idlegpu/internal/fault"
	"github.com/terrpan/idlegpu/internal/steps"
)

// Status is the lifecycle state of a Run.
type Status string

const (
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
)

// Done reports whether s is terminal.
func (s Status) Done() bool { return s != StatusRunning }

// StepResult is one entry of a run's audit trail.  It is appended once per
// executed step and never changed afterwards.
type StepResult struct {
	Name       string        `json:"step"`
	Input      steps.Payload `json:"input"`
	Output     steps.Payload `json:"output"`
	Error      string        `json:"error,omitempty"`
	ErrorKind  fault.Kind    `json:"error_kind,omitempty"`
	Retryable  bool          `json:"retryable,omitempty"`
	Attempt    int           `json:"attempt"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
}

// Succeeded reports whether the step completed without error.
func (r StepResult) Succeeded() bool { return r.Error == "" }

// Run is one end-to-end execution of the provisioning workflow.
type Run struct {
	ID         string        `json:"id"`
	Status     Status        `json:"status"`
	StartedAt  time.Time     `json:"started_at"`
	Deadline   time.Time     `json:"deadline"`
	FinishedAt time.Time     `json:"finished_at,omitzero"`
	Steps      []StepResult  `json:"steps"`
	Output     steps.Payload `json:"output"`
	Error      string        `json:"error,omitempty"`
}

// Step returns the result recorded for name.
func (r *Run) Step(name string) (StepResult, bool) {
	for _, s := range r.Steps {
		if s.Name == name {
			return s, true
		}
	}
	return StepResult{}, false
}

// JSON renders the run for operators and external tooling.
func (r *Run) JSON() ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}
