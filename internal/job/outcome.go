package job

import "time"

// Status is the result class of one execution.
type Status string

const (
	StatusSuccess   Status = "success"
	StatusFailure   Status = "failure"
	StatusTimedOut  Status = "timed_out"
	StatusPanicked  Status = "panicked"
	StatusSkipped   Status = "skipped"
	StatusCancelled Status = "cancelled"
)

// IsFailure reports whether s counts against a job's health.
func (s Status) IsFailure() bool {
	switch s {
	case StatusFailure, StatusTimedOut, StatusPanicked:
		return true
	default:
		return false
	}
}

// IsNeutral reports whether s leaves health untouched: overrun skips and
// runs interrupted by shutdown say nothing about the checked system.
func (s Status) IsNeutral() bool {
	return s == StatusSkipped || s == StatusCancelled || s == ""
}

// Outcome is the immutable record of one execution.
type Outcome struct {
	JobName   string        `json:"job_name"`
	Status    Status        `json:"status"`
	Reason    string        `json:"reason,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Output    string        `json:"output,omitempty"`
	Attempts  int           `json:"attempts"`
}

// OverrunReason is the reason attached to synthesized skip outcomes.
const OverrunReason = "skipped: overrun"

// Overrun synthesizes the outcome recorded when a slot arrives while the
// previous execution is still running.
func Overrun(name string, slot time.Time) Outcome {
	return Outcome{
		JobName:   name,
		Status:    StatusSkipped,
		Reason:    OverrunReason,
		StartedAt: slot,
	}
}

// RunState is the mutable per-job scheduling and health record.
type RunState struct {
	JobName             string    `json:"job_name"`
	LastRunAt           time.Time `json:"last_run_at"`
	NextDueAt           time.Time `json:"next_due_at"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastOutcome         Status    `json:"last_outcome_status"`
	// FailingSince is the start of the current failure streak.
	FailingSince time.Time `json:"failing_since,omitempty"`
}

// Healthy reports whether the job is not in a failure streak.
func (s RunState) Healthy() bool {
	return s.ConsecutiveFailures == 0
}

// Exhausted reports whether the job has no further activations.
func (s RunState) Exhausted() bool {
	return s.NextDueAt.IsZero()
}
