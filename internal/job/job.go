// Package job holds the static description of scheduled jobs and the
// values that flow between the scheduler, the executor and the aggregator.
package job

import (
	"context"
	"time"

	"github.com/go-tick/caretaker/internal/schedule"
)

// Kind distinguishes health checks from housekeeping jobs.
type Kind string

const (
	KindCheck   Kind = "check"
	KindCleanup Kind = "cleanup"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k == KindCheck || k == KindCleanup
}

// Result is what an action reports back. Transient marks a failure worth
// retrying within the same run.
type Result struct {
	Success   bool
	Transient bool
	Detail    string
}

// Action is the unit of work a job runs. It must honour ctx cancellation on
// a best-effort basis; the executor abandons it once the deadline passes.
type Action func(ctx context.Context) Result

// RetryPolicy controls in-run retries of transient failures.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultRetryPolicy runs an action once.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  1,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2,
	}
}

// Spec is the immutable description of a job.
type Spec struct {
	Name     string
	Kind     Kind
	Schedule schedule.Schedule
	Timeout  time.Duration
	Retry    RetryPolicy
	Action   Action

	// EscalationThreshold overrides the engine default when positive.
	EscalationThreshold int
	// Channels restricts notification delivery; empty means every channel.
	Channels []string
}

// Success builds a successful Result.
func Success(detail string) Result {
	return Result{Success: true, Detail: detail}
}

// Failure builds a permanent failure Result.
func Failure(detail string) Result {
	return Result{Detail: detail}
}

// TransientFailure builds a retryable failure Result.
func TransientFailure(detail string) Result {
	return Result{Transient: true, Detail: detail}
}
