// Package aggregator turns execution outcomes into job health transitions
// and the events worth notifying about.
package aggregator

import (
	"fmt"
	"time"

	"github.com/go-tick/caretaker/internal/event"
	"github.com/go-tick/caretaker/internal/job"
)

// DefaultEscalationThreshold is the consecutive failure count that escalates
// a failing job to critical.
const DefaultEscalationThreshold = 3

// Aggregator is stateless; callers serialize Observe per job.
type Aggregator struct {
	threshold int
}

func New(threshold int) *Aggregator {
	if threshold <= 0 {
		threshold = DefaultEscalationThreshold
	}
	return &Aggregator{threshold: threshold}
}

// Threshold returns the escalation threshold that applies to spec.
func (a *Aggregator) Threshold(spec *job.Spec) int {
	if spec != nil && spec.EscalationThreshold > 0 {
		return spec.EscalationThreshold
	}
	return a.threshold
}

// Observe folds outcome into before. It returns the new state and, when the
// outcome crosses a health transition, the event to dispatch:
//
//	healthy + success        -> healthy,      no event
//	healthy + failure        -> failing(1),   warning (critical when threshold <= 1)
//	failing(n) + failure     -> failing(n+1), critical iff n+1 == threshold
//	failing(n) + success     -> healthy,      recovery
//
// Skipped and cancelled outcomes change nothing.
func (a *Aggregator) Observe(spec *job.Spec, before job.RunState, outcome job.Outcome) (job.RunState, *event.Event) {
	if outcome.Status.IsNeutral() {
		return before, nil
	}

	after := before
	after.JobName = outcome.JobName
	after.LastRunAt = outcome.StartedAt
	after.LastOutcome = outcome.Status

	if !outcome.Status.IsFailure() {
		after.ConsecutiveFailures = 0
		after.FailingSince = time.Time{}
		if before.Healthy() {
			return after, nil
		}

		msg := fmt.Sprintf("%s recovered after %d consecutive failures", outcome.JobName, before.ConsecutiveFailures)
		recoveredAt := outcome.StartedAt.Add(outcome.Duration)
		return after, a.build(spec, event.SeverityRecovery, event.TransitionRecovered, outcome.JobName, msg, recoveredAt)
	}

	after.ConsecutiveFailures = before.ConsecutiveFailures + 1
	if before.Healthy() || after.FailingSince.IsZero() {
		after.FailingSince = outcome.StartedAt
	}

	threshold := a.Threshold(spec)
	msg := failureMessage(outcome, after.ConsecutiveFailures)

	switch {
	case after.ConsecutiveFailures == 1 && threshold <= 1:
		return after, a.build(spec, event.SeverityCritical, event.TransitionEscalated, outcome.JobName, msg, after.FailingSince)
	case after.ConsecutiveFailures == 1:
		return after, a.build(spec, event.SeverityWarning, event.TransitionFailing, outcome.JobName, msg, after.FailingSince)
	case after.ConsecutiveFailures == threshold:
		return after, a.build(spec, event.SeverityCritical, event.TransitionEscalated, outcome.JobName, msg, after.FailingSince)
	default:
		return after, nil
	}
}

func (a *Aggregator) build(spec *job.Spec, sev event.Severity, tr event.Transition, name, msg string, firstSeen time.Time) *event.Event {
	ev := event.New(sev, tr, name, msg, firstSeen)
	if spec != nil && len(spec.Channels) > 0 {
		ev.Channels = append([]string(nil), spec.Channels...)
	}
	return &ev
}

func failureMessage(outcome job.Outcome, n int) string {
	if n == 1 {
		return fmt.Sprintf("%s %s: %s", outcome.JobName, outcome.Status, outcome.Reason)
	}
	return fmt.Sprintf("%s %s %d times in a row: %s", outcome.JobName, outcome.Status, n, outcome.Reason)
}
