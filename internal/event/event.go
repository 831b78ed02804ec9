// Package event defines the notification-worthy facts derived from job
// state transitions.
package event

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
	SeverityRecovery Severity = "recovery"
)

// Transition names the state change an event reports. It is the second half
// of every dedup key.
type Transition string

const (
	TransitionFailing   Transition = "failing"
	TransitionEscalated Transition = "escalated"
	TransitionRecovered Transition = "recovered"
)

// Event is created by the aggregator and consumed by the dispatcher.
type Event struct {
	ID          string     `json:"id"`
	Severity    Severity   `json:"severity"`
	Transition  Transition `json:"transition"`
	JobName     string     `json:"job_name"`
	Message     string     `json:"message"`
	FirstSeenAt time.Time  `json:"first_seen_at"`
	DedupKey    string     `json:"dedup_key"`
	// Channels restricts delivery; empty means every configured channel.
	Channels []string `json:"channels,omitempty"`
}

// New builds an event with a fresh ID and its dedup key.
func New(severity Severity, transition Transition, jobName, message string, firstSeenAt time.Time) Event {
	return Event{
		ID:          uuid.NewString(),
		Severity:    severity,
		Transition:  transition,
		JobName:     jobName,
		Message:     message,
		FirstSeenAt: firstSeenAt,
		DedupKey:    DedupKey(jobName, transition),
	}
}

// DedupKey is jobName + transition kind.
func DedupKey(jobName string, transition Transition) string {
	return jobName + ":" + string(transition)
}

// Identity distinguishes one logical occurrence from another with the same
// dedup key: a job that fails, recovers and fails again produces two
// "failing" events with different FirstSeenAt.
func (e Event) Identity() string {
	return fmt.Sprintf("%s@%d", e.DedupKey, e.FirstSeenAt.UnixNano())
}

// Subject renders a one-line summary for channels that need a title.
func (e Event) Subject() string {
	return fmt.Sprintf("[%s] %s: %s", severityLabel(e.Severity), e.JobName, e.Transition)
}

func severityLabel(s Severity) string {
	switch s {
	case SeverityCritical:
		return "CRITICAL"
	case SeverityWarning:
		return "WARNING"
	case SeverityRecovery:
		return "RECOVERED"
	default:
		return "INFO"
	}
}
