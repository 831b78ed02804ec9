// Package notify delivers events to notification channels with retries,
// per-channel circuit breaking and a durable queue.
package notify

import (
	"context"
	"errors"

	"github.com/go-tick/caretaker/internal/event"
)

// ErrPermanent marks a delivery error that retrying cannot fix.
var ErrPermanent = errors.New("permanent delivery failure")

// Channel is one notification destination.
type Channel interface {
	Name() string
	Deliver(ctx context.Context, ev event.Event) error
}

// Permanent wraps err so the dispatcher dead-letters without retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err}
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() []error {
	return []error{ErrPermanent, e.err}
}
