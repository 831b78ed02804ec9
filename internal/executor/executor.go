// Package executor runs one job action under a deadline, converting every
// way an action can end into a job.Outcome.
package executor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-tick/caretaker/internal/job"
	"github.com/go-tick/caretaker/internal/logger"
	"github.com/go-tick/caretaker/internal/retry"
)

// DefaultMaxOutput bounds Outcome.Output.
const DefaultMaxOutput = 4 << 10

const maxReason = 200

var errTransient = errors.New("transient failure")

type Config struct {
	// MaxOutput bounds the captured action detail in bytes.
	MaxOutput int
	// Now defaults to time.Now.
	Now func() time.Time
}

// Executor is safe for concurrent use; each Run is independent.
type Executor struct {
	maxOutput int
	now       func() time.Time
	log       logger.Logger
}

func New(cfg Config, log logger.Logger) *Executor {
	if cfg.MaxOutput <= 0 {
		cfg.MaxOutput = DefaultMaxOutput
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if log == nil {
		log = logger.NewNop()
	}

	return &Executor{maxOutput: cfg.MaxOutput, now: cfg.Now, log: log}
}

type attemptResult struct {
	status    job.Status
	transient bool
	reason    string
	detail    string
}

// Run executes spec.Action and never panics. Each attempt gets spec.Timeout;
// only failures the action marks transient are retried, following
// spec.Retry. Cancellation of ctx yields a cancelled outcome.
func (e *Executor) Run(ctx context.Context, spec *job.Spec) job.Outcome {
	started := e.now()
	log := e.log.With(logger.String("job", spec.Name))

	var last attemptResult
	cfg := retry.Config{
		MaxAttempts:  spec.Retry.MaxAttempts,
		InitialDelay: spec.Retry.InitialDelay,
		MaxDelay:     spec.Retry.MaxDelay,
		Multiplier:   spec.Retry.Multiplier,
		IsRetryable:  func(err error) bool { return errors.Is(err, errTransient) },
	}

	attempts, err := retry.Do(ctx, cfg, func(attempt int) error {
		last = e.attempt(ctx, spec)
		if last.transient {
			log.Debug("transient failure",
				logger.Int("attempt", attempt),
				logger.String("detail", e.bound(last.detail, maxReason)),
			)
			return errTransient
		}
		if last.status != job.StatusSuccess {
			return errors.New(last.reason)
		}
		return nil
	})
	if errors.Is(err, retry.ErrContextCancelled) && last.status != job.StatusCancelled {
		last = attemptResult{status: job.StatusCancelled, reason: "cancelled", detail: last.detail}
	}
	if attempts == 0 {
		attempts = 1
	}

	outcome := job.Outcome{
		JobName:   spec.Name,
		Status:    last.status,
		Reason:    e.bound(last.reason, maxReason),
		StartedAt: started,
		Duration:  e.now().Sub(started),
		Output:    e.bound(last.detail, e.maxOutput),
		Attempts:  attempts,
	}

	if outcome.Status.IsFailure() {
		log.Warn("job failed",
			logger.String("status", string(outcome.Status)),
			logger.String("reason", outcome.Reason),
			logger.Int("attempts", outcome.Attempts),
			logger.Duration("duration", outcome.Duration),
		)
	} else {
		log.Debug("job finished",
			logger.String("status", string(outcome.Status)),
			logger.Duration("duration", outcome.Duration),
		)
	}

	return outcome
}

func (e *Executor) attempt(ctx context.Context, spec *job.Spec) attemptResult {
	runCtx, cancel := context.WithTimeout(ctx, spec.Timeout)
	defer cancel()

	done := make(chan attemptResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				e.log.Error("action panicked",
					logger.String("job", spec.Name),
					logger.Any("panic", r),
					logger.String("stack", string(debug.Stack())),
				)
				done <- attemptResult{
					status: job.StatusPanicked,
					reason: fmt.Sprintf("panic: %v", r),
				}
			}
		}()

		res := spec.Action(runCtx)
		switch {
		case res.Success:
			done <- attemptResult{status: job.StatusSuccess, detail: res.Detail}
		case res.Transient:
			done <- attemptResult{
				status:    job.StatusFailure,
				transient: true,
				reason:    firstLine(res.Detail, "transient failure"),
				detail:    res.Detail,
			}
		default:
			done <- attemptResult{status: job.StatusFailure, reason: firstLine(res.Detail, "failed"), detail: res.Detail}
		}
	}()

	select {
	case r := <-done:
		if r.status != job.StatusSuccess && runCtx.Err() != nil {
			return e.interrupted(ctx, spec, r.detail)
		}
		return r
	case <-runCtx.Done():
		// The action goroutine is abandoned; done is buffered so it never leaks
		// blocked on send.
		return e.interrupted(ctx, spec, "")
	}
}

func (e *Executor) interrupted(parent context.Context, spec *job.Spec, detail string) attemptResult {
	if parent.Err() != nil {
		return attemptResult{status: job.StatusCancelled, reason: "cancelled", detail: detail}
	}
	return attemptResult{
		status: job.StatusTimedOut,
		reason: fmt.Sprintf("timed out after %s", spec.Timeout),
		detail: detail,
	}
}

func (e *Executor) bound(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func firstLine(s, fallback string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return fallback
	}
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}
