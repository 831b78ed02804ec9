// Package scheduler owns every job's run state and decides which jobs are
// due on each tick.
package scheduler

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-tick/caretaker/internal/aggregator"
	"github.com/go-tick/caretaker/internal/event"
	"github.com/go-tick/caretaker/internal/job"
)

var ErrNotRunning = errors.New("job is not running")

// Due is a claimed activation. The job counts as executing until Release.
type Due struct {
	Spec        *job.Spec
	ScheduledAt time.Time
}

type Scheduler struct {
	mu       sync.Mutex
	registry *job.Registry
	agg      *aggregator.Aggregator
	states   map[string]job.RunState
	running  map[string]time.Time
	// settling holds completed jobs whose result is still being persisted
	// and published. Tick neither claims them nor reports overruns for them.
	settling map[string]struct{}
	// skipped holds the latest slot reported as an overrun for a running job.
	skipped  map[string]time.Time
	draining bool
}

// New builds a scheduler for every job in registry. Jobs found in restored
// keep their persisted state; the rest become due at their first activation
// after now.
func New(registry *job.Registry, agg *aggregator.Aggregator, restored map[string]job.RunState, now time.Time) *Scheduler {
	s := &Scheduler{
		registry: registry,
		agg:      agg,
		states:   make(map[string]job.RunState, registry.Len()),
		running:  make(map[string]time.Time),
		settling: make(map[string]struct{}),
		skipped:  make(map[string]time.Time),
	}

	for _, spec := range registry.All() {
		if st, ok := restored[spec.Name]; ok {
			st.JobName = spec.Name
			s.states[spec.Name] = st
			continue
		}

		st := job.RunState{JobName: spec.Name}
		if next, ok := spec.Schedule.Next(now); ok {
			st.NextDueAt = next
		}
		s.states[spec.Name] = st
	}

	return s
}

// Tick claims every job whose NextDueAt is not after now and which is not
// executing. A running job whose next slot has arrived is reported once per
// slot as an overrun outcome instead.
func (s *Scheduler) Tick(now time.Time) ([]Due, []job.Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.draining {
		return nil, nil
	}

	var (
		due     []Due
		skipped []job.Outcome
	)
	for _, spec := range s.registry.All() {
		st := s.states[spec.Name]

		if _, ok := s.settling[spec.Name]; ok {
			continue
		}

		if slot, busy := s.running[spec.Name]; busy {
			if last, ok := s.skipped[spec.Name]; ok {
				slot = last
			}
			if overrun, ok := latestSlot(spec, slot, now); ok {
				s.skipped[spec.Name] = overrun
				skipped = append(skipped, job.Overrun(spec.Name, overrun))
			}
			continue
		}

		if st.Exhausted() || st.NextDueAt.After(now) {
			continue
		}

		s.running[spec.Name] = st.NextDueAt
		due = append(due, Due{Spec: spec, ScheduledAt: st.NextDueAt})
	}

	return due, skipped
}

// latestSlot returns the last activation after from that is not after now.
func latestSlot(spec *job.Spec, from, now time.Time) (time.Time, bool) {
	next, ok := spec.Schedule.Next(from)
	if !ok || next.After(now) {
		return time.Time{}, false
	}

	for {
		after, ok := spec.Schedule.Next(next)
		if !ok || after.After(now) {
			return next, true
		}
		next = after
	}
}

// Complete settles the job claimed at scheduledAt, folds outcome into its
// state and advances NextDueAt from the scheduled slot. Slots already
// reported as overruns are not run again; a job that has fallen more than a
// full period behind resynchronizes to its first activation after now.
// The claim is held until Release.
func (s *Scheduler) Complete(name string, scheduledAt time.Time, outcome job.Outcome, now time.Time) (job.RunState, *event.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	slot, ok := s.running[name]
	if !ok || !slot.Equal(scheduledAt) {
		return job.RunState{}, nil, fmt.Errorf("%w: %s at %s", ErrNotRunning, name, scheduledAt.Format(time.RFC3339))
	}
	spec, err := s.registry.Get(name)
	if err != nil {
		return job.RunState{}, nil, err
	}

	base := scheduledAt
	if last, ok := s.skipped[name]; ok && last.After(base) {
		base = last
	}
	delete(s.running, name)
	delete(s.skipped, name)
	s.settling[name] = struct{}{}

	after, ev := s.agg.Observe(spec, s.states[name], outcome)
	after.NextDueAt = advance(spec, base, now)
	s.states[name] = after

	return after, ev, nil
}

func advance(spec *job.Spec, base, now time.Time) time.Time {
	next, ok := spec.Schedule.Next(base)
	if !ok {
		return time.Time{}
	}

	if period := spec.Schedule.Period(base); period > 0 && now.Sub(next) > period {
		if resync, ok := spec.Schedule.Next(now); ok {
			return resync
		}
		return time.Time{}
	}

	return next
}

// Release ends the claim that Complete left in place. Until then the job
// is not claimed again, so state saves and events of one job stay ordered.
func (s *Scheduler) Release(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.settling, name)
}

// Drain stops Tick from claiming any further job. Runs already claimed may
// still Complete.
func (s *Scheduler) Drain() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.draining = true
}

// Running returns the number of claimed, unreleased jobs.
func (s *Scheduler) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running) + len(s.settling)
}

// IsRunning reports whether a job has a claimed, unreleased activation.
func (s *Scheduler) IsRunning(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, running := s.running[name]
	_, settling := s.settling[name]
	return running || settling
}

// State returns a copy of a job's run state.
func (s *Scheduler) State(name string) (job.RunState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[name]
	return st, ok
}

// States returns a copy of every run state ordered by job name.
func (s *Scheduler) States() []job.RunState {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]job.RunState, 0, len(s.states))
	for _, st := range s.states {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JobName < out[j].JobName })
	return out
}
