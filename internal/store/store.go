// Package store is the single serialization point for persisted engine
// state. Records are JSON values under logical keys:
//
//	jobstate/<job>
//	rotation/<path>
//	deadletters/<eventID>/<channel>
//	pending/<eventID>
//	overruns/<job>/<id>
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-tick/caretaker/internal/event"
	"github.com/go-tick/caretaker/internal/job"
	"github.com/go-tick/caretaker/internal/repository"
	"github.com/go-tick/caretaker/internal/rotation"
	"github.com/google/uuid"
)

const (
	jobStatePrefix   = "jobstate/"
	rotationPrefix   = "rotation/"
	deadLetterPrefix = "deadletters/"
	pendingPrefix    = "pending/"
	overrunPrefix    = "overruns/"

	pageSize = 500
)

var ErrUnreachable = errors.New("state store unreachable")

// DeliveryStatus is the terminal result of delivering an event to one channel.
type DeliveryStatus string

const (
	Delivered    DeliveryStatus = "delivered"
	DeadLettered DeliveryStatus = "dead_lettered"
)

// DeadLetter is an event a channel never accepted.
type DeadLetter struct {
	Event      event.Event `json:"event"`
	Channel    string      `json:"channel"`
	Reason     string      `json:"reason"`
	Attempts   int         `json:"attempts"`
	RecordedAt time.Time   `json:"recorded_at"`
}

// Pending is a durable dispatcher queue entry. Channels not in Done still
// need delivery.
type Pending struct {
	Event      event.Event               `json:"event"`
	Channels   []string                  `json:"channels"`
	Done       map[string]DeliveryStatus `json:"done,omitempty"`
	EnqueuedAt time.Time                 `json:"enqueued_at"`
}

// Remaining returns the channels still awaiting a terminal result.
func (p Pending) Remaining() []string {
	out := make([]string, 0, len(p.Channels))
	for _, ch := range p.Channels {
		if _, done := p.Done[ch]; !done {
			out = append(out, ch)
		}
	}
	return out
}

// Overrun is a persisted skipped-overrun outcome.
type Overrun struct {
	ID      string      `json:"id"`
	Outcome job.Outcome `json:"outcome"`
}

type Store struct {
	repo  repository.Repository
	locks *keyedMutex
	now   func() time.Time
}

func New(repo repository.Repository) *Store {
	return &Store{repo: repo, locks: newKeyedMutex(), now: time.Now}
}

// Ping fails with ErrUnreachable when the backend cannot be reached.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.repo.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrUnreachable, err)
	}
	return nil
}

func (s *Store) LoadJobStates(ctx context.Context) (map[string]job.RunState, error) {
	states := make(map[string]job.RunState)
	err := s.scan(ctx, jobStatePrefix, func(key string, value []byte) error {
		var st job.RunState
		if err := json.Unmarshal(value, &st); err != nil {
			return fmt.Errorf("decode %s: %w", key, err)
		}
		states[strings.TrimPrefix(key, jobStatePrefix)] = st
		return nil
	})
	return states, err
}

func (s *Store) SaveJobState(ctx context.Context, st job.RunState) error {
	return s.put(ctx, jobStatePrefix+st.JobName, st)
}

func (s *Store) LoadCheckpoint(ctx context.Context, path string) (rotation.Checkpoint, bool, error) {
	var cp rotation.Checkpoint
	rec, err := s.repo.Get(ctx, rotationPrefix+path)
	if errors.Is(err, repository.ErrNotFound) {
		return cp, false, nil
	}
	if err != nil {
		return cp, false, err
	}
	if err := json.Unmarshal(rec.Value, &cp); err != nil {
		return cp, false, fmt.Errorf("decode checkpoint %s: %w", path, err)
	}
	return cp, true, nil
}

func (s *Store) SaveCheckpoint(ctx context.Context, cp rotation.Checkpoint) error {
	return s.put(ctx, rotationPrefix+cp.Path, cp)
}

func (s *Store) SaveDeadLetter(ctx context.Context, dl DeadLetter) error {
	if dl.RecordedAt.IsZero() {
		dl.RecordedAt = s.now()
	}
	return s.put(ctx, deadLetterKey(dl.Event.ID, dl.Channel), dl)
}

func (s *Store) ListDeadLetters(ctx context.Context, limit, offset int) ([]DeadLetter, error) {
	recs, err := s.repo.List(ctx, deadLetterPrefix, limit, offset)
	if err != nil {
		return nil, err
	}

	out := make([]DeadLetter, 0, len(recs))
	for _, rec := range recs {
		var dl DeadLetter
		if err := json.Unmarshal(rec.Value, &dl); err != nil {
			return nil, fmt.Errorf("decode %s: %w", rec.Key, err)
		}
		out = append(out, dl)
	}
	return out, nil
}

// DeleteDeadLetters removes every dead letter of an event and returns how
// many were removed.
func (s *Store) DeleteDeadLetters(ctx context.Context, eventID string) (int, error) {
	prefix := deadLetterPrefix + eventID + "/"
	recs, err := s.repo.List(ctx, prefix, 0, 0)
	if err != nil {
		return 0, err
	}

	for _, rec := range recs {
		if err := s.delete(ctx, rec.Key); err != nil {
			return 0, err
		}
	}
	return len(recs), nil
}

// PruneDeadLetters deletes dead letters recorded before cutoff.
func (s *Store) PruneDeadLetters(ctx context.Context, cutoff time.Time) (int, error) {
	var stale []string
	err := s.scan(ctx, deadLetterPrefix, func(key string, value []byte) error {
		var dl DeadLetter
		if err := json.Unmarshal(value, &dl); err != nil {
			return fmt.Errorf("decode %s: %w", key, err)
		}
		if dl.RecordedAt.Before(cutoff) {
			stale = append(stale, key)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	for _, key := range stale {
		if err := s.delete(ctx, key); err != nil {
			return 0, err
		}
	}
	return len(stale), nil
}

// AddPending writes a queue entry unless one already exists for the event.
func (s *Store) AddPending(ctx context.Context, p Pending) error {
	if p.EnqueuedAt.IsZero() {
		p.EnqueuedAt = s.now()
	}
	value, err := json.Marshal(p)
	if err != nil {
		return err
	}

	key := pendingPrefix + p.Event.ID
	unlock := s.locks.Lock(key)
	defer unlock()

	return s.repo.Update(ctx, key, func(current []byte, exists bool) ([]byte, error) {
		if exists {
			return current, nil
		}
		return value, nil
	})
}

// CompletePending records a channel's terminal result and deletes the entry
// once every channel has one. It returns the channels still remaining.
func (s *Store) CompletePending(ctx context.Context, eventID, channel string, status DeliveryStatus) ([]string, error) {
	key := pendingPrefix + eventID
	unlock := s.locks.Lock(key)
	defer unlock()

	var remaining []string
	err := s.repo.Update(ctx, key, func(current []byte, exists bool) ([]byte, error) {
		if !exists {
			return nil, nil
		}

		var p Pending
		if err := json.Unmarshal(current, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", key, err)
		}
		if p.Done == nil {
			p.Done = make(map[string]DeliveryStatus)
		}
		p.Done[channel] = status

		remaining = p.Remaining()
		if len(remaining) == 0 {
			return nil, nil
		}
		return json.Marshal(p)
	})
	return remaining, err
}

func (s *Store) ListPending(ctx context.Context) ([]Pending, error) {
	out := make([]Pending, 0)
	err := s.scan(ctx, pendingPrefix, func(key string, value []byte) error {
		var p Pending
		if err := json.Unmarshal(value, &p); err != nil {
			return fmt.Errorf("decode %s: %w", key, err)
		}
		out = append(out, p)
		return nil
	})
	return out, err
}

func (s *Store) RecordOverrun(ctx context.Context, outcome job.Outcome) (Overrun, error) {
	o := Overrun{
		ID:      fmt.Sprintf("%020d-%s", outcome.StartedAt.UnixNano(), uuid.NewString()[:8]),
		Outcome: outcome,
	}
	return o, s.put(ctx, overrunPrefix+outcome.JobName+"/"+o.ID, o)
}

// ListOverruns lists overruns oldest first, for one job or, with an empty
// name, for all jobs.
func (s *Store) ListOverruns(ctx context.Context, jobName string, limit, offset int) ([]Overrun, error) {
	prefix := overrunPrefix
	if jobName != "" {
		prefix += jobName + "/"
	}

	recs, err := s.repo.List(ctx, prefix, limit, offset)
	if err != nil {
		return nil, err
	}

	out := make([]Overrun, 0, len(recs))
	for _, rec := range recs {
		var o Overrun
		if err := json.Unmarshal(rec.Value, &o); err != nil {
			return nil, fmt.Errorf("decode %s: %w", rec.Key, err)
		}
		out = append(out, o)
	}
	return out, nil
}

// PruneOverruns deletes overruns whose slot is before cutoff.
func (s *Store) PruneOverruns(ctx context.Context, cutoff time.Time) (int, error) {
	var stale []string
	err := s.scan(ctx, overrunPrefix, func(key string, value []byte) error {
		var o Overrun
		if err := json.Unmarshal(value, &o); err != nil {
			return fmt.Errorf("decode %s: %w", key, err)
		}
		if o.Outcome.StartedAt.Before(cutoff) {
			stale = append(stale, key)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	for _, key := range stale {
		if err := s.delete(ctx, key); err != nil {
			return 0, err
		}
	}
	return len(stale), nil
}

func (s *Store) put(ctx context.Context, key string, v any) error {
	value, err := json.Marshal(v)
	if err != nil {
		return err
	}

	unlock := s.locks.Lock(key)
	defer unlock()

	return s.repo.Update(ctx, key, func([]byte, bool) ([]byte, error) {
		return value, nil
	})
}

func (s *Store) delete(ctx context.Context, key string) error {
	unlock := s.locks.Lock(key)
	defer unlock()

	return s.repo.Delete(ctx, key)
}

// scan pages through every record under prefix.
func (s *Store) scan(ctx context.Context, prefix string, fn func(key string, value []byte) error) error {
	for offset := 0; ; offset += pageSize {
		recs, err := s.repo.List(ctx, prefix, pageSize, offset)
		if err != nil {
			return err
		}

		for _, rec := range recs {
			if err := fn(rec.Key, rec.Value); err != nil {
				return err
			}
		}

		if len(recs) < pageSize {
			return nil
		}
	}
}

func deadLetterKey(eventID, channel string) string {
	return deadLetterPrefix + eventID + "/" + channel
}

var _ rotation.CheckpointStore = (*Store)(nil)
