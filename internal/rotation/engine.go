// Package rotation rotates, compresses and prunes log files as a resumable,
// checkpointed state machine.
package rotation

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-tick/caretaker/internal/logger"
)

// TimestampLayout is embedded in rotated file names.
const TimestampLayout = "20060102T150405.000000000Z"

const gzipExt = ".gz"

var ErrTargetVanished = errors.New("rotation target and rotated file are both missing")

// Target describes one file under rotation management. A zero MaxSize or
// MaxAge disables that trigger; a zero RetentionCount keeps every rotated file.
type Target struct {
	Path           string
	MaxSize        int64
	MaxAge         time.Duration
	RetentionCount int
	Compress       bool
}

// Report summarizes one Rotate call.
type Report struct {
	Path       string
	Rotated    string
	Compressed bool
	Resumed    bool
	Pruned     []string
}

// Performed reports whether anything changed on disk.
func (r Report) Performed() bool {
	return r.Rotated != "" || len(r.Pruned) > 0
}

type Engine struct {
	store    CheckpointStore
	log      logger.Logger
	now      func() time.Time
	compress func(src, dst string) error
	onStep   func(path string, step Step)
	// interrupt is consulted after each checkpoint is saved.
	interrupt func(step Step) error
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithStepObserver is called after every persisted step.
func WithStepObserver(fn func(path string, step Step)) Option {
	return func(e *Engine) { e.onStep = fn }
}

func NewEngine(store CheckpointStore, log logger.Logger, options ...Option) *Engine {
	if log == nil {
		log = logger.NewNop()
	}
	e := &Engine{
		store:    store,
		log:      log,
		now:      time.Now,
		compress: gzipFile,
	}
	for _, option := range options {
		option(e)
	}
	return e
}

// Rotate resumes an interrupted rotation of t, or starts a new one when t is
// due. Every completed step is checkpointed before the next begins.
func (e *Engine) Rotate(ctx context.Context, t Target) (Report, error) {
	report := Report{Path: t.Path}

	cp, ok, err := e.store.LoadCheckpoint(ctx, t.Path)
	if err != nil {
		return report, fmt.Errorf("load checkpoint: %w", err)
	}
	if !ok {
		cp = Checkpoint{Path: t.Path, Step: StepIdle}
	}

	if cp.InProgress() {
		report.Resumed = true
		e.log.Info("resuming rotation",
			logger.String("path", t.Path),
			logger.String("step", string(cp.Step)),
		)
		return e.run(ctx, t, cp, report)
	}

	due, err := e.due(ctx, t, &cp)
	if err != nil || !due {
		return report, err
	}

	ts := e.now().UTC()
	cp.Step = StepRotating
	cp.Rotated = t.Path + "." + ts.Format(TimestampLayout)
	cp.Timestamp = ts
	if err := e.save(ctx, cp); err != nil {
		return report, err
	}

	return e.run(ctx, t, cp, report)
}

func (e *Engine) due(ctx context.Context, t Target, cp *Checkpoint) (bool, error) {
	info, err := os.Stat(t.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if info.Size() == 0 {
		return false, nil
	}

	if t.MaxSize > 0 && info.Size() >= t.MaxSize {
		return true, nil
	}

	if t.MaxAge > 0 {
		since := cp.LastRotatedAt
		if since.IsZero() {
			if cp.TrackedSince.IsZero() {
				cp.TrackedSince = e.now().UTC()
				if err := e.store.SaveCheckpoint(ctx, *cp); err != nil {
					return false, fmt.Errorf("save checkpoint: %w", err)
				}
			}
			// A file that is written to keeps a fresh mtime, so its age
			// counts from when it was first seen unless the mtime is older.
			since = cp.TrackedSince
			if mtime := info.ModTime(); mtime.Before(since) {
				since = mtime
			}
		}
		if e.now().Sub(since) >= t.MaxAge {
			return true, nil
		}
	}

	return false, nil
}

func (e *Engine) run(ctx context.Context, t Target, cp Checkpoint, report Report) (Report, error) {
	for {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		switch cp.Step {
		case StepRotating:
			if err := e.rename(t.Path, cp.Rotated); err != nil {
				return report, err
			}
			cp.Step = StepRenamed
			cp.LastRotatedAt = cp.Timestamp
			report.Rotated = cp.Rotated

		case StepRenamed:
			report.Rotated = cp.Rotated
			if t.Compress {
				if err := e.compressRotated(cp.Rotated); err != nil {
					e.log.Warn("compression failed, keeping uncompressed file",
						logger.String("path", cp.Rotated),
						logger.Error(err),
					)
				} else {
					report.Compressed = true
				}
			}
			cp.Step = StepCompressed

		case StepCompressed:
			pruned, err := e.prune(t)
			report.Pruned = pruned
			if err != nil {
				return report, err
			}
			cp.Step = StepIdle
			cp.Rotated = ""

		default:
			return report, nil
		}

		if err := e.save(ctx, cp); err != nil {
			return report, err
		}
		if e.interrupt != nil {
			if err := e.interrupt(cp.Step); err != nil {
				return report, err
			}
		}
	}
}

// rename moves the active file aside and recreates it with the same mode.
// It is safe to repeat after a crash at any point.
func (e *Engine) rename(active, rotated string) error {
	rotatedInfo, rotatedErr := os.Stat(rotated)
	activeInfo, activeErr := os.Stat(active)

	var mode fs.FileMode
	switch {
	case rotatedErr == nil:
		mode = rotatedInfo.Mode().Perm()
	case errors.Is(rotatedErr, fs.ErrNotExist) && activeErr == nil:
		mode = activeInfo.Mode().Perm()
		if err := os.Rename(active, rotated); err != nil {
			return fmt.Errorf("rename %s: %w", active, err)
		}
	case errors.Is(rotatedErr, fs.ErrNotExist) && errors.Is(activeErr, fs.ErrNotExist):
		return fmt.Errorf("%w: %s", ErrTargetVanished, active)
	case rotatedErr != nil:
		return rotatedErr
	default:
		return activeErr
	}

	f, err := os.OpenFile(active, os.O_CREATE|os.O_EXCL|os.O_WRONLY, mode)
	switch {
	case errors.Is(err, fs.ErrExist):
	case err != nil:
		return fmt.Errorf("recreate %s: %w", active, err)
	default:
		if err := f.Close(); err != nil {
			return err
		}
	}

	return syncDir(filepath.Dir(active))
}

func (e *Engine) compressRotated(rotated string) error {
	dst := rotated + gzipExt

	if _, err := os.Stat(rotated); errors.Is(err, fs.ErrNotExist) {
		if _, err := os.Stat(dst); err == nil {
			return nil
		}
		return fmt.Errorf("rotated file %s is missing", rotated)
	}

	if _, err := os.Stat(dst); err != nil {
		if err := e.compress(rotated, dst); err != nil {
			return err
		}
	}

	if err := os.Remove(rotated); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return syncDir(filepath.Dir(rotated))
}

// prune deletes rotated generations beyond the retention count, oldest
// first by the timestamp in their name. A plain and a compressed file with
// the same timestamp are one generation.
func (e *Engine) prune(t Target) ([]string, error) {
	if t.RetentionCount <= 0 {
		return nil, nil
	}

	rotated, err := RotatedFiles(t.Path)
	if err != nil {
		return nil, err
	}

	var (
		pruned      []string
		generations int
	)
	for i, rf := range rotated {
		if i == 0 || !rf.Timestamp.Equal(rotated[i-1].Timestamp) {
			generations++
		}
		if generations <= t.RetentionCount {
			continue
		}
		if err := os.Remove(rf.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return pruned, fmt.Errorf("prune %s: %w", rf.Path, err)
		}
		pruned = append(pruned, rf.Path)
	}
	return pruned, nil
}

// RotatedFile is a rotated sibling of an active file.
type RotatedFile struct {
	Path      string
	Timestamp time.Time
}

// RotatedFiles lists the rotated siblings of active, newest first.
func RotatedFiles(active string) ([]RotatedFile, error) {
	dir, base := filepath.Split(active)
	if dir == "" {
		dir = "."
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	prefix := base + "."
	files := make([]RotatedFile, 0)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, prefix) {
			continue
		}

		stamp := strings.TrimSuffix(strings.TrimPrefix(name, prefix), gzipExt)
		ts, err := time.Parse(TimestampLayout, stamp)
		if err != nil {
			continue
		}
		files = append(files, RotatedFile{Path: filepath.Join(dir, name), Timestamp: ts})
	}

	sort.Slice(files, func(i, j int) bool {
		if files[i].Timestamp.Equal(files[j].Timestamp) {
			return files[i].Path > files[j].Path
		}
		return files[i].Timestamp.After(files[j].Timestamp)
	})
	return files, nil
}

func (e *Engine) save(ctx context.Context, cp Checkpoint) error {
	if err := e.store.SaveCheckpoint(ctx, cp); err != nil {
		return fmt.Errorf("save checkpoint %s: %w", cp.Step, err)
	}
	if e.onStep != nil {
		e.onStep(cp.Path, cp.Step)
	}
	return nil
}
