package rotation

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-tick/caretaker/internal/job"
	"github.com/go-tick/caretaker/internal/logger"
)

// DefaultSweepAge matches the usual quarterly log retention.
const DefaultSweepAge = 90 * 24 * time.Hour

// Sweep deletes files under Dir, recursively, whose mtime is older than
// MaxAge. Pattern, when set, is matched against the base name.
type Sweep struct {
	Dir     string
	MaxAge  time.Duration
	Pattern string
}

// SweepReport lists what a sweep deleted and what it could not.
type SweepReport struct {
	Deleted []string
	Failed  map[string]error
}

func (e *Engine) Sweep(ctx context.Context, s Sweep) (SweepReport, error) {
	report := SweepReport{Failed: make(map[string]error)}
	if s.MaxAge <= 0 {
		s.MaxAge = DefaultSweepAge
	}
	if s.Pattern != "" {
		if _, err := filepath.Match(s.Pattern, ""); err != nil {
			return report, fmt.Errorf("bad pattern %q: %w", s.Pattern, err)
		}
	}
	cutoff := e.now().Add(-s.MaxAge)

	err := filepath.WalkDir(s.Dir, func(path string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			if path == s.Dir {
				return err
			}
			report.Failed[path] = err
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if s.Pattern != "" {
			if ok, _ := filepath.Match(s.Pattern, d.Name()); !ok {
				return nil
			}
		}

		info, err := d.Info()
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err != nil {
			report.Failed[path] = err
			return nil
		}
		if !info.ModTime().Before(cutoff) {
			return nil
		}

		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			report.Failed[path] = err
			return nil
		}
		report.Deleted = append(report.Deleted, path)
		return nil
	})

	return report, err
}

// Action returns a cleanup job action that rotates every target and runs
// every sweep. Checkpoint store errors are reported as transient.
func (e *Engine) Action(targets []Target, sweeps []Sweep) job.Action {
	return func(ctx context.Context) job.Result {
		var (
			lines     []string
			failed    bool
			transient bool
		)

		for _, t := range targets {
			report, err := e.Rotate(ctx, t)
			switch {
			case err != nil:
				failed = true
				transient = transient || !errors.Is(err, ErrTargetVanished)
				lines = append(lines, fmt.Sprintf("%s: %v", t.Path, err))
				e.log.Error("rotation failed", logger.String("path", t.Path), logger.Error(err))
			case report.Performed():
				lines = append(lines, fmt.Sprintf("%s: rotated to %s (compressed=%t, pruned=%d)",
					t.Path, report.Rotated, report.Compressed, len(report.Pruned)))
				e.log.Info("rotated",
					logger.String("path", t.Path),
					logger.String("rotated", report.Rotated),
					logger.Bool("compressed", report.Compressed),
					logger.Strings("pruned", report.Pruned),
				)
			}
		}

		for _, s := range sweeps {
			if s.MaxAge <= 0 {
				s.MaxAge = DefaultSweepAge
			}
			report, err := e.Sweep(ctx, s)
			if err != nil {
				failed = true
				lines = append(lines, fmt.Sprintf("sweep %s: %v", s.Dir, err))
				continue
			}
			lines = append(lines, fmt.Sprintf("sweep %s: deleted %d files older than %s", s.Dir, len(report.Deleted), s.MaxAge))
			for path, ferr := range report.Failed {
				lines = append(lines, fmt.Sprintf("  cannot delete %s: %v", path, ferr))
			}
			if len(report.Deleted) > 0 {
				e.log.Info("swept old files", logger.String("dir", s.Dir), logger.Strings("deleted", report.Deleted))
			}
		}

		detail := strings.Join(lines, "\n")
		switch {
		case failed && transient:
			return job.TransientFailure(detail)
		case failed:
			return job.Failure(detail)
		default:
			return job.Success(detail)
		}
	}
}
