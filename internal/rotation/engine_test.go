package rotation

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)

var errCrash = errors.New("simulated crash")

type memStore struct {
	mu  sync.Mutex
	cps map[string]Checkpoint
	log []Step
}

func newMemStore() *memStore {
	return &memStore{cps: make(map[string]Checkpoint)}
}

func (m *memStore) LoadCheckpoint(_ context.Context, path string) (Checkpoint, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp, ok := m.cps[path]
	return cp, ok, nil
}

func (m *memStore) SaveCheckpoint(_ context.Context, cp Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cps[cp.Path] = cp
	m.log = append(m.log, cp.Step)
	return nil
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o640))
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(b)
}

func gunzip(t *testing.T, path string) string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	zr, err := gzip.NewReader(f)
	require.NoError(t, err)
	b, err := io.ReadAll(zr)
	require.NoError(t, err)
	return string(b)
}

func TestRotateShouldRenameAndRecreateOnSize(t *testing.T) {
	dir := t.TempDir()
	active := filepath.Join(dir, "app.log")
	writeFile(t, active, "0123456789abcdef")

	store := newMemStore()
	e := NewEngine(store, nil, WithClock(func() time.Time { return t0 }))

	report, err := e.Rotate(context.Background(), Target{Path: active, MaxSize: 10})
	require.NoError(t, err)

	rotated := active + "." + t0.Format(TimestampLayout)
	assert.Equal(t, rotated, report.Rotated)
	assert.Equal(t, "0123456789abcdef", readFile(t, rotated))
	assert.Equal(t, "", readFile(t, active))

	info, err := os.Stat(active)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o640), info.Mode().Perm())

	cp := store.cps[active]
	assert.Equal(t, StepIdle, cp.Step)
	assert.True(t, cp.LastRotatedAt.Equal(t0))
	assert.Equal(t, []Step{StepRotating, StepRenamed, StepCompressed, StepIdle}, store.log)
}

func TestRotateShouldNotRotateEmptyOrFreshFiles(t *testing.T) {
	dir := t.TempDir()
	active := filepath.Join(dir, "app.log")
	writeFile(t, active, "")

	store := newMemStore()
	now := t0
	e := NewEngine(store, nil, WithClock(func() time.Time { return now }))
	target := Target{Path: active, MaxSize: 1, MaxAge: time.Nanosecond}

	report, err := e.Rotate(context.Background(), target)
	require.NoError(t, err)
	assert.False(t, report.Performed())
	assert.Empty(t, store.log)

	_, err = e.Rotate(context.Background(), Target{Path: filepath.Join(dir, "missing.log"), MaxSize: 1})
	require.NoError(t, err)
}

func TestRotateShouldBeIdempotent(t *testing.T) {
	dir := t.TempDir()
	active := filepath.Join(dir, "app.log")
	writeFile(t, active, "some log lines")
	require.NoError(t, os.Chtimes(active, t0, t0))

	store := newMemStore()
	now := t0
	e := NewEngine(store, nil, WithClock(func() time.Time { return now }))
	target := Target{Path: active, MaxAge: time.Hour, Compress: true, RetentionCount: 3}

	now = t0.Add(2 * time.Hour)
	first, err := e.Rotate(context.Background(), target)
	require.NoError(t, err)
	require.True(t, first.Performed())

	writeFile(t, active, "x")
	now = now.Add(time.Minute)
	second, err := e.Rotate(context.Background(), target)
	require.NoError(t, err)
	assert.False(t, second.Performed(), "age counts from the last rotation, not mtime")

	files, err := RotatedFiles(active)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "some log lines", gunzip(t, files[0].Path))
	assert.Equal(t, "x", readFile(t, active))
}

func TestRotateShouldAgeLiveFiles(t *testing.T) {
	tests := []struct {
		name    string
		maxAge  time.Duration
		hours   int
		rotated []int
	}{
		{name: "daily", maxAge: 24 * time.Hour, hours: 24 * 3, rotated: []int{24, 48, 72}},
		{name: "hourly", maxAge: time.Hour, hours: 3, rotated: []int{1, 2, 3}},
		{name: "longer than observed", maxAge: 7 * 24 * time.Hour, hours: 48},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			active := filepath.Join(dir, "app.log")
			writeFile(t, active, "line")

			store := newMemStore()
			now := t0
			e := NewEngine(store, nil, WithClock(func() time.Time { return now }))
			target := Target{Path: active, MaxAge: tt.maxAge}

			var rotated []int
			for h := 0; h <= tt.hours; h++ {
				now = t0.Add(time.Duration(h) * time.Hour)
				// The file is appended to continuously.
				writeFile(t, active, "line")
				mtime := now.Add(-time.Minute)
				require.NoError(t, os.Chtimes(active, mtime, mtime))

				report, err := e.Rotate(context.Background(), target)
				require.NoError(t, err)
				if report.Performed() {
					rotated = append(rotated, h)
				}
			}

			assert.Equal(t, tt.rotated, rotated)
			assert.Equal(t, t0, store.cps[active].TrackedSince)
		})
	}
}

func TestRotateShouldRotateStaleFileOnFirstSight(t *testing.T) {
	dir := t.TempDir()
	active := filepath.Join(dir, "app.log")
	writeFile(t, active, "old lines")
	stale := t0.Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(active, stale, stale))

	e := NewEngine(newMemStore(), nil, WithClock(func() time.Time { return t0 }))
	report, err := e.Rotate(context.Background(), Target{Path: active, MaxAge: 24 * time.Hour})
	require.NoError(t, err)
	assert.True(t, report.Performed())
}

func TestRotateShouldResumeAtCompressionAfterCrash(t *testing.T) {
	dir := t.TempDir()
	active := filepath.Join(dir, "app.log")
	writeFile(t, active, "before crash")

	store := newMemStore()
	clock := func() time.Time { return t0 }
	target := Target{Path: active, MaxSize: 5, Compress: true}

	crashing := NewEngine(store, nil, WithClock(clock))
	crashing.interrupt = func(step Step) error {
		if step == StepRenamed {
			return errCrash
		}
		return nil
	}

	_, err := crashing.Rotate(context.Background(), target)
	require.ErrorIs(t, err, errCrash)
	assert.Equal(t, StepRenamed, store.cps[active].Step)
	assert.Equal(t, "", readFile(t, active))

	writeFile(t, active, "after restart")

	var compressed []string
	restarted := NewEngine(store, nil, WithClock(func() time.Time { return t0.Add(time.Hour) }))
	restarted.compress = func(src, dst string) error {
		compressed = append(compressed, src)
		return gzipFile(src, dst)
	}

	report, err := restarted.Rotate(context.Background(), target)
	require.NoError(t, err)
	assert.True(t, report.Resumed)
	assert.True(t, report.Compressed)

	rotated := active + "." + t0.Format(TimestampLayout)
	assert.Equal(t, []string{rotated}, compressed)
	assert.Equal(t, "before crash", gunzip(t, rotated+gzipExt))
	assert.NoFileExists(t, rotated)
	assert.Equal(t, "after restart", readFile(t, active), "no second rename")
	assert.Equal(t, StepIdle, store.cps[active].Step)
}

func TestRotateShouldResolveInterruptedRename(t *testing.T) {
	tests := []struct {
		name        string
		renamedDone bool
	}{
		{"crash before rename", false},
		{"crash after rename", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			active := filepath.Join(dir, "app.log")
			rotated := active + "." + t0.Format(TimestampLayout)
			writeFile(t, active, "payload")
			if tt.renamedDone {
				require.NoError(t, os.Rename(active, rotated))
			}

			store := newMemStore()
			store.cps[active] = Checkpoint{Path: active, Step: StepRotating, Rotated: rotated, Timestamp: t0}

			e := NewEngine(store, nil, WithClock(func() time.Time { return t0.Add(time.Minute) }))
			report, err := e.Rotate(context.Background(), Target{Path: active, MaxSize: 1})
			require.NoError(t, err)

			assert.Equal(t, rotated, report.Rotated)
			assert.Equal(t, "payload", readFile(t, rotated))
			assert.Equal(t, "", readFile(t, active))

			files, err := RotatedFiles(active)
			require.NoError(t, err)
			assert.Len(t, files, 1)
		})
	}
}

func TestRotateShouldKeepUncompressedFileWhenCompressionFails(t *testing.T) {
	dir := t.TempDir()
	active := filepath.Join(dir, "app.log")
	writeFile(t, active, "keep me")

	store := newMemStore()
	e := NewEngine(store, nil, WithClock(func() time.Time { return t0 }))
	e.compress = func(string, string) error { return errors.New("disk full") }

	report, err := e.Rotate(context.Background(), Target{Path: active, MaxSize: 1, Compress: true})
	require.NoError(t, err)
	assert.False(t, report.Compressed)
	assert.Equal(t, "keep me", readFile(t, report.Rotated))
	assert.NoFileExists(t, report.Rotated+gzipExt)
	assert.Equal(t, StepIdle, store.cps[active].Step)
}

func TestPruneShouldUseEmbeddedTimestampNotMtime(t *testing.T) {
	dir := t.TempDir()
	active := filepath.Join(dir, "app.log")
	writeFile(t, active, "current")

	var old []string
	for i := 1; i <= 4; i++ {
		ts := t0.Add(-time.Duration(i) * 24 * time.Hour)
		p := active + "." + ts.Format(TimestampLayout)
		if i%2 == 0 {
			p += gzipExt
		}
		writeFile(t, p, "old")
		// Older names get newer mtimes.
		mtime := t0.Add(time.Duration(i) * time.Hour)
		require.NoError(t, os.Chtimes(p, mtime, mtime))
		old = append(old, p)
	}
	writeFile(t, filepath.Join(dir, "app.log.notatimestamp"), "ignored")

	e := NewEngine(newMemStore(), nil, WithClock(func() time.Time { return t0 }))
	report, err := e.Rotate(context.Background(), Target{Path: active, MaxSize: 1, RetentionCount: 2})
	require.NoError(t, err)

	assert.ElementsMatch(t, old[1:], report.Pruned)
	assert.FileExists(t, old[0])
	assert.FileExists(t, report.Rotated)
	assert.FileExists(t, filepath.Join(dir, "app.log.notatimestamp"))
}

func TestPruneShouldCountCompressedTwinsOnce(t *testing.T) {
	tests := []struct {
		name      string
		retention int
		kept      []int
	}{
		{name: "keep two", retention: 2, kept: []int{1}},
		{name: "keep three", retention: 3, kept: []int{1, 2}},
		{name: "keep all", retention: 4, kept: []int{1, 2, 3}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			active := filepath.Join(dir, "app.log")
			writeFile(t, active, "current")

			// Day one was left both plain and compressed by an earlier run.
			byDay := make(map[int][]string)
			for day := 1; day <= 3; day++ {
				p := active + "." + t0.Add(-time.Duration(day)*24*time.Hour).Format(TimestampLayout)
				byDay[day] = append(byDay[day], p)
				if day == 1 {
					byDay[day] = append(byDay[day], p+gzipExt)
				}
			}
			for _, paths := range byDay {
				for _, p := range paths {
					writeFile(t, p, "old")
				}
			}

			e := NewEngine(newMemStore(), nil, WithClock(func() time.Time { return t0 }))
			report, err := e.Rotate(context.Background(), Target{Path: active, MaxSize: 1, RetentionCount: tt.retention})
			require.NoError(t, err)
			assert.FileExists(t, report.Rotated)

			var kept, pruned []string
			for day, paths := range byDay {
				if slices.Contains(tt.kept, day) {
					kept = append(kept, paths...)
				} else {
					pruned = append(pruned, paths...)
				}
			}
			for _, p := range kept {
				assert.FileExists(t, p)
			}
			assert.ElementsMatch(t, pruned, report.Pruned)
		})
	}
}

func TestSweepShouldDeleteOldFiles(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "nginx")
	require.NoError(t, os.Mkdir(sub, 0o755))

	oldLog := filepath.Join(sub, "access.log.1")
	oldOther := filepath.Join(dir, "core.dump")
	fresh := filepath.Join(dir, "syslog.log")
	for _, p := range []string{oldLog, oldOther, fresh} {
		writeFile(t, p, "x")
	}
	ancient := t0.Add(-100 * 24 * time.Hour)
	require.NoError(t, os.Chtimes(oldLog, ancient, ancient))
	require.NoError(t, os.Chtimes(oldOther, ancient, ancient))
	require.NoError(t, os.Chtimes(fresh, t0, t0))

	e := NewEngine(newMemStore(), nil, WithClock(func() time.Time { return t0 }))

	report, err := e.Sweep(context.Background(), Sweep{Dir: dir, MaxAge: 90 * 24 * time.Hour, Pattern: "*.log*"})
	require.NoError(t, err)
	assert.Equal(t, []string{oldLog}, report.Deleted)
	assert.FileExists(t, oldOther)
	assert.FileExists(t, fresh)

	report, err = e.Sweep(context.Background(), Sweep{Dir: dir})
	require.NoError(t, err)
	assert.Equal(t, []string{oldOther}, report.Deleted)
}

func TestActionShouldReportRotations(t *testing.T) {
	dir := t.TempDir()
	active := filepath.Join(dir, "app.log")
	writeFile(t, active, "0123456789")

	var steps []Step
	e := NewEngine(newMemStore(), nil,
		WithClock(func() time.Time { return t0 }),
		WithStepObserver(func(_ string, step Step) { steps = append(steps, step) }),
	)

	res := e.Action([]Target{{Path: active, MaxSize: 5}}, nil)(context.Background())
	assert.True(t, res.Success)
	assert.Contains(t, res.Detail, "rotated to")
	assert.Equal(t, []Step{StepRotating, StepRenamed, StepCompressed, StepIdle}, steps)

	res = e.Action(nil, []Sweep{{Dir: filepath.Join(dir, "nope")}})(context.Background())
	assert.False(t, res.Success)
}
