package caretaker

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-tick/caretaker/internal/event"
	"github.com/go-tick/caretaker/internal/job"
	"github.com/go-tick/caretaker/internal/notify"
	"github.com/go-tick/caretaker/internal/rotation"
	"github.com/go-tick/caretaker/internal/schedule"
	gotick "github.com/go-tick/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

type channel struct {
	mu     sync.Mutex
	events []event.Event
}

func (c *channel) Name() string { return "test" }

func (c *channel) Deliver(_ context.Context, ev event.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func (c *channel) transitions() []event.Transition {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]event.Transition, 0, len(c.events))
	for _, ev := range c.events {
		out = append(out, ev.Transition)
	}
	return out
}

var _ notify.Channel = (*channel)(nil)

type errorObserver struct {
	mu   sync.Mutex
	errs []error
}

func (o *errorObserver) OnError(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.errs = append(o.errs, err)
}

var _ gotick.ErrorObserver = (*errorObserver)(nil)

// toggle is an action whose result the test flips between runs.
type toggle struct {
	mu      sync.Mutex
	healthy bool
}

func (t *toggle) set(healthy bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.healthy = healthy
}

func (t *toggle) action(context.Context) job.Result {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.healthy {
		return job.Success("ok")
	}
	return job.Failure("connection refused")
}

func testOptions(t *testing.T, dsn string, clk *clock, options ...gotick.Option[Config]) *Config {
	t.Helper()
	base := []gotick.Option[Config]{
		WithStateStore(dsn),
		WithClock(clk.Now),
		WithShutdownGrace(time.Second),
		WithNotifyConfig(notify.Config{
			MaxAttempts:      2,
			BaseDelay:        time.Millisecond,
			MaxDelay:         time.Millisecond,
			BreakerThreshold: 10,
			BreakerCooldown:  time.Minute,
		}),
	}
	return DefaultConfig(append(base, options...)...)
}

func newEngine(t *testing.T, cfg *Config) *Engine {
	t.Helper()
	e, err := New(context.Background(), cfg)
	require.NoError(t, err)
	require.NoError(t, e.dispatcher.Start(context.Background()))
	return e
}

// step advances the clock, runs one tick and waits for the jobs it started.
func step(e *Engine, clk *clock, d time.Duration) {
	e.tick(clk.Advance(d))
	e.inflight.Wait()
}

func TestEngineShouldEscalateAndRecover(t *testing.T) {
	dsn := "sqlite://" + filepath.Join(t.TempDir(), "state.db")
	clk := &clock{now: t0}
	ch := &channel{}
	check := &toggle{}
	observer := &errorObserver{}

	spec := job.Spec{
		Name:     "api-health",
		Kind:     job.KindCheck,
		Schedule: schedule.MustParse("@every 1m"),
		Timeout:  time.Second,
		Action:   check.action,
	}
	cfg := testOptions(t, dsn, clk,
		WithJobs(spec),
		WithChannels(ch),
		WithEscalationThreshold(2),
		WithErrorObservers(observer),
	)

	e := newEngine(t, cfg)

	e.tick(clk.Now())
	e.inflight.Wait()

	step(e, clk, time.Minute)
	step(e, clk, time.Minute)
	step(e, clk, time.Minute)

	require.Eventually(t, func() bool { return len(ch.transitions()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []event.Transition{event.TransitionFailing, event.TransitionEscalated}, ch.transitions())

	jobs := e.Jobs()
	require.Len(t, jobs, 2)
	assert.Equal(t, "api-health", jobs[0].Name)
	assert.False(t, jobs[0].Healthy)
	assert.Equal(t, 3, jobs[0].State.ConsecutiveFailures)
	assert.Equal(t, t0.Add(time.Minute), jobs[0].State.FailingSince)
	assert.Equal(t, PruneJobName, jobs[1].Name)

	e.shutdown()
	require.NoError(t, e.Close())

	// A fresh engine on the same store picks up the failure streak.
	restarted := newEngine(t, testOptions(t, dsn, clk,
		WithJobs(spec),
		WithChannels(ch),
		WithEscalationThreshold(2),
		WithErrorObservers(observer),
	))
	defer func() { assert.NoError(t, restarted.Close()) }()

	st, ok := restarted.scheduler.State("api-health")
	require.True(t, ok)
	assert.Equal(t, 3, st.ConsecutiveFailures)
	assert.True(t, t0.Add(4*time.Minute).Equal(st.NextDueAt))

	check.set(true)
	step(restarted, clk, time.Minute)

	require.Eventually(t, func() bool { return len(ch.transitions()) == 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, event.TransitionRecovered, ch.transitions()[2])

	st, _ = restarted.scheduler.State("api-health")
	assert.True(t, st.Healthy())

	restarted.shutdown()

	observer.mu.Lock()
	defer observer.mu.Unlock()
	assert.Empty(t, observer.errs)
}

func TestEngineShouldRecordOverrun(t *testing.T) {
	dsn := "sqlite://" + filepath.Join(t.TempDir(), "state.db")
	clk := &clock{now: t0}
	release := make(chan struct{})
	started := make(chan struct{}, 1)

	cfg := testOptions(t, dsn, clk,
		WithDeadLetterRetention(0),
		WithJobs(job.Spec{
			Name:     "backup",
			Kind:     job.KindCleanup,
			Schedule: schedule.MustParse("@every 1m"),
			Timeout:  time.Hour,
			Action: func(ctx context.Context) job.Result {
				started <- struct{}{}
				select {
				case <-release:
				case <-ctx.Done():
				}
				return job.Success("done")
			},
		}),
	)
	e := newEngine(t, cfg)
	defer func() { assert.NoError(t, e.Close()) }()

	assert.Len(t, e.Jobs(), 1)

	e.tick(clk.Advance(time.Minute))
	<-started

	e.tick(clk.Advance(time.Minute))
	e.tick(clk.Advance(30 * time.Second))
	assert.True(t, e.scheduler.IsRunning("backup"))

	close(release)
	e.inflight.Wait()

	overruns, err := e.ListOverruns(context.Background(), "backup", 0, 0)
	require.NoError(t, err)
	require.Len(t, overruns, 1)
	assert.Equal(t, job.OverrunReason, overruns[0].Outcome.Reason)
	assert.Equal(t, t0.Add(2*time.Minute), overruns[0].Outcome.StartedAt)

	st, _ := e.scheduler.State("backup")
	assert.Equal(t, t0.Add(3*time.Minute), st.NextDueAt)

	e.shutdown()
}

func TestEngineShouldCancelRunsOnShutdown(t *testing.T) {
	dsn := "sqlite://" + filepath.Join(t.TempDir(), "state.db")
	clk := &clock{now: t0}
	started := make(chan struct{})

	cfg := testOptions(t, dsn, clk, WithJobs(job.Spec{
		Name:     "vacuum",
		Kind:     job.KindCleanup,
		Schedule: schedule.MustParse("@every 1m"),
		Timeout:  time.Hour,
		Action: func(ctx context.Context) job.Result {
			close(started)
			<-ctx.Done()
			return job.TransientFailure("interrupted")
		},
	}))
	e := newEngine(t, cfg)
	defer func() { assert.NoError(t, e.Close()) }()

	e.tick(clk.Advance(time.Minute))
	<-started

	e.shutdown()

	// A cancelled run leaves health alone but still consumes its slot.
	st, _ := e.scheduler.State("vacuum")
	assert.Empty(t, st.LastOutcome)
	assert.True(t, st.Healthy())
	assert.Equal(t, t0.Add(2*time.Minute), st.NextDueAt)
	assert.Equal(t, 0, e.scheduler.Running())

	due, _ := e.scheduler.Tick(clk.Advance(time.Hour))
	assert.Empty(t, due)
}

func TestEngineRunShouldStopWhenContextEnds(t *testing.T) {
	dsn := "sqlite://" + filepath.Join(t.TempDir(), "state.db")
	runs := make(chan struct{}, 10)

	cfg := DefaultConfig(
		WithStateStore(dsn),
		WithTickInterval(10*time.Millisecond),
		WithJobs(job.Spec{
			Name:     "heartbeat",
			Kind:     job.KindCheck,
			Schedule: schedule.MustParse("@every 1s"),
			Timeout:  time.Second,
			Action: func(context.Context) job.Result {
				select {
				case runs <- struct{}{}:
				default:
				}
				return job.Success("alive")
			},
		}),
	)
	e, err := New(context.Background(), cfg)
	require.NoError(t, err)
	defer func() { assert.NoError(t, e.Close()) }()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	select {
	case <-runs:
	case <-time.After(5 * time.Second):
		t.Fatal("job never ran")
	}
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not stop")
	}
}

func TestNewShouldRejectBadConfig(t *testing.T) {
	dir := t.TempDir()
	dsn := "sqlite://" + filepath.Join(dir, "state.db")
	noop := func(context.Context) job.Result { return job.Success("") }
	every := schedule.MustParse("@every 1m")

	tests := []struct {
		name    string
		options []gotick.Option[Config]
		want    error
	}{
		{
			name:    "zero threshold",
			options: []gotick.Option[Config]{WithStateStore(dsn), WithEscalationThreshold(0)},
			want:    ErrInvalidConfig,
		},
		{
			name:    "zero tick interval",
			options: []gotick.Option[Config]{WithStateStore(dsn), WithTickInterval(0)},
			want:    ErrInvalidConfig,
		},
		{
			name: "unknown channel",
			options: []gotick.Option[Config]{WithStateStore(dsn), WithJobs(job.Spec{
				Name: "a", Kind: job.KindCheck, Schedule: every, Timeout: time.Second, Action: noop, Channels: []string{"pager"},
			})},
			want: ErrInvalidConfig,
		},
		{
			name: "duplicate job",
			options: []gotick.Option[Config]{WithStateStore(dsn), WithJobs(
				job.Spec{Name: "a", Kind: job.KindCheck, Schedule: every, Timeout: time.Second, Action: noop},
				job.Spec{Name: "a", Kind: job.KindCheck, Schedule: every, Timeout: time.Second, Action: noop},
			)},
			want: ErrInvalidConfig,
		},
		{
			name: "rotation without targets",
			options: []gotick.Option[Config]{WithStateStore(dsn), WithRotation(RotationJob{
				Name: "logs", Schedule: every,
			})},
			want: ErrInvalidConfig,
		},
		{
			name: "rotation target without limit",
			options: []gotick.Option[Config]{WithStateStore(dsn), WithRotation(RotationJob{
				Name: "logs", Schedule: every, Targets: []rotation.Target{{Path: filepath.Join(dir, "app.log")}},
			})},
			want: ErrInvalidConfig,
		},
		{
			name: "target shared by two rotations",
			options: []gotick.Option[Config]{WithStateStore(dsn),
				WithRotation(RotationJob{
					Name: "hourly", Schedule: every, Targets: []rotation.Target{{Path: filepath.Join(dir, "app.log"), MaxSize: 1}},
				}),
				WithRotation(RotationJob{
					Name: "nightly", Schedule: every, Targets: []rotation.Target{{Path: dir + "/./app.log", MaxAge: time.Hour}},
				}),
			},
			want: ErrInvalidConfig,
		},
		{
			name: "target listed twice in one rotation",
			options: []gotick.Option[Config]{WithStateStore(dsn), WithRotation(RotationJob{
				Name: "logs", Schedule: every, Targets: []rotation.Target{
					{Path: filepath.Join(dir, "app.log"), MaxSize: 1},
					{Path: filepath.Join(dir, "app.log"), MaxAge: time.Hour},
				},
			})},
			want: ErrInvalidConfig,
		},
		{
			name:    "unsupported backend",
			options: []gotick.Option[Config]{WithStateStore("mysql://localhost/caretaker")},
			want:    ErrInvalidConfig,
		},
		{
			name:    "unreachable postgres",
			options: []gotick.Option[Config]{WithStateStore("postgres://caretaker@127.0.0.1:1/caretaker?sslmode=disable&connect_timeout=1")},
			want:    ErrStateStoreUnreachable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(context.Background(), DefaultConfig(tt.options...))
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "clean", err: nil, want: ExitOK},
		{name: "invalid config", err: ErrInvalidConfig, want: ExitInvalidConfig},
		{name: "wrapped unreachable", err: errors.Join(errors.New("dial"), ErrStateStoreUnreachable), want: ExitStoreUnreachable},
		{name: "anything else", err: errors.New("boom"), want: ExitInvalidConfig},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExitCode(tt.err))
		})
	}
}
