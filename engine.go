package caretaker

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/go-tick/caretaker/internal/aggregator"
	"github.com/go-tick/caretaker/internal/api"
	"github.com/go-tick/caretaker/internal/event"
	"github.com/go-tick/caretaker/internal/executor"
	"github.com/go-tick/caretaker/internal/job"
	"github.com/go-tick/caretaker/internal/logger"
	"github.com/go-tick/caretaker/internal/metrics"
	"github.com/go-tick/caretaker/internal/notify"
	"github.com/go-tick/caretaker/internal/repository"
	"github.com/go-tick/caretaker/internal/rotation"
	"github.com/go-tick/caretaker/internal/schedule"
	"github.com/go-tick/caretaker/internal/scheduler"
	"github.com/go-tick/caretaker/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

// PruneJobName is the built-in housekeeping job that drops old dead letters
// and overrun records.
const PruneJobName = "caretaker-prune"

const (
	persistTimeout         = 10 * time.Second
	defaultRotationTimeout = 10 * time.Minute
)

// Engine ties the scheduler, executor, aggregator and dispatcher together
// over one state store.
type Engine struct {
	cfg     *Config
	log     logger.Logger
	metrics *metrics.Metrics

	store      *store.Store
	closeStore func() error

	registry   *job.Registry
	scheduler  *scheduler.Scheduler
	executor   *executor.Executor
	dispatcher *notify.Dispatcher
	rotation   *rotation.Engine
	server     *api.Server

	runCtx    context.Context
	cancelRun context.CancelFunc
	inflight  sync.WaitGroup
	closeOnce sync.Once
}

// New validates cfg, opens the state store and restores persisted run
// state. Errors wrap ErrInvalidConfig or ErrStateStoreUnreachable.
func New(ctx context.Context, cfg *Config) (*Engine, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	reg := cfg.registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	e := &Engine{
		cfg:     cfg,
		log:     cfg.log,
		metrics: metrics.New(reg),
	}
	e.runCtx, e.cancelRun = context.WithCancel(context.Background())

	repo, closeRepo, err := repository.Open(ctx, cfg.stateDSN)
	if err != nil {
		if errors.Is(err, repository.ErrUnsupportedBackend) {
			return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrStateStoreUnreachable, err)
	}
	e.store = store.New(repo)
	e.closeStore = closeRepo

	if err := e.init(ctx, reg); err != nil {
		return nil, errors.Join(err, closeRepo())
	}

	return e, nil
}

func (e *Engine) init(ctx context.Context, reg *prometheus.Registry) error {
	cfg := e.cfg

	if err := e.store.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrStateStoreUnreachable, err)
	}

	e.rotation = rotation.NewEngine(e.store, e.log.With(logger.String("component", "rotation")),
		rotation.WithClock(cfg.now),
		rotation.WithStepObserver(func(_ string, step rotation.Step) {
			e.metrics.RecordRotationStep(string(step))
		}),
	)

	registry, err := job.NewRegistry(e.specs()...)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	e.registry = registry

	restored, err := e.store.LoadJobStates(ctx)
	if err != nil {
		return fmt.Errorf("%w: load job state: %w", ErrStateStoreUnreachable, err)
	}
	e.scheduler = scheduler.New(registry, aggregator.New(cfg.escalationThreshold), restored, cfg.now())
	for _, st := range e.scheduler.States() {
		e.metrics.SetConsecutiveFailures(st.JobName, st.ConsecutiveFailures)
	}

	e.executor = executor.New(executor.Config{MaxOutput: cfg.maxOutput, Now: cfg.now},
		e.log.With(logger.String("component", "executor")))

	notifyCfg := cfg.notify
	if notifyCfg.Now == nil {
		notifyCfg.Now = cfg.now
	}
	e.dispatcher, err = notify.NewDispatcher(notifyCfg, e.store, cfg.channels,
		e.log.With(logger.String("component", "dispatcher")), e.metrics)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if len(cfg.channels) == 0 {
		e.log.Warn("no notification channels configured, events are only logged")
	}

	if cfg.api != nil {
		e.server = api.NewServer(*cfg.api, e, reg, e.log.With(logger.String("component", "api")))
	}

	e.log.Info("engine ready",
		logger.Int("jobs", registry.Len()),
		logger.Int("restored", len(restored)),
		logger.Strings("channels", e.dispatcher.Channels()),
	)
	return nil
}

func (e *Engine) specs() []job.Spec {
	cfg := e.cfg
	specs := slices.Clone(cfg.jobs)

	for _, r := range cfg.rotations {
		timeout := r.Timeout
		if timeout <= 0 {
			timeout = defaultRotationTimeout
		}
		specs = append(specs, job.Spec{
			Name:     r.Name,
			Kind:     job.KindCleanup,
			Schedule: r.Schedule,
			Timeout:  timeout,
			Retry: job.RetryPolicy{
				MaxAttempts:  3,
				InitialDelay: time.Second,
				MaxDelay:     30 * time.Second,
				Multiplier:   2,
			},
			Action: e.rotation.Action(r.Targets, r.Sweeps),
		})
	}

	if cfg.deadLetterRetention > 0 {
		specs = append(specs, job.Spec{
			Name:     PruneJobName,
			Kind:     job.KindCleanup,
			Schedule: schedule.MustParse("@hourly"),
			Timeout:  time.Minute,
			Action:   e.pruneAction(cfg.deadLetterRetention),
		})
	}

	return specs
}

func (e *Engine) pruneAction(retention time.Duration) job.Action {
	return func(ctx context.Context) job.Result {
		cutoff := e.cfg.now().Add(-retention)

		dead, err := e.store.PruneDeadLetters(ctx, cutoff)
		if err != nil {
			return job.TransientFailure(fmt.Sprintf("prune dead letters: %v", err))
		}
		overruns, err := e.store.PruneOverruns(ctx, cutoff)
		if err != nil {
			return job.TransientFailure(fmt.Sprintf("prune overruns: %v", err))
		}

		return job.Success(fmt.Sprintf("pruned %d dead letters and %d overruns older than %s",
			dead, overruns, cutoff.Format(time.RFC3339)))
	}
}

// Run starts the dispatcher and the tick loop and blocks until ctx ends or
// the operator API fails. It then drains: no new runs start, in-flight runs
// are cancelled and awaited, and queued notifications get the rest of the
// shutdown grace.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.dispatcher.Start(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrStateStoreUnreachable, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		e.loop(gctx)
		return nil
	})
	if e.server != nil {
		g.Go(func() error {
			return e.server.Run(gctx)
		})
	}

	err := g.Wait()
	e.shutdown()
	return err
}

func (e *Engine) loop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.tickInterval)
	defer ticker.Stop()

	e.log.Info("engine started", logger.Duration("tick_interval", e.cfg.tickInterval))
	e.tick(e.cfg.now())

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.tick(e.cfg.now())
		}
	}
}

func (e *Engine) tick(now time.Time) {
	due, overruns := e.scheduler.Tick(now)

	for _, o := range overruns {
		e.recordOverrun(o)
	}

	for _, d := range due {
		e.inflight.Add(1)
		go e.execute(d)
	}
}

func (e *Engine) recordOverrun(o job.Outcome) {
	e.metrics.RecordOverrun(o.JobName)
	e.log.Warn("job overrun, slot skipped",
		logger.String("job", o.JobName),
		logger.Time("slot", o.StartedAt),
	)

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if _, err := e.store.RecordOverrun(ctx, o); err != nil {
		e.onError(fmt.Errorf("record overrun of %s: %w", o.JobName, err))
	}
}

func (e *Engine) execute(d scheduler.Due) {
	defer e.inflight.Done()

	spec := d.Spec
	e.metrics.RecordJobStarted()
	outcome := e.executor.Run(e.runCtx, spec)
	e.metrics.RecordJobFinished(spec.Name, string(outcome.Status), outcome.Duration.Seconds())

	e.log.Debug("job finished",
		logger.String("job", spec.Name),
		logger.String("status", string(outcome.Status)),
		logger.Duration("duration", outcome.Duration),
		logger.Int("attempts", outcome.Attempts),
	)

	state, ev, err := e.scheduler.Complete(spec.Name, d.ScheduledAt, outcome, e.cfg.now())
	if err != nil {
		e.onError(err)
		return
	}
	defer e.scheduler.Release(spec.Name)
	e.metrics.SetConsecutiveFailures(spec.Name, state.ConsecutiveFailures)

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if err := e.store.SaveJobState(ctx, state); err != nil {
		e.onError(fmt.Errorf("save state of %s: %w", spec.Name, err))
	}

	if ev != nil {
		e.publish(ctx, *ev)
	}
}

func (e *Engine) publish(ctx context.Context, ev event.Event) {
	e.metrics.RecordEvent(string(ev.Severity))
	e.log.Info("job transition",
		logger.String("job", ev.JobName),
		logger.String("severity", string(ev.Severity)),
		logger.String("transition", string(ev.Transition)),
		logger.String("event_id", ev.ID),
	)

	if err := e.dispatcher.Enqueue(ctx, ev); err != nil {
		e.onError(err)
	}
}

func (e *Engine) shutdown() {
	e.scheduler.Drain()
	e.cancelRun()

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.shutdownGrace)
	defer cancel()

	done := make(chan struct{})
	go func() {
		e.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		e.log.Warn("abandoning jobs still running after shutdown grace",
			logger.Int("running", e.scheduler.Running()))
	}

	if err := e.dispatcher.Stop(ctx); err != nil {
		e.log.Warn("notification queue not drained, pending events resume on next start", logger.Error(err))
	}
	e.log.Info("engine stopped")
}

// Close releases the state store.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		err = e.closeStore()
	})
	return err
}

func (e *Engine) onError(err error) {
	e.log.Error("engine error", logger.Error(err))
	for _, observer := range e.cfg.errorObservers {
		observer.OnError(err)
	}
}

// Jobs reports every registered job with its current run state.
func (e *Engine) Jobs() []api.Job {
	specs := e.registry.All()
	out := make([]api.Job, 0, len(specs))
	for _, spec := range specs {
		st, _ := e.scheduler.State(spec.Name)
		out = append(out, api.Job{
			Name:     spec.Name,
			Kind:     spec.Kind,
			Schedule: spec.Schedule.String(),
			Healthy:  st.Healthy(),
			Running:  e.scheduler.IsRunning(spec.Name),
			State:    st,
		})
	}
	return out
}

// Channels reports the circuit state of every notification channel.
func (e *Engine) Channels() map[string]string {
	out := make(map[string]string)
	for _, name := range e.dispatcher.Channels() {
		state, _ := e.dispatcher.BreakerState(name)
		out[name] = state.String()
	}
	return out
}

func (e *Engine) Ping(ctx context.Context) error {
	return e.store.Ping(ctx)
}

func (e *Engine) ListDeadLetters(ctx context.Context, limit, offset int) ([]store.DeadLetter, error) {
	return e.store.ListDeadLetters(ctx, limit, offset)
}

func (e *Engine) DeleteDeadLetters(ctx context.Context, eventID string) (int, error) {
	return e.store.DeleteDeadLetters(ctx, eventID)
}

func (e *Engine) ListOverruns(ctx context.Context, jobName string, limit, offset int) ([]store.Overrun, error) {
	return e.store.ListOverruns(ctx, jobName, limit, offset)
}

var _ api.Backend = (*Engine)(nil)
