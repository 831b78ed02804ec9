package notify

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-tick/caretaker/internal/circuitbreaker"
	"github.com/go-tick/caretaker/internal/event"
	"github.com/go-tick/caretaker/internal/logger"
	"github.com/go-tick/caretaker/internal/metrics"
	"github.com/go-tick/caretaker/internal/retry"
	"github.com/go-tick/caretaker/internal/store"
)

var (
	ErrStopped          = errors.New("dispatcher is not accepting events")
	ErrDuplicateChannel = errors.New("duplicate channel name")
)

// Journal is the durable side of the dispatcher queue.
type Journal interface {
	AddPending(ctx context.Context, p store.Pending) error
	CompletePending(ctx context.Context, eventID, channel string, status store.DeliveryStatus) ([]string, error)
	ListPending(ctx context.Context) ([]store.Pending, error)
	SaveDeadLetter(ctx context.Context, dl store.DeadLetter) error
}

type Config struct {
	// MaxAttempts bounds deliveries of one event to one channel.
	MaxAttempts int
	// BaseDelay and MaxDelay shape the backoff: BaseDelay * 2^attempt, capped.
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// AttemptTimeout bounds a single Deliver call.
	AttemptTimeout time.Duration
	// BreakerThreshold consecutive failures open a channel for BreakerCooldown.
	BreakerThreshold int
	BreakerCooldown  time.Duration
	// DedupWindow is how long a delivered event identity is remembered.
	DedupWindow time.Duration
	Now         func() time.Time
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:      5,
		BaseDelay:        time.Second,
		MaxDelay:         time.Minute,
		AttemptTimeout:   30 * time.Second,
		BreakerThreshold: 5,
		BreakerCooldown:  5 * time.Minute,
		DedupWindow:      24 * time.Hour,
	}
}

func (c *Config) setDefaults() {
	d := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = d.BaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = d.AttemptTimeout
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = d.BreakerThreshold
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = d.BreakerCooldown
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = d.DedupWindow
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Dispatcher runs one FIFO worker per channel. Channels never wait on each
// other; events for one channel are delivered in enqueue order.
type Dispatcher struct {
	cfg     Config
	journal Journal
	log     logger.Logger
	metrics *metrics.Metrics

	workers map[string]*worker
	order   []string

	mu        sync.Mutex
	accepting bool
	started   bool
	stopping  chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

type worker struct {
	ch      Channel
	breaker *circuitbreaker.Breaker

	mu     sync.Mutex
	queue  []event.Event
	seen   map[string]time.Time
	signal chan struct{}
}

func NewDispatcher(cfg Config, journal Journal, channels []Channel, log logger.Logger, m *metrics.Metrics) (*Dispatcher, error) {
	cfg.setDefaults()
	if log == nil {
		log = logger.NewNop()
	}

	d := &Dispatcher{
		cfg:      cfg,
		journal:  journal,
		log:      log,
		metrics:  m,
		workers:  make(map[string]*worker, len(channels)),
		stopping: make(chan struct{}),
	}

	for _, ch := range channels {
		name := ch.Name()
		if _, dup := d.workers[name]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateChannel, name)
		}

		d.workers[name] = &worker{
			ch:      ch,
			breaker: circuitbreaker.New(d.breakerConfig(name)),
			seen:    make(map[string]time.Time),
			signal:  make(chan struct{}, 1),
		}
		d.order = append(d.order, name)
	}

	return d, nil
}

func (d *Dispatcher) breakerConfig(channel string) circuitbreaker.Config {
	return circuitbreaker.Config{
		FailureThreshold: d.cfg.BreakerThreshold,
		SuccessThreshold: 1,
		Cooldown:         d.cfg.BreakerCooldown,
		Now:              d.cfg.Now,
		OnStateChange: func(from, to circuitbreaker.State) {
			d.metrics.SetBreakerState(channel, int(to), to == circuitbreaker.StateOpen)
			d.log.Warn("channel circuit changed",
				logger.String("channel", channel),
				logger.String("from", from.String()),
				logger.String("to", to.String()),
			)
		},
	}
}

// Channels returns the configured channel names in configuration order.
func (d *Dispatcher) Channels() []string {
	return append([]string(nil), d.order...)
}

// BreakerState returns the circuit state of a channel.
func (d *Dispatcher) BreakerState(channel string) (circuitbreaker.State, bool) {
	w, ok := d.workers[channel]
	if !ok {
		return circuitbreaker.StateClosed, false
	}
	return w.breaker.State(), true
}

// Start replays the persisted queue and starts the channel workers.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.started {
		return nil
	}

	pending, err := d.journal.ListPending(ctx)
	if err != nil {
		return fmt.Errorf("load pending events: %w", err)
	}
	sort.SliceStable(pending, func(i, j int) bool {
		return pending[i].EnqueuedAt.Before(pending[j].EnqueuedAt)
	})

	now := d.cfg.Now()
	for _, p := range pending {
		for _, name := range p.Channels {
			w, ok := d.workers[name]
			if !ok {
				d.log.Warn("dropping pending delivery to unknown channel",
					logger.String("channel", name),
					logger.String("event_id", p.Event.ID),
				)
				continue
			}
			if _, done := p.Done[name]; done {
				w.remember(p.Event, now)
				continue
			}
			w.push(p.Event, now)
		}
	}
	if len(pending) > 0 {
		d.log.Info("replaying pending events", logger.Int("count", len(pending)))
	}

	d.ctx, d.cancel = context.WithCancel(context.WithoutCancel(ctx))
	d.accepting = true
	d.started = true

	for _, name := range d.order {
		w := d.workers[name]
		d.wg.Add(1)
		go d.run(w)
	}

	return nil
}

// Enqueue persists ev and queues it on every channel it routes to. It does
// not wait for delivery. An event already queued or delivered to a channel
// under the same identity is not queued there again.
func (d *Dispatcher) Enqueue(ctx context.Context, ev event.Event) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.accepting {
		return ErrStopped
	}

	now := d.cfg.Now()
	targets := make([]string, 0, len(d.order))
	for _, name := range d.route(ev) {
		if d.workers[name].isDuplicate(ev, now, d.cfg.DedupWindow) {
			d.metrics.RecordDelivery(name, metrics.ResultDuplicate)
			d.log.Debug("collapsed duplicate event",
				logger.String("channel", name),
				logger.String("dedup_key", ev.DedupKey),
			)
			continue
		}
		targets = append(targets, name)
	}
	if len(targets) == 0 {
		return nil
	}

	err := d.journal.AddPending(ctx, store.Pending{Event: ev, Channels: targets, EnqueuedAt: now})
	if err != nil {
		d.log.Error("cannot persist event, delivering from memory only",
			logger.String("event_id", ev.ID),
			logger.Error(err),
		)
		err = fmt.Errorf("persist event %s: %w", ev.ID, err)
	}

	for _, name := range targets {
		d.workers[name].push(ev, now)
	}

	return err
}

func (d *Dispatcher) route(ev event.Event) []string {
	if len(ev.Channels) == 0 {
		return d.order
	}

	out := make([]string, 0, len(ev.Channels))
	for _, name := range ev.Channels {
		if _, ok := d.workers[name]; !ok {
			d.log.Warn("event routed to unknown channel", logger.String("channel", name))
			continue
		}
		out = append(out, name)
	}
	return out
}

// Stop stops accepting events and drains the queues until ctx ends, then
// cancels in-flight deliveries. Undelivered events stay pending.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.started || !d.accepting {
		d.mu.Unlock()
		return nil
	}
	d.accepting = false
	close(d.stopping)
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		d.log.Warn("dispatcher stopped before draining, undelivered events remain pending")
		return ctx.Err()
	}
}

func (d *Dispatcher) run(w *worker) {
	defer d.wg.Done()

	for {
		ev, ok := w.next(d.stopping, d.ctx.Done())
		if !ok {
			return
		}
		d.metrics.SetQueueDepth(w.ch.Name(), w.depth())
		d.deliver(w, ev)
	}
}

func (d *Dispatcher) deliver(w *worker, ev event.Event) {
	ctx := d.ctx
	name := w.ch.Name()
	log := d.log.With(
		logger.String("channel", name),
		logger.String("event_id", ev.ID),
		logger.String("dedup_key", ev.DedupKey),
	)

	delivered := 0
	var lastErr error
	cfg := retry.Config{
		MaxAttempts:  d.cfg.MaxAttempts,
		InitialDelay: d.cfg.BaseDelay,
		MaxDelay:     d.cfg.MaxDelay,
		Multiplier:   2,
		IsRetryable: func(err error) bool {
			return !errors.Is(err, circuitbreaker.ErrCircuitOpen) && !errors.Is(err, ErrPermanent)
		},
	}

	_, err := retry.Do(ctx, cfg, func(attempt int) error {
		err := w.breaker.Execute(ctx, func(ctx context.Context) error {
			attemptCtx, cancel := context.WithTimeout(ctx, d.cfg.AttemptTimeout)
			defer cancel()
			delivered++
			return w.ch.Deliver(attemptCtx, ev)
		})
		if err != nil && !errors.Is(err, circuitbreaker.ErrCircuitOpen) {
			lastErr = err
			d.metrics.RecordDelivery(name, metrics.ResultRetried)
			log.Warn("delivery attempt failed", logger.Int("attempt", attempt), logger.Error(err))
		}
		return err
	})

	if ctx.Err() != nil {
		log.Info("delivery interrupted by shutdown, event stays pending")
		return
	}

	if err == nil {
		d.complete(ctx, w, ev, store.Delivered)
		d.metrics.RecordDelivery(name, metrics.ResultDelivered)
		log.Debug("event delivered", logger.Int("attempts", delivered))
		return
	}

	reason := "delivery attempts exhausted"
	switch {
	case errors.Is(err, circuitbreaker.ErrCircuitOpen):
		reason = "circuit open"
	case errors.Is(err, ErrPermanent):
		reason = "permanent failure"
	}
	if lastErr != nil {
		reason += ": " + lastErr.Error()
	}

	dl := store.DeadLetter{
		Event:      ev,
		Channel:    name,
		Reason:     reason,
		Attempts:   delivered,
		RecordedAt: d.cfg.Now(),
	}
	if err := d.journal.SaveDeadLetter(ctx, dl); err != nil {
		log.Error("cannot record dead letter", logger.Error(err))
		return
	}
	d.complete(ctx, w, ev, store.DeadLettered)
	d.metrics.RecordDelivery(name, metrics.ResultDeadLettered)
	log.Warn("event dead-lettered", logger.String("reason", reason), logger.Int("attempts", delivered))
}

func (d *Dispatcher) complete(ctx context.Context, w *worker, ev event.Event, status store.DeliveryStatus) {
	if _, err := d.journal.CompletePending(ctx, ev.ID, w.ch.Name(), status); err != nil {
		d.log.Error("cannot update pending event",
			logger.String("channel", w.ch.Name()),
			logger.String("event_id", ev.ID),
			logger.Error(err),
		)
	}
}

func (w *worker) push(ev event.Event, now time.Time) {
	w.mu.Lock()
	w.queue = append(w.queue, ev)
	w.seen[ev.Identity()] = now
	w.mu.Unlock()

	select {
	case w.signal <- struct{}{}:
	default:
	}
}

func (w *worker) remember(ev event.Event, now time.Time) {
	w.mu.Lock()
	w.seen[ev.Identity()] = now
	w.mu.Unlock()
}

func (w *worker) isDuplicate(ev event.Event, now time.Time, window time.Duration) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	for id, at := range w.seen {
		if now.Sub(at) > window {
			delete(w.seen, id)
		}
	}
	_, ok := w.seen[ev.Identity()]
	return ok
}

func (w *worker) depth() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue)
}

// next pops the oldest event. Once stopping is closed it keeps draining and
// reports false when the queue is empty; a closed abort ends it at once.
func (w *worker) next(stopping, abort <-chan struct{}) (event.Event, bool) {
	for {
		select {
		case <-abort:
			return event.Event{}, false
		default:
		}

		w.mu.Lock()
		if len(w.queue) > 0 {
			ev := w.queue[0]
			w.queue[0] = event.Event{}
			w.queue = w.queue[1:]
			w.mu.Unlock()
			return ev, true
		}
		w.mu.Unlock()

		select {
		case <-w.signal:
		case <-stopping:
			w.mu.Lock()
			empty := len(w.queue) == 0
			w.mu.Unlock()
			if empty {
				return event.Event{}, false
			}
		case <-abort:
			return event.Event{}, false
		}
	}
}
