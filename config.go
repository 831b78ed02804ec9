package caretaker

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/go-tick/caretaker/internal/api"
	"github.com/go-tick/caretaker/internal/job"
	"github.com/go-tick/caretaker/internal/logger"
	"github.com/go-tick/caretaker/internal/notify"
	"github.com/go-tick/caretaker/internal/rotation"
	"github.com/go-tick/caretaker/internal/schedule"
	gotick "github.com/go-tick/core"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	DefaultStateDSN            = "sqlite://caretaker.db"
	DefaultTickInterval        = time.Second
	DefaultEscalationThreshold = 3
	DefaultShutdownGrace       = 30 * time.Second
	DefaultDeadLetterRetention = 30 * 24 * time.Hour
)

// RotationJob is a cleanup job that rotates Targets and runs Sweeps.
type RotationJob struct {
	Name     string
	Schedule schedule.Schedule
	Timeout  time.Duration
	Targets  []rotation.Target
	Sweeps   []rotation.Sweep
}

type Config struct {
	stateDSN            string
	tickInterval        time.Duration
	escalationThreshold int
	shutdownGrace       time.Duration
	maxOutput           int
	deadLetterRetention time.Duration

	jobs      []job.Spec
	rotations []RotationJob
	channels  []notify.Channel
	notify    notify.Config

	api      *api.Config
	log      logger.Logger
	registry *prometheus.Registry

	errorObservers []gotick.ErrorObserver
	now            func() time.Time
}

func DefaultConfig(options ...gotick.Option[Config]) *Config {
	config := &Config{
		stateDSN:            DefaultStateDSN,
		tickInterval:        DefaultTickInterval,
		escalationThreshold: DefaultEscalationThreshold,
		shutdownGrace:       DefaultShutdownGrace,
		deadLetterRetention: DefaultDeadLetterRetention,
		notify:              notify.DefaultConfig(),
		log:                 logger.NewNop(),
		now:                 time.Now,
	}

	for _, option := range options {
		option(config)
	}

	return config
}

// WithStateStore selects the persistence backend by DSN: sqlite://path,
// postgres://..., redis://... A bare path is a SQLite file.
func WithStateStore(dsn string) gotick.Option[Config] {
	return func(config *Config) {
		config.stateDSN = dsn
	}
}

func WithTickInterval(d time.Duration) gotick.Option[Config] {
	return func(config *Config) {
		config.tickInterval = d
	}
}

func WithEscalationThreshold(n int) gotick.Option[Config] {
	return func(config *Config) {
		config.escalationThreshold = n
	}
}

// WithShutdownGrace bounds how long Run waits for in-flight jobs and
// notification delivery after its context ends.
func WithShutdownGrace(d time.Duration) gotick.Option[Config] {
	return func(config *Config) {
		config.shutdownGrace = d
	}
}

func WithMaxOutput(n int) gotick.Option[Config] {
	return func(config *Config) {
		config.maxOutput = n
	}
}

// WithDeadLetterRetention sets the age after which dead letters are pruned
// by the built-in housekeeping job. Zero disables the job.
func WithDeadLetterRetention(d time.Duration) gotick.Option[Config] {
	return func(config *Config) {
		config.deadLetterRetention = d
	}
}

func WithJobs(specs ...job.Spec) gotick.Option[Config] {
	return func(config *Config) {
		config.jobs = append(config.jobs, specs...)
	}
}

func WithRotation(r RotationJob) gotick.Option[Config] {
	return func(config *Config) {
		config.rotations = append(config.rotations, r)
	}
}

func WithChannels(channels ...notify.Channel) gotick.Option[Config] {
	return func(config *Config) {
		config.channels = append(config.channels, channels...)
	}
}

func WithNotifyConfig(cfg notify.Config) gotick.Option[Config] {
	return func(config *Config) {
		config.notify = cfg
	}
}

// WithAPI enables the operator HTTP surface.
func WithAPI(cfg api.Config) gotick.Option[Config] {
	return func(config *Config) {
		config.api = &cfg
	}
}

func WithLogger(log logger.Logger) gotick.Option[Config] {
	return func(config *Config) {
		config.log = log
	}
}

// WithMetricsRegistry registers the engine collectors on reg and serves it
// on /metrics when the API is enabled.
func WithMetricsRegistry(reg *prometheus.Registry) gotick.Option[Config] {
	return func(config *Config) {
		config.registry = reg
	}
}

func WithErrorObservers(observers ...gotick.ErrorObserver) gotick.Option[Config] {
	return func(config *Config) {
		config.errorObservers = append(config.errorObservers, observers...)
	}
}

func WithClock(now func() time.Time) gotick.Option[Config] {
	return func(config *Config) {
		config.now = now
	}
}

func (c *Config) validate() error {
	var errs []error

	if c.stateDSN == "" {
		errs = append(errs, errors.New("state store DSN is required"))
	}
	if c.tickInterval <= 0 {
		errs = append(errs, errors.New("tick interval must be positive"))
	}
	if c.escalationThreshold <= 0 {
		errs = append(errs, errors.New("escalation threshold must be positive"))
	}
	if c.shutdownGrace < 0 {
		errs = append(errs, errors.New("shutdown grace must not be negative"))
	}
	if c.deadLetterRetention < 0 {
		errs = append(errs, errors.New("dead letter retention must not be negative"))
	}

	// Rotations of one file share its checkpoint, so a file has one owner.
	owners := make(map[string]string)
	for _, r := range c.rotations {
		errs = append(errs, r.validate()...)
		for _, t := range r.Targets {
			if t.Path == "" {
				continue
			}
			path := filepath.Clean(t.Path)
			if owner, ok := owners[path]; ok {
				errs = append(errs, fmt.Errorf("rotation %s: target %s already managed by %s", r.Name, t.Path, owner))
				continue
			}
			owners[path] = r.Name
		}
	}

	channels := make(map[string]bool, len(c.channels))
	for _, ch := range c.channels {
		channels[ch.Name()] = true
	}
	for _, spec := range c.jobs {
		for _, name := range spec.Channels {
			if !channels[name] {
				errs = append(errs, fmt.Errorf("job %s: unknown channel %q", spec.Name, name))
			}
		}
	}

	if c.log == nil {
		c.log = logger.NewNop()
	}
	if c.now == nil {
		c.now = time.Now
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

func (r RotationJob) validate() []error {
	var errs []error

	if r.Schedule == nil {
		errs = append(errs, fmt.Errorf("rotation %s: schedule is required", r.Name))
	}
	if len(r.Targets) == 0 && len(r.Sweeps) == 0 {
		errs = append(errs, fmt.Errorf("rotation %s: needs at least one target or sweep", r.Name))
	}
	for _, t := range r.Targets {
		switch {
		case t.Path == "":
			errs = append(errs, fmt.Errorf("rotation %s: target path is required", r.Name))
		case t.MaxSize <= 0 && t.MaxAge <= 0:
			errs = append(errs, fmt.Errorf("rotation %s: %s needs max_size or max_age", r.Name, t.Path))
		case t.RetentionCount < 0:
			errs = append(errs, fmt.Errorf("rotation %s: %s: retention must not be negative", r.Name, t.Path))
		}
	}
	for _, s := range r.Sweeps {
		if s.Dir == "" {
			errs = append(errs, fmt.Errorf("rotation %s: sweep dir is required", r.Name))
		}
	}
	return errs
}
