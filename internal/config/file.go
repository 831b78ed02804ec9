package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-tick/caretaker"
	"github.com/go-tick/caretaker/internal/api"
	"github.com/go-tick/caretaker/internal/checks"
	"github.com/go-tick/caretaker/internal/job"
	"github.com/go-tick/caretaker/internal/logger"
	"github.com/go-tick/caretaker/internal/notify"
	"github.com/go-tick/caretaker/internal/rotation"
	"github.com/go-tick/caretaker/internal/schedule"
	gotick "github.com/go-tick/core"
)

const defaultJobTimeout = 30 * time.Second

// File is the caretaker YAML document.
type File struct {
	State     StateConfig      `yaml:"state"`
	Engine    EngineConfig     `yaml:"engine"`
	Log       logger.Config    `yaml:"log"`
	API       APIConfig        `yaml:"api"`
	Notify    NotifyConfig     `yaml:"notify"`
	Channels  ChannelsConfig   `yaml:"channels"`
	Jobs      []JobConfig      `yaml:"jobs"`
	Rotations []RotationConfig `yaml:"rotations"`
}

type StateConfig struct {
	DSN string `yaml:"dsn" env:"CARETAKER_STATE_DSN"`
}

type EngineConfig struct {
	TickInterval        time.Duration `yaml:"tick_interval" env:"CARETAKER_TICK_INTERVAL"`
	EscalationThreshold int           `yaml:"escalation_threshold" env:"CARETAKER_ESCALATION_THRESHOLD"`
	ShutdownGrace       time.Duration `yaml:"shutdown_grace" env:"CARETAKER_SHUTDOWN_GRACE"`
	MaxOutput           ByteSize      `yaml:"max_output"`
	DeadLetterRetention time.Duration `yaml:"dead_letter_retention"`
}

type APIConfig struct {
	Addr  string `yaml:"addr" env:"CARETAKER_API_ADDR"`
	Debug bool   `yaml:"debug"`
}

type NotifyConfig struct {
	MaxAttempts      int           `yaml:"max_attempts"`
	BaseDelay        time.Duration `yaml:"base_delay"`
	MaxDelay         time.Duration `yaml:"max_delay"`
	AttemptTimeout   time.Duration `yaml:"attempt_timeout"`
	BreakerThreshold int           `yaml:"breaker_threshold"`
	BreakerCooldown  time.Duration `yaml:"breaker_cooldown"`
	DedupWindow      time.Duration `yaml:"dedup_window"`
}

type ChannelsConfig struct {
	Slack []SlackConfig `yaml:"slack"`
	Email []EmailConfig `yaml:"email"`
	Log   *LogConfig    `yaml:"log"`
}

// SlackConfig and EmailConfig expand ${VAR} references in their secrets.
type SlackConfig struct {
	Name       string `yaml:"name"`
	WebhookURL string `yaml:"webhook_url"`
	Channel    string `yaml:"channel"`
	Username   string `yaml:"username"`
}

type EmailConfig struct {
	Name     string   `yaml:"name"`
	Host     string   `yaml:"host"`
	Port     int      `yaml:"port"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	From     string   `yaml:"from"`
	To       []string `yaml:"to"`
}

type LogConfig struct {
	Name string `yaml:"name"`
}

type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
}

// JobConfig declares one check or cleanup job. Exactly one action block
// must be set.
type JobConfig struct {
	Name                string        `yaml:"name"`
	Kind                job.Kind      `yaml:"kind"`
	Schedule            string        `yaml:"schedule"`
	Timeout             time.Duration `yaml:"timeout"`
	Retry               RetryConfig   `yaml:"retry"`
	EscalationThreshold int           `yaml:"escalation_threshold"`
	Channels            []string      `yaml:"channels"`

	HTTP    *HTTPCheck    `yaml:"http"`
	TCP     *TCPCheck     `yaml:"tcp"`
	Disk    *DiskCheck    `yaml:"disk"`
	Memory  *MemoryCheck  `yaml:"memory"`
	Load    *LoadCheck    `yaml:"load"`
	Service *ServiceCheck `yaml:"service"`
	Command *CommandCheck `yaml:"command"`
}

type HTTPCheck struct {
	URL          string        `yaml:"url"`
	ExpectStatus int           `yaml:"expect_status"`
	MaxLatency   time.Duration `yaml:"max_latency"`
	Timeout      time.Duration `yaml:"timeout"`
}

type TCPCheck struct {
	Address string        `yaml:"address"`
	Timeout time.Duration `yaml:"timeout"`
}

type DiskCheck struct {
	Mounts     []string `yaml:"mounts"`
	MaxPercent float64  `yaml:"max_percent"`
}

type MemoryCheck struct {
	MaxPercent float64 `yaml:"max_percent"`
}

type LoadCheck struct {
	MaxPerCore float64 `yaml:"max_per_core"`
}

type ServiceCheck struct {
	Name string `yaml:"name"`
}

type CommandCheck struct {
	Argv []string `yaml:"argv"`
	Dir  string   `yaml:"dir"`
	Env  []string `yaml:"env"`
}

type RotationConfig struct {
	Name     string         `yaml:"name"`
	Schedule string         `yaml:"schedule"`
	Timeout  time.Duration  `yaml:"timeout"`
	Targets  []TargetConfig `yaml:"targets"`
	Sweeps   []SweepConfig  `yaml:"sweeps"`
}

type TargetConfig struct {
	Path      string        `yaml:"path"`
	MaxSize   ByteSize      `yaml:"max_size"`
	MaxAge    time.Duration `yaml:"max_age"`
	Retention int           `yaml:"retention"`
	Compress  bool          `yaml:"compress"`
}

type SweepConfig struct {
	Dir     string        `yaml:"dir"`
	MaxAge  time.Duration `yaml:"max_age"`
	Pattern string        `yaml:"pattern"`
}

// Validate checks what can be checked without building anything. It
// returns every problem found, joined.
func (f *File) Validate() error {
	var errs []error

	if !logger.ValidLevel(f.Log.Level) {
		errs = append(errs, invalid("log.level", "must be one of: debug, info, warn, error"))
	}
	if f.Engine.TickInterval < 0 {
		errs = append(errs, invalid("engine.tick_interval", "must not be negative"))
	}
	if f.Engine.EscalationThreshold < 0 {
		errs = append(errs, invalid("engine.escalation_threshold", "must not be negative"))
	}

	for i, s := range f.Channels.Slack {
		errs = append(errs, required(fmt.Sprintf("channels.slack[%d].webhook_url", i), s.WebhookURL))
	}
	for i, e := range f.Channels.Email {
		field := fmt.Sprintf("channels.email[%d]", i)
		errs = append(errs,
			required(field+".host", e.Host),
			required(field+".from", e.From),
		)
		if len(e.To) == 0 {
			errs = append(errs, invalid(field+".to", "needs at least one recipient"))
		}
	}

	for i, j := range f.Jobs {
		field := fmt.Sprintf("jobs[%d]", i)
		errs = append(errs, required(field+".name", j.Name), required(field+".schedule", j.Schedule))
		if n := j.actions(); n != 1 {
			errs = append(errs, invalid(field, "needs exactly one of http, tcp, disk, memory, load, service, command; got %d", n))
		}
	}

	for i, r := range f.Rotations {
		field := fmt.Sprintf("rotations[%d]", i)
		errs = append(errs, required(field+".name", r.Name), required(field+".schedule", r.Schedule))
		for k, t := range r.Targets {
			errs = append(errs, required(fmt.Sprintf("%s.targets[%d].path", field, k), t.Path))
		}
		for k, s := range r.Sweeps {
			errs = append(errs, required(fmt.Sprintf("%s.sweeps[%d].dir", field, k), s.Dir))
		}
	}

	return errors.Join(errs...)
}

func (j JobConfig) actions() int {
	n := 0
	for _, set := range []bool{j.HTTP != nil, j.TCP != nil, j.Disk != nil, j.Memory != nil, j.Load != nil, j.Service != nil, j.Command != nil} {
		if set {
			n++
		}
	}
	return n
}

// Build validates f and turns it into engine options. Errors wrap
// caretaker.ErrInvalidConfig.
func (f *File) Build(log logger.Logger) ([]gotick.Option[caretaker.Config], error) {
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", caretaker.ErrInvalidConfig, err)
	}

	options := []gotick.Option[caretaker.Config]{
		caretaker.WithLogger(log),
	}

	if f.State.DSN != "" {
		options = append(options, caretaker.WithStateStore(f.State.DSN))
	}
	if f.Engine.TickInterval > 0 {
		options = append(options, caretaker.WithTickInterval(f.Engine.TickInterval))
	}
	if f.Engine.EscalationThreshold > 0 {
		options = append(options, caretaker.WithEscalationThreshold(f.Engine.EscalationThreshold))
	}
	if f.Engine.ShutdownGrace > 0 {
		options = append(options, caretaker.WithShutdownGrace(f.Engine.ShutdownGrace))
	}
	if f.Engine.MaxOutput > 0 {
		options = append(options, caretaker.WithMaxOutput(int(f.Engine.MaxOutput)))
	}
	if f.Engine.DeadLetterRetention > 0 {
		options = append(options, caretaker.WithDeadLetterRetention(f.Engine.DeadLetterRetention))
	}
	if f.API.Addr != "" {
		options = append(options, caretaker.WithAPI(api.Config{Addr: f.API.Addr, Debug: f.API.Debug}))
	}

	options = append(options,
		caretaker.WithNotifyConfig(f.notifyConfig()),
		caretaker.WithChannels(f.channels(log)...),
	)

	var errs []error
	for _, jc := range f.Jobs {
		spec, err := jc.spec()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		options = append(options, caretaker.WithJobs(spec))
	}
	for _, rc := range f.Rotations {
		r, err := rc.rotation()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		options = append(options, caretaker.WithRotation(r))
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: %w", caretaker.ErrInvalidConfig, errors.Join(errs...))
	}

	return options, nil
}

func (f *File) notifyConfig() notify.Config {
	n := f.Notify
	return notify.Config{
		MaxAttempts:      n.MaxAttempts,
		BaseDelay:        n.BaseDelay,
		MaxDelay:         n.MaxDelay,
		AttemptTimeout:   n.AttemptTimeout,
		BreakerThreshold: n.BreakerThreshold,
		BreakerCooldown:  n.BreakerCooldown,
		DedupWindow:      n.DedupWindow,
	}
}

func (f *File) channels(log logger.Logger) []notify.Channel {
	var out []notify.Channel

	for _, s := range f.Channels.Slack {
		out = append(out, notify.NewSlack(notify.SlackConfig{
			Name:       s.Name,
			WebhookURL: os.ExpandEnv(s.WebhookURL),
			Channel:    s.Channel,
			Username:   s.Username,
		}))
	}
	for _, e := range f.Channels.Email {
		out = append(out, notify.NewEmail(notify.EmailConfig{
			Name:     e.Name,
			Host:     e.Host,
			Port:     e.Port,
			Username: e.Username,
			Password: os.ExpandEnv(e.Password),
			From:     e.From,
			To:       e.To,
		}))
	}
	if f.Channels.Log != nil {
		out = append(out, notify.NewLog(f.Channels.Log.Name, log.With(logger.String("channel", "log"))))
	}

	return out
}

func (j JobConfig) spec() (job.Spec, error) {
	sched, err := schedule.Parse(j.Schedule)
	if err != nil {
		return job.Spec{}, invalid("jobs."+j.Name+".schedule", "%v", err)
	}

	kind := j.Kind
	if kind == "" {
		kind = job.KindCheck
	}
	timeout := j.Timeout
	if timeout <= 0 {
		timeout = defaultJobTimeout
	}

	retry := job.DefaultRetryPolicy()
	if j.Retry.MaxAttempts > 0 {
		retry.MaxAttempts = j.Retry.MaxAttempts
	}
	if j.Retry.InitialDelay > 0 {
		retry.InitialDelay = j.Retry.InitialDelay
	}
	if j.Retry.MaxDelay > 0 {
		retry.MaxDelay = j.Retry.MaxDelay
	}

	return job.Spec{
		Name:                j.Name,
		Kind:                kind,
		Schedule:            sched,
		Timeout:             timeout,
		Retry:               retry,
		Action:              j.action(),
		EscalationThreshold: j.EscalationThreshold,
		Channels:            j.Channels,
	}, nil
}

func (j JobConfig) action() job.Action {
	switch {
	case j.HTTP != nil:
		return checks.HTTPProbe{
			URL:          j.HTTP.URL,
			ExpectStatus: j.HTTP.ExpectStatus,
			MaxLatency:   j.HTTP.MaxLatency,
			Timeout:      j.HTTP.Timeout,
		}.Action()
	case j.TCP != nil:
		return checks.TCPProbe{Address: j.TCP.Address, Timeout: j.TCP.Timeout}.Action()
	case j.Disk != nil:
		mounts := j.Disk.Mounts
		if len(mounts) == 0 {
			mounts = []string{"/"}
		}
		return checks.DiskUsage{Mounts: mounts, MaxPercent: j.Disk.MaxPercent}.Action()
	case j.Memory != nil:
		return checks.MemoryUsage{MaxPercent: j.Memory.MaxPercent}.Action()
	case j.Load != nil:
		return checks.LoadAverage{MaxPerCore: j.Load.MaxPerCore}.Action()
	case j.Service != nil:
		return checks.ServiceActive{Name: j.Service.Name}.Action()
	case j.Command != nil:
		return checks.Command{Argv: j.Command.Argv, Dir: j.Command.Dir, Env: j.Command.Env}.Action()
	}
	return nil
}

func (r RotationConfig) rotation() (caretaker.RotationJob, error) {
	sched, err := schedule.Parse(r.Schedule)
	if err != nil {
		return caretaker.RotationJob{}, invalid("rotations."+r.Name+".schedule", "%v", err)
	}

	out := caretaker.RotationJob{Name: r.Name, Schedule: sched, Timeout: r.Timeout}
	for _, t := range r.Targets {
		out.Targets = append(out.Targets, rotation.Target{
			Path:           t.Path,
			MaxSize:        int64(t.MaxSize),
			MaxAge:         t.MaxAge,
			RetentionCount: t.Retention,
			Compress:       t.Compress,
		})
	}
	for _, s := range r.Sweeps {
		out.Sweeps = append(out.Sweeps, rotation.Sweep{Dir: s.Dir, MaxAge: s.MaxAge, Pattern: s.Pattern})
	}
	return out, nil
}
