package schedule

import (
	"errors"
	"strings"
	"time"

	gotick "github.com/go-tick/core"
	"github.com/robfig/cron/v3"
)

var (
	ErrCannotParseSchedule = errors.New("cannot parse schedule")
	ErrEmptySchedule       = errors.New("empty schedule")
)

type Type string

const (
	TypeCron     Type = "cron"
	TypeInterval Type = "interval"
	TypeSequence Type = "seq"
	TypeCalendar Type = "calendar"
)

// Schedule yields activation times for a job.
type Schedule interface {
	// Next returns the first activation strictly after t. The bool is false
	// once the schedule has no further activations.
	Next(t time.Time) (time.Time, bool)
	// Period is the nominal distance between activations around t. It is
	// zero for one-shot schedules, which never resynchronize.
	Period(t time.Time) time.Duration
	Type() Type
	String() string
}

// Parse accepts, in order: a standard cron expression or descriptor
// ("*/5 * * * *", "@hourly", "@every 30s"), a comma-separated list of
// RFC3339 timestamps, or a single RFC3339 timestamp.
func Parse(expr string) (Schedule, error) {
	s := strings.TrimSpace(expr)
	if s == "" {
		return nil, ErrEmptySchedule
	}

	if spec, err := cron.ParseStandard(s); err == nil {
		if every, ok := spec.(cron.ConstantDelaySchedule); ok {
			return &intervalSchedule{expr: s, every: every}, nil
		}
		return &cronSchedule{expr: s, spec: spec}, nil
	}

	if strings.Contains(s, ",") {
		tt := make([]time.Time, 0)
		for _, ts := range strings.Split(s, ",") {
			t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(ts))
			if err != nil {
				return nil, ErrCannotParseSchedule
			}
			tt = append(tt, t)
		}

		seq, err := gotick.NewSequenceSchedule(tt...)
		if err != nil {
			return nil, errors.Join(ErrCannotParseSchedule, err)
		}

		return &oneShotSchedule{expr: s, typ: TypeSequence, schedule: seq}, nil
	}

	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil, ErrCannotParseSchedule
	}

	return &oneShotSchedule{expr: s, typ: TypeCalendar, schedule: gotick.NewCalendarSchedule(t)}, nil
}

// MustParse is Parse that panics on error. Intended for tests and static tables.
func MustParse(expr string) Schedule {
	s, err := Parse(expr)
	if err != nil {
		panic(err)
	}
	return s
}

type cronSchedule struct {
	expr string
	spec cron.Schedule
}

func (c *cronSchedule) Next(t time.Time) (time.Time, bool) {
	next := c.spec.Next(t)
	return next, !next.IsZero()
}

func (c *cronSchedule) Period(t time.Time) time.Duration {
	first, ok := c.Next(t)
	if !ok {
		return 0
	}
	second, ok := c.Next(first)
	if !ok {
		return 0
	}
	return second.Sub(first)
}

func (c *cronSchedule) Type() Type     { return TypeCron }
func (c *cronSchedule) String() string { return c.expr }

type intervalSchedule struct {
	expr  string
	every cron.ConstantDelaySchedule
}

func (i *intervalSchedule) Next(t time.Time) (time.Time, bool) {
	return i.every.Next(t), true
}

func (i *intervalSchedule) Period(time.Time) time.Duration { return i.every.Delay }
func (i *intervalSchedule) Type() Type                     { return TypeInterval }
func (i *intervalSchedule) String() string                 { return i.expr }

// oneShotSchedule adapts the calendar and sequence schedules of go-tick,
// walking them from First() so only activations they produced are passed
// back into Next.
type oneShotSchedule struct {
	expr     string
	typ      Type
	schedule gotick.JobSchedule
}

func (o *oneShotSchedule) Next(t time.Time) (time.Time, bool) {
	cur := o.schedule.First()
	for {
		if cur.After(t) {
			return cur, true
		}

		next := o.schedule.Next(cur)
		if next == nil || !next.After(cur) {
			return time.Time{}, false
		}
		cur = *next
	}
}

func (o *oneShotSchedule) Period(time.Time) time.Duration { return 0 }
func (o *oneShotSchedule) Type() Type                     { return o.typ }
func (o *oneShotSchedule) String() string                 { return o.expr }
