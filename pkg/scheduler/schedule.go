package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Kind of schedule
type Kind string

const (
	KindCron  Kind = "cron"
	KindEvery Kind = "every"
)

// Schedule says when a store is refreshed
type Schedule struct {
	Kind Kind `json:"kind"`

	// 5-field cron expression, for KindCron
	Expr string `json:"expr,omitempty"`
	// Optional IANA timezone for Expr
	TZ string `json:"tz,omitempty"`

	// Interval for KindEvery, rounded down to whole seconds
	Every time.Duration `json:"every,omitempty"`
}

// Cron returns a cron-expression schedule
func Cron(expr string) Schedule {
	return Schedule{Kind: KindCron, Expr: expr}
}

// Every returns a fixed-interval schedule
func Every(d time.Duration) Schedule {
	return Schedule{Kind: KindEvery, Every: d}
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// compile turns s into a robfig schedule
func (s Schedule) compile() (cron.Schedule, error) {
	switch s.Kind {
	case KindCron:
		if s.Expr == "" {
			return nil, fmt.Errorf("'cron' schedule requires 'expr' field")
		}
		expr := s.Expr
		if s.TZ != "" {
			if _, err := time.LoadLocation(s.TZ); err != nil {
				return nil, fmt.Errorf("invalid timezone: %w", err)
			}
			expr = "CRON_TZ=" + s.TZ + " " + expr
		}
		sched, err := parser.Parse(expr)
		if err != nil {
			return nil, fmt.Errorf("invalid cron expression: %w", err)
		}
		return sched, nil
	case KindEvery:
		if s.Every < time.Second {
			return nil, fmt.Errorf("'every' schedule requires an interval of at least 1s")
		}
		return cron.Every(s.Every), nil
	default:
		return nil, fmt.Errorf("unknown schedule kind: %q", s.Kind)
	}
}

// Validate reports whether s can be scheduled
func (s Schedule) Validate() error {
	_, err := s.compile()
	return err
}

// NextRun returns the first activation of s after now
func (s Schedule) NextRun(now time.Time) (time.Time, error) {
	sched, err := s.compile()
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(now), nil
}

func (s Schedule) String() string {
	switch s.Kind {
	case KindEvery:
		return "@every " + s.Every.String()
	case KindCron:
		if s.TZ != "" {
			return "CRON_TZ=" + s.TZ + " " + s.Expr
		}
		return s.Expr
	}
	return string(s.Kind)
}
