package cron

import (
	"fmt"
	"strings"
	"time"

	robfig "github.com/robfig/cron/v3"
)

// cronParser accepts the classic 5-field form: minute hour dom month dow.
var cronParser = robfig.NewParser(
	robfig.Minute |
		robfig.Hour |
		robfig.Dom |
		robfig.Month |
		robfig.Dow,
)

// Schedule is a parsed job expression.
type Schedule struct {
	Kind  Type
	At    time.Time
	Every time.Duration
	Expr  string

	cron robfig.Schedule
}

// ParseSchedule parses an expression for the given kind:
//
//	at    RFC3339 timestamp ("2026-03-01T09:00:00Z")
//	every Go duration ("45m", "1h30m")
//	cron  5-field expression ("0 9 * * 1-5")
func ParseSchedule(kind Type, expression string) (Schedule, error) {
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return Schedule{}, fmt.Errorf("schedule expression is required")
	}
	switch kind {
	case TypeAt:
		at, err := parseAt(expression)
		if err != nil {
			return Schedule{}, err
		}
		return Schedule{Kind: TypeAt, At: at}, nil
	case TypeEvery:
		every, err := time.ParseDuration(expression)
		if err != nil {
			return Schedule{}, fmt.Errorf("invalid every expression: %w", err)
		}
		if every <= 0 {
			return Schedule{}, fmt.Errorf("every expression must be positive: %s", expression)
		}
		return Schedule{Kind: TypeEvery, Every: every}, nil
	case TypeCron:
		parsed, err := cronParser.Parse(expression)
		if err != nil {
			return Schedule{}, fmt.Errorf("invalid cron expression: %w", err)
		}
		return Schedule{Kind: TypeCron, Expr: expression, cron: parsed}, nil
	default:
		return Schedule{}, fmt.Errorf("unknown schedule kind %q", kind)
	}
}

// Next returns the next run time strictly after now. ok is false when the
// schedule has no further runs, which only happens for elapsed one-shots.
func (s Schedule) Next(now time.Time) (time.Time, bool, error) {
	switch s.Kind {
	case TypeAt:
		if s.At.IsZero() {
			return time.Time{}, false, fmt.Errorf("at schedule missing timestamp")
		}
		if now.After(s.At) {
			return time.Time{}, false, nil
		}
		return s.At, true, nil
	case TypeEvery:
		if s.Every <= 0 {
			return time.Time{}, false, fmt.Errorf("every schedule missing duration")
		}
		return now.Add(s.Every), true, nil
	case TypeCron:
		sched := s.cron
		if sched == nil {
			parsed, err := cronParser.Parse(s.Expr)
			if err != nil {
				return time.Time{}, false, fmt.Errorf("parse cron expression: %w", err)
			}
			sched = parsed
		}
		next := sched.Next(now)
		return next, !next.IsZero(), nil
	default:
		return time.Time{}, false, fmt.Errorf("unknown schedule kind %q", s.Kind)
	}
}

func parseAt(value string) (time.Time, error) {
	if parsed, err := time.Parse(time.RFC3339, value); err == nil {
		return parsed, nil
	}
	if parsed, err := time.Parse("2006-01-02 15:04", value); err == nil {
		return parsed, nil
	}
	return time.Time{}, fmt.Errorf("invalid at expression: %s", value)
}
