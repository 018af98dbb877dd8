// Package schedule parses agent cadences and decides when a run is due.
//
// A cadence is either a fixed interval ("5m", "2h", "1d", "@every 90m") or a
// standard five-field cron expression or descriptor ("*/15 * * * *",
// "@hourly"). Everything in this package is pure: callers supply the clock.
package schedule

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Errors returned by Parse and CheckFires.
var (
	ErrUnparseable = errors.New("schedule: unparseable")
	ErrNeverFires  = errors.New("schedule: never fires")
)

// MinInterval is the shortest supported cadence.
const MinInterval = time.Minute

// Horizon bounds how far ahead a schedule must produce an occurrence.
const Horizon = 365 * 24 * time.Hour

// Kind distinguishes interval cadences from cron cadences.
type Kind int

const (
	KindInterval Kind = iota + 1
	KindCron
)

func (k Kind) String() string {
	switch k {
	case KindInterval:
		return "interval"
	case KindCron:
		return "cron"
	default:
		return "unknown"
	}
}

// Schedule is a parsed cadence. The zero value is not usable.
type Schedule struct {
	spec     string
	kind     Kind
	interval time.Duration
	cron     cron.Schedule
}

// Parse normalizes whitespace and parses spec.
func Parse(spec string) (Schedule, error) {
	norm := strings.Join(strings.Fields(spec), " ")
	if norm == "" {
		return Schedule{}, fmt.Errorf("%w: empty", ErrUnparseable)
	}

	lower := strings.ToLower(norm)
	if rest, ok := strings.CutPrefix(lower, "@every "); ok {
		return parseInterval(norm, rest)
	}
	if !strings.Contains(norm, " ") && !strings.HasPrefix(norm, "@") {
		return parseInterval(norm, lower)
	}

	sched, err := cron.ParseStandard(norm)
	if err != nil {
		return Schedule{}, fmt.Errorf("%w: %v", ErrUnparseable, err)
	}
	if _, ok := sched.(cron.ConstantDelaySchedule); ok {
		// ParseStandard only yields this for @every, handled above.
		return Schedule{}, fmt.Errorf("%w: %q", ErrUnparseable, norm)
	}
	return Schedule{spec: norm, kind: KindCron, cron: sched}, nil
}

func parseInterval(norm, s string) (Schedule, error) {
	d, err := parseDuration(s)
	if err != nil {
		return Schedule{}, fmt.Errorf("%w: %v", ErrUnparseable, err)
	}
	if d < MinInterval {
		return Schedule{}, fmt.Errorf("%w: interval %s is shorter than %s", ErrUnparseable, d, MinInterval)
	}
	return Schedule{spec: norm, kind: KindInterval, interval: d}, nil
}

// maxDays is the largest day count a time.Duration can hold.
const maxDays = math.MaxInt64 / int64(24*time.Hour)

// parseDuration accepts Go durations plus a whole-day suffix ("1d").
func parseDuration(s string) (time.Duration, error) {
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.ParseInt(days, 10, 64)
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("invalid day count %q", s)
		}
		if n > maxDays {
			return 0, fmt.Errorf("day count %q overflows a duration", s)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}

// String returns the normalized spec.
func (s Schedule) String() string { return s.spec }

// Kind reports whether s is an interval or cron cadence.
func (s Schedule) Kind() Kind { return s.kind }

// Interval returns the fixed interval, or zero for cron cadences.
func (s Schedule) Interval() time.Duration { return s.interval }

// Next returns the first occurrence strictly after t. For intervals this is
// t plus the interval. The zero time means no occurrence could be found.
func (s Schedule) Next(t time.Time) time.Time {
	switch s.kind {
	case KindInterval:
		return t.Add(s.interval)
	case KindCron:
		return s.cron.Next(t)
	default:
		return time.Time{}
	}
}

// nextAtOrAfter is Next with an inclusive bound. Cron works at one-second
// resolution, so stepping back a nanosecond makes t itself eligible.
func (s Schedule) nextAtOrAfter(t time.Time) time.Time {
	if s.kind == KindInterval {
		return t
	}
	return s.Next(t.Add(-time.Nanosecond))
}

// CheckFires reports ErrNeverFires when s has no occurrence within Horizon
// after now.
func (s Schedule) CheckFires(now time.Time) error {
	next := s.Next(now)
	if next.IsZero() || next.Sub(now) > Horizon {
		return fmt.Errorf("%w: no occurrence within %s of %s", ErrNeverFires, Horizon, now.Format(time.RFC3339))
	}
	return nil
}
