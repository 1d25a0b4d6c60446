package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// Unit is a runEvery calendar unit.
type Unit string

const (
	Minute Unit = "minute"
	Hour   Unit = "hour"
	Day    Unit = "day"
	Week   Unit = "week"
	Month  Unit = "month"
)

var unitAliases = map[string]Unit{
	"m": Minute, "min": Minute, "mins": Minute, "minute": Minute, "minutes": Minute,
	"h": Hour, "hr": Hour, "hrs": Hour, "hour": Hour, "hours": Hour,
	"d": Day, "day": Day, "days": Day,
	"w": Week, "week": Week, "weeks": Week,
	"month": Month, "months": Month,
}

// ParseRunEvery parses "N unit" such as "1 day", "2 weeks" or "day". N defaults to 1.
func ParseRunEvery(s string) (int, Unit, error) {
	fields := strings.Fields(strings.ToLower(s))
	n := 1
	switch len(fields) {
	case 1:
	case 2:
		v, err := strconv.Atoi(fields[0])
		if err != nil || v <= 0 {
			return 0, "", fmt.Errorf("invalid runEvery frequency %q", s)
		}
		n = v
		fields = fields[1:]
	default:
		return 0, "", fmt.Errorf("invalid runEvery %q", s)
	}
	unit, ok := unitAliases[fields[0]]
	if !ok {
		return 0, "", fmt.Errorf("invalid runEvery unit %q", s)
	}
	return n, unit, nil
}

// ParseRunTime parses HH:mm.
func ParseRunTime(s string) (hour, minute int, err error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid runTime %q: %w", s, err)
	}
	return t.Hour(), t.Minute(), nil
}

// Zone returns the fixed zone for a UTC offset in hours.
func Zone(offset float64) *time.Location {
	return time.FixedZone("", int(offset*3600))
}

func add(t time.Time, n int, unit Unit) time.Time {
	switch unit {
	case Minute:
		return t.Add(time.Duration(n) * time.Minute)
	case Hour:
		return t.Add(time.Duration(n) * time.Hour)
	case Day:
		return t.AddDate(0, 0, n)
	case Week:
		return t.AddDate(0, 0, 7*n)
	default:
		return t.AddDate(0, n, 0)
	}
}

// startOf truncates t to the beginning of unit in t's location. Weeks start on Sunday.
func startOf(t time.Time, unit Unit) time.Time {
	y, mo, d := t.Date()
	switch unit {
	case Minute:
		return time.Date(y, mo, d, t.Hour(), t.Minute(), 0, 0, t.Location())
	case Hour:
		return time.Date(y, mo, d, t.Hour(), 0, 0, 0, t.Location())
	case Day:
		return time.Date(y, mo, d, 0, 0, 0, 0, t.Location())
	case Week:
		return time.Date(y, mo, d-int(t.Weekday()), 0, 0, 0, 0, t.Location())
	default:
		return time.Date(y, mo, 1, 0, 0, 0, 0, t.Location())
	}
}

// NextRunDate computes when task runs next, strictly after now. It returns nil when the task
// has reached MaxRuns or does not repeat. first snaps the result to the start of the unit
// before RunTime is applied.
func NextRunDate(task *models.Task, now time.Time, first bool) (*time.Time, error) {
	if task.MaxRuns > 0 && task.NumRuns >= task.MaxRuns {
		return nil, nil
	}
	if task.RunEvery == "" {
		return nil, nil
	}
	n, unit, err := ParseRunEvery(task.RunEvery)
	if err != nil {
		return nil, err
	}
	next := add(now.In(Zone(task.TimezoneUTCOffset)), n, unit)
	if first {
		next = startOf(next, unit)
	}
	if task.RunTime != "" {
		h, m, err := ParseRunTime(task.RunTime)
		if err != nil {
			return nil, err
		}
		y, mo, d := next.Date()
		next = time.Date(y, mo, d, h, m, 0, 0, next.Location())
		// Pinning can move a sub-day interval back before now; take the next such wall clock.
		for !next.After(now) {
			next = next.AddDate(0, 0, 1)
		}
	}
	next = next.UTC()
	return &next, nil
}

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday, "sunday": time.Sunday, "0": time.Sunday,
	"mon": time.Monday, "monday": time.Monday, "1": time.Monday,
	"tue": time.Tuesday, "tuesday": time.Tuesday, "2": time.Tuesday,
	"wed": time.Wednesday, "wednesday": time.Wednesday, "3": time.Wednesday,
	"thu": time.Thursday, "thursday": time.Thursday, "4": time.Thursday,
	"fri": time.Friday, "friday": time.Friday, "5": time.Friday,
	"sat": time.Saturday, "saturday": time.Saturday, "6": time.Saturday,
}

// IsIgnoredDay reports whether now, in the task's timezone, falls on one of its ignoreDays.
// Days are weekday names, three-letter abbreviations or 0 (Sunday) to 6.
func IsIgnoredDay(task *models.Task, now time.Time) bool {
	today := now.In(Zone(task.TimezoneUTCOffset)).Weekday()
	for _, d := range task.IgnoreDays {
		if wd, ok := weekdays[strings.ToLower(strings.TrimSpace(d))]; ok && wd == today {
			return true
		}
	}
	return false
}
