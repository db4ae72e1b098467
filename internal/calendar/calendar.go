// Package calendar holds the tenant-local time arithmetic used by the cycle
// scheduler. Tenants describe their clock as a fixed offset in minutes east of
// UTC; every instant handed in or returned is absolute, and "local" values are
// UTC-labelled wall-clock readings.
package calendar

import (
	"strings"
	"time"
)

// Day is one calendar day of absolute time.
const Day = 24 * time.Hour

// StartDay names the weekday on which a tenant's iterations begin.
type StartDay string

const (
	Sunday StartDay = "sunday"
	Monday StartDay = "monday"
)

// ParseStartDay normalises user input into a StartDay.
func ParseStartDay(raw string) (StartDay, bool) {
	switch StartDay(strings.ToLower(strings.TrimSpace(raw))) {
	case Sunday:
		return Sunday, true
	case Monday:
		return Monday, true
	default:
		return "", false
	}
}

// Weekday converts the start day into time.Weekday.
func (d StartDay) Weekday() time.Weekday {
	if d == Sunday {
		return time.Sunday
	}
	return time.Monday
}

// Window is a closed absolute time range [Start, End].
type Window struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && !t.After(w.End)
}

// Overlaps reports whether the two closed ranges intersect.
func (w Window) Overlaps(o Window) bool {
	return !w.End.Before(o.Start) && !o.End.Before(w.Start)
}

// ToLocal shifts an absolute instant to the tenant's wall clock.
func ToLocal(t time.Time, offsetMinutes int) time.Time {
	return t.UTC().Add(time.Duration(offsetMinutes) * time.Minute)
}

// FromLocal converts a wall-clock reading back to an absolute instant.
func FromLocal(local time.Time, offsetMinutes int) time.Time {
	return local.UTC().Add(-time.Duration(offsetMinutes) * time.Minute)
}

// TruncateDay drops the time-of-day portion of a UTC-labelled value.
func TruncateDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// NextWindowStart returns the absolute instant of local midnight on the next
// occurrence of startDay on or after from. When from is today's start day and
// was not given explicitly, the window starts a week later so an iteration is
// never opened retroactively.
func NextWindowStart(from time.Time, startDay time.Weekday, offsetMinutes int, explicit bool) time.Time {
	local := ToLocal(from, offsetMinutes)
	days := (int(startDay) - int(local.Weekday()) + 7) % 7
	if days == 0 && !explicit {
		days = 7
	}
	localStart := TruncateDay(local).AddDate(0, 0, days)
	return FromLocal(localStart, offsetMinutes)
}

// WindowEnd returns the last instant of a window of lengthDays starting at start.
func WindowEnd(start time.Time, lengthDays int) time.Time {
	return start.Add(time.Duration(lengthDays)*Day - time.Millisecond)
}

// Windows lays out n contiguous windows of lengthDays beginning at base.
func Windows(base time.Time, lengthDays, n int) []Window {
	if n <= 0 || lengthDays <= 0 {
		return nil
	}
	out := make([]Window, 0, n)
	span := time.Duration(lengthDays) * Day
	for i := 0; i < n; i++ {
		start := base.Add(time.Duration(i) * span)
		out = append(out, Window{Start: start, End: WindowEnd(start, lengthDays)})
	}
	return out
}

// LocalDate returns the tenant-local calendar date of t as UTC midnight.
func LocalDate(t time.Time, offsetMinutes int) time.Time {
	return TruncateDay(ToLocal(t, offsetMinutes))
}

// EndOfLocalDay returns the last absolute instant of the given local date.
func EndOfLocalDay(date time.Time, offsetMinutes int) time.Time {
	next := TruncateDay(date).AddDate(0, 0, 1)
	return FromLocal(next, offsetMinutes).Add(-time.Millisecond)
}

// Days enumerates the local dates touched by [from, to], inclusive.
func Days(from, to time.Time, offsetMinutes int) []time.Time {
	if to.Before(from) {
		return nil
	}
	first := LocalDate(from, offsetMinutes)
	last := LocalDate(to, offsetMinutes)
	var out []time.Time
	for d := first; !d.After(last); d = d.AddDate(0, 0, 1) {
		out = append(out, d)
	}
	return out
}
