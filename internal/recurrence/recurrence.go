// Package recurrence parses and evaluates the human-readable recurrence
// grammar used on task templates: "daily", "weekly[:day(,day)*]",
// "monthly[:dayNum(,dayNum)*]", "yearly". No cron expressions.
package recurrence

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidPattern is wrapped by every Parse failure.
var ErrInvalidPattern = errors.New("invalid recurrence pattern")

// DefaultMaxOccurrences bounds AllOccurrences when the caller passes no
// explicit limit.
const DefaultMaxOccurrences = 100

// Freq is the recurrence frequency.
type Freq string

const (
	FreqDaily   Freq = "daily"
	FreqWeekly  Freq = "weekly"
	FreqMonthly Freq = "monthly"
	FreqYearly  Freq = "yearly"
)

// Pattern is a parsed recurrence pattern. Weekdays applies to weekly
// patterns and MonthDays to monthly ones; an empty list means the
// occurrence anchors to the template's own weekday or day-of-month.
type Pattern struct {
	Freq      Freq
	Weekdays  []time.Weekday
	MonthDays []int
}

// weekdayNames accepts long and 3-letter short forms, lowercased.
var weekdayNames = map[string]time.Weekday{
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
	"sunday":    time.Sunday,
	"mon":       time.Monday,
	"tue":       time.Tuesday,
	"wed":       time.Wednesday,
	"thu":       time.Thursday,
	"fri":       time.Friday,
	"sat":       time.Saturday,
	"sun":       time.Sunday,
}

// shortNames serializes weekdays canonically, indexed by time.Weekday.
var shortNames = [7]string{"sun", "mon", "tue", "wed", "thu", "fri", "sat"}

// Validate checks a raw pattern string. It returns (true, "") for a
// valid pattern and (false, reason) otherwise. Task input validation
// surfaces the reason to users, so messages stay human-readable.
func Validate(pattern string) (bool, string) {
	pattern = strings.ToLower(strings.TrimSpace(pattern))
	if pattern == "" {
		return false, "pattern must be a non-empty string"
	}

	freq, params, hasParams := strings.Cut(pattern, ":")
	freq = strings.TrimSpace(freq)

	switch Freq(freq) {
	case FreqDaily:
		if hasParams {
			return false, "daily pattern does not accept parameters"
		}
	case FreqYearly:
		if hasParams {
			return false, "yearly pattern does not accept parameters"
		}
	case FreqWeekly:
		if !hasParams {
			return true, ""
		}
		for _, name := range strings.Split(params, ",") {
			if _, ok := weekdayNames[strings.TrimSpace(name)]; !ok {
				return false, fmt.Sprintf("invalid weekday %q", strings.TrimSpace(name))
			}
		}
	case FreqMonthly:
		if !hasParams {
			return true, ""
		}
		for _, field := range strings.Split(params, ",") {
			day, err := strconv.Atoi(strings.TrimSpace(field))
			if err != nil {
				return false, "monthly pattern parameters must be comma-separated numbers"
			}
			if day < 1 || day > 31 {
				return false, fmt.Sprintf("invalid day of month %d, must be between 1 and 31", day)
			}
		}
	default:
		return false, fmt.Sprintf("invalid pattern type %q, must be one of: daily, weekly, monthly, yearly", freq)
	}

	return true, ""
}

// Parse validates and parses a raw pattern string. Day lists come back
// deduplicated and sorted, so String is canonical regardless of input
// order.
func Parse(pattern string) (Pattern, error) {
	if ok, msg := Validate(pattern); !ok {
		return Pattern{}, fmt.Errorf("%w: %s", ErrInvalidPattern, msg)
	}

	pattern = strings.ToLower(strings.TrimSpace(pattern))
	freq, params, hasParams := strings.Cut(pattern, ":")
	p := Pattern{Freq: Freq(strings.TrimSpace(freq))}
	if !hasParams {
		return p, nil
	}

	switch p.Freq {
	case FreqWeekly:
		seen := [7]bool{}
		for _, name := range strings.Split(params, ",") {
			seen[weekdayNames[strings.TrimSpace(name)]] = true
		}
		// Canonical order is Monday first, matching how the patterns
		// read ("weekly:mon,fri", not "weekly:fri,mon").
		for i := range 7 {
			wd := time.Weekday((i + 1) % 7)
			if seen[wd] {
				p.Weekdays = append(p.Weekdays, wd)
			}
		}
	case FreqMonthly:
		seen := [32]bool{}
		for _, field := range strings.Split(params, ",") {
			day, _ := strconv.Atoi(strings.TrimSpace(field))
			seen[day] = true
		}
		for day := 1; day <= 31; day++ {
			if seen[day] {
				p.MonthDays = append(p.MonthDays, day)
			}
		}
	}

	return p, nil
}

// String serializes the pattern canonically: "weekly:mon,fri",
// "monthly:1,15", or the bare frequency.
func (p Pattern) String() string {
	switch p.Freq {
	case FreqWeekly:
		if len(p.Weekdays) == 0 {
			return string(FreqWeekly)
		}
		names := make([]string, len(p.Weekdays))
		for i, wd := range p.Weekdays {
			names[i] = shortNames[wd]
		}
		return string(FreqWeekly) + ":" + strings.Join(names, ",")
	case FreqMonthly:
		if len(p.MonthDays) == 0 {
			return string(FreqMonthly)
		}
		fields := make([]string, len(p.MonthDays))
		for i, day := range p.MonthDays {
			fields[i] = strconv.Itoa(day)
		}
		return string(FreqMonthly) + ":" + strings.Join(fields, ",")
	default:
		return string(p.Freq)
	}
}

// NextOccurrence returns the first occurrence strictly after from.
// Daily, weekly, and yearly occurrences keep from's clock; monthly
// occurrences land at midnight. Month days beyond the target month's
// length clamp to its last day (monthly:31 in February is Feb 28/29).
func (p Pattern) NextOccurrence(from time.Time) time.Time {
	switch p.Freq {
	case FreqDaily:
		return from.AddDate(0, 0, 1)
	case FreqWeekly:
		return p.nextWeekly(from)
	case FreqMonthly:
		return p.nextMonthly(from)
	case FreqYearly:
		y, m, d := from.Date()
		d = min(d, daysInMonth(y+1, m))
		hh, mm, ss := from.Clock()
		return time.Date(y+1, m, d, hh, mm, ss, from.Nanosecond(), from.Location())
	}
	return time.Time{}
}

func (p Pattern) nextWeekly(from time.Time) time.Time {
	if len(p.Weekdays) == 0 {
		return from.AddDate(0, 0, 7)
	}
	cur := isoIndex(from.Weekday())
	for _, wd := range p.Weekdays {
		if target := isoIndex(wd); target > cur {
			return from.AddDate(0, 0, target-cur)
		}
	}
	return from.AddDate(0, 0, 7-cur+isoIndex(p.Weekdays[0]))
}

func (p Pattern) nextMonthly(from time.Time) time.Time {
	days := p.MonthDays
	if len(days) == 0 {
		days = []int{from.Day()}
	}

	y, m, _ := from.Date()
	for _, day := range days {
		// Clamp before comparing so that monthly:31 picked in a short
		// month cannot resolve to from's own date and stall the walk.
		if clamped := min(day, daysInMonth(y, m)); clamped > from.Day() {
			return time.Date(y, m, clamped, 0, 0, 0, 0, from.Location())
		}
	}

	firstOfNext := time.Date(y, m, 1, 0, 0, 0, 0, from.Location()).AddDate(0, 1, 0)
	ny, nm, _ := firstOfNext.Date()
	day := min(days[0], daysInMonth(ny, nm))
	return time.Date(ny, nm, day, 0, 0, 0, 0, from.Location())
}

// AllOccurrences lists occurrences from start onward: start itself when
// it matches the pattern, then NextOccurrence walks. A zero end means
// unbounded; max caps the result (DefaultMaxOccurrences when max <= 0).
func (p Pattern) AllOccurrences(start, end time.Time, max int) []time.Time {
	if max <= 0 {
		max = DefaultMaxOccurrences
	}

	var out []time.Time
	if p.Matches(start, start) {
		out = append(out, start)
	}

	cur := start
	for len(out) < max {
		next := p.NextOccurrence(cur)
		if !end.IsZero() && next.After(end) {
			break
		}
		out = append(out, next)
		cur = next
	}
	return out
}

// Matches reports whether date falls on an occurrence of the pattern
// anchored at the template's creation date. Dates before the anchor
// never match.
func (p Pattern) Matches(date, anchor time.Time) bool {
	dy, dm, dd := date.Date()
	ay, am, ad := anchor.Date()
	day := time.Date(dy, dm, dd, 0, 0, 0, 0, time.UTC)
	anchorDay := time.Date(ay, am, ad, 0, 0, 0, 0, time.UTC)
	if day.Before(anchorDay) {
		return false
	}

	switch p.Freq {
	case FreqDaily:
		return true
	case FreqWeekly:
		if len(p.Weekdays) == 0 {
			return date.Weekday() == anchor.Weekday()
		}
		for _, wd := range p.Weekdays {
			if date.Weekday() == wd {
				return true
			}
		}
		return false
	case FreqMonthly:
		days := p.MonthDays
		if len(days) == 0 {
			days = []int{ad}
		}
		for _, target := range days {
			if dd == min(target, daysInMonth(dy, dm)) {
				return true
			}
		}
		return false
	case FreqYearly:
		return dm == am && dd == min(ad, daysInMonth(dy, am))
	}
	return false
}

// isoIndex maps time.Weekday (Sunday = 0) onto a Monday-first index so
// weekly walks advance through the week in calendar order.
func isoIndex(wd time.Weekday) int {
	return (int(wd) + 6) % 7
}

// daysInMonth uses the day-zero normalization trick: day 0 of the next
// month is the last day of this one.
func daysInMonth(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
