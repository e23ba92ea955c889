package recurrence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		wantOK  bool
		wantMsg string
	}{
		{"daily", "daily", true, ""},
		{"weekly bare", "weekly", true, ""},
		{"weekly with days", "weekly:monday,friday", true, ""},
		{"weekly short names", "weekly:mon,fri", true, ""},
		{"weekly mixed case", "Weekly:MONDAY", true, ""},
		{"monthly bare", "monthly", true, ""},
		{"monthly with days", "monthly:1,15,30", true, ""},
		{"yearly", "yearly", true, ""},
		{"padded", "  daily  ", true, ""},
		{"empty", "", false, "pattern must be a non-empty string"},
		{"unknown type", "hourly", false, `invalid pattern type "hourly", must be one of: daily, weekly, monthly, yearly`},
		{"daily with params", "daily:x", false, "daily pattern does not accept parameters"},
		{"yearly with params", "yearly:1", false, "yearly pattern does not accept parameters"},
		{"weekly bad day", "weekly:funday", false, `invalid weekday "funday"`},
		{"weekly empty day", "weekly:", false, `invalid weekday ""`},
		{"monthly not a number", "monthly:first", false, "monthly pattern parameters must be comma-separated numbers"},
		{"monthly day zero", "monthly:0", false, "invalid day of month 0, must be between 1 and 31"},
		{"monthly day 32", "monthly:15,32", false, "invalid day of month 32, must be between 1 and 31"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, msg := Validate(tt.pattern)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantMsg, msg)
		})
	}
}

func TestParse_CanonicalString(t *testing.T) {
	tests := []struct {
		pattern string
		want    string
	}{
		{"daily", "daily"},
		{"weekly", "weekly"},
		{"WEEKLY:Friday,MONDAY", "weekly:mon,fri"},
		{"weekly:sunday,mon", "weekly:mon,sun"},
		{"weekly:mon,monday", "weekly:mon"},
		{"monthly:15,1,15", "monthly:1,15"},
		{"monthly", "monthly"},
		{"yearly", "yearly"},
	}

	for _, tt := range tests {
		t.Run(tt.pattern, func(t *testing.T) {
			p, err := Parse(tt.pattern)
			require.NoError(t, err)
			assert.Equal(t, tt.want, p.String())

			again, err := Parse(p.String())
			require.NoError(t, err)
			assert.Equal(t, p, again, "canonical form should round-trip")
		})
	}
}

func TestParse_Invalid(t *testing.T) {
	_, err := Parse("daily:x")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidPattern)
	assert.Contains(t, err.Error(), "daily pattern does not accept parameters")
}

func TestNextOccurrence_Daily(t *testing.T) {
	p, err := Parse("daily")
	require.NoError(t, err)

	from := time.Date(2025, 1, 1, 9, 30, 0, 0, time.UTC)
	next := p.NextOccurrence(from)
	assert.Equal(t, time.Date(2025, 1, 2, 9, 30, 0, 0, time.UTC), next)
}

func TestNextOccurrence_WeeklyFromWednesday(t *testing.T) {
	p, err := Parse("weekly:friday")
	require.NoError(t, err)

	// 2025-01-01 is a Wednesday; the next Friday is Jan 3.
	next := p.NextOccurrence(date(2025, 1, 1))
	assert.Equal(t, date(2025, 1, 3), next)
	assert.Equal(t, time.Friday, next.Weekday())
}

func TestNextOccurrence_WeeklyFromSaturday(t *testing.T) {
	p, err := Parse("weekly:friday")
	require.NoError(t, err)

	// 2025-01-04 is a Saturday; Friday has passed, so wrap to Jan 10.
	next := p.NextOccurrence(date(2025, 1, 4))
	assert.Equal(t, date(2025, 1, 10), next)
}

func TestNextOccurrence_WeeklyOnOwnDayIsStrictlyAfter(t *testing.T) {
	p, err := Parse("weekly:friday")
	require.NoError(t, err)

	// From a Friday, the next occurrence is the following Friday.
	next := p.NextOccurrence(date(2025, 1, 3))
	assert.Equal(t, date(2025, 1, 10), next)
}

func TestNextOccurrence_WeeklyDefault(t *testing.T) {
	p, err := Parse("weekly")
	require.NoError(t, err)

	next := p.NextOccurrence(date(2025, 1, 1))
	assert.Equal(t, date(2025, 1, 8), next)
}

func TestNextOccurrence_MonthlyClampsToFebruary(t *testing.T) {
	p, err := Parse("monthly:31")
	require.NoError(t, err)

	next := p.NextOccurrence(date(2025, 1, 31))
	assert.Equal(t, date(2025, 2, 28), next)

	next = p.NextOccurrence(date(2024, 1, 31))
	assert.Equal(t, date(2024, 2, 29), next, "leap year keeps Feb 29")
}

func TestNextOccurrence_MonthlyAdvancesPastClampedMonth(t *testing.T) {
	p, err := Parse("monthly:31")
	require.NoError(t, err)

	// February's occurrence was the clamped 28th; the walk must move on
	// to March 31 instead of resolving to Feb 28 again.
	next := p.NextOccurrence(date(2025, 2, 28))
	assert.Equal(t, date(2025, 3, 31), next)

	next = p.NextOccurrence(date(2025, 4, 30))
	assert.Equal(t, date(2025, 5, 31), next)
}

func TestNextOccurrence_MonthlyMultipleDays(t *testing.T) {
	p, err := Parse("monthly:1,15")
	require.NoError(t, err)

	assert.Equal(t, date(2025, 1, 15), p.NextOccurrence(date(2025, 1, 10)))
	assert.Equal(t, date(2025, 2, 1), p.NextOccurrence(date(2025, 1, 20)))
}

func TestNextOccurrence_MonthlyDefault(t *testing.T) {
	p, err := Parse("monthly")
	require.NoError(t, err)

	assert.Equal(t, date(2025, 2, 15), p.NextOccurrence(date(2025, 1, 15)))
	assert.Equal(t, date(2025, 2, 28), p.NextOccurrence(date(2025, 1, 31)))
}

func TestNextOccurrence_Yearly(t *testing.T) {
	p, err := Parse("yearly")
	require.NoError(t, err)

	assert.Equal(t, date(2026, 6, 15), p.NextOccurrence(date(2025, 6, 15)))
	assert.Equal(t, date(2025, 2, 28), p.NextOccurrence(date(2024, 2, 29)),
		"Feb 29 clamps to Feb 28 in non-leap years")
}

func TestAllOccurrences_IncludesMatchingStart(t *testing.T) {
	p, err := Parse("daily")
	require.NoError(t, err)

	occ := p.AllOccurrences(date(2025, 1, 1), time.Time{}, 7)
	require.Len(t, occ, 7)
	assert.Equal(t, date(2025, 1, 1), occ[0])
	assert.Equal(t, date(2025, 1, 7), occ[6])
}

func TestAllOccurrences_SkipsNonMatchingStart(t *testing.T) {
	p, err := Parse("weekly:friday")
	require.NoError(t, err)

	// Start on a Wednesday: the first listed occurrence is Friday.
	occ := p.AllOccurrences(date(2025, 1, 1), time.Time{}, 3)
	require.Len(t, occ, 3)
	assert.Equal(t, date(2025, 1, 3), occ[0])
	assert.Equal(t, date(2025, 1, 10), occ[1])
	assert.Equal(t, date(2025, 1, 17), occ[2])
}

func TestAllOccurrences_StopsAtEnd(t *testing.T) {
	p, err := Parse("daily")
	require.NoError(t, err)

	occ := p.AllOccurrences(date(2025, 1, 1), date(2025, 1, 4), 100)
	assert.Len(t, occ, 4)
	assert.Equal(t, date(2025, 1, 4), occ[len(occ)-1])
}

func TestAllOccurrences_DefaultMax(t *testing.T) {
	p, err := Parse("daily")
	require.NoError(t, err)

	occ := p.AllOccurrences(date(2025, 1, 1), time.Time{}, 0)
	assert.Len(t, occ, DefaultMaxOccurrences)
}

func TestMatches(t *testing.T) {
	anchor := date(2025, 1, 1) // a Wednesday

	tests := []struct {
		name    string
		pattern string
		date    time.Time
		want    bool
	}{
		{"daily matches any day on or after anchor", "daily", date(2025, 1, 5), true},
		{"daily matches anchor itself", "daily", date(2025, 1, 1), true},
		{"before anchor never matches", "daily", date(2024, 12, 31), false},
		{"weekly listed day", "weekly:friday", date(2025, 1, 3), true},
		{"weekly other day", "weekly:friday", date(2025, 1, 4), false},
		{"weekly bare uses anchor weekday", "weekly", date(2025, 1, 8), true},
		{"weekly bare other weekday", "weekly", date(2025, 1, 9), false},
		{"monthly listed day", "monthly:15", date(2025, 3, 15), true},
		{"monthly clamped day", "monthly:31", date(2025, 2, 28), true},
		{"monthly other day", "monthly:15", date(2025, 3, 14), false},
		{"monthly bare uses anchor day", "monthly", date(2025, 4, 1), true},
		{"yearly anchor date", "yearly", date(2026, 1, 1), true},
		{"yearly other date", "yearly", date(2026, 1, 2), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Parse(tt.pattern)
			require.NoError(t, err)
			assert.Equal(t, tt.want, p.Matches(tt.date, anchor))
		})
	}
}

func TestMatches_YearlyLeapAnchor(t *testing.T) {
	p, err := Parse("yearly")
	require.NoError(t, err)
	anchor := date(2024, 2, 29)

	assert.True(t, p.Matches(date(2025, 2, 28), anchor), "clamped in non-leap years")
	assert.False(t, p.Matches(date(2028, 2, 28), anchor), "leap year occurrence is the 29th")
	assert.True(t, p.Matches(date(2028, 2, 29), anchor))
}
