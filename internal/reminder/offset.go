package reminder

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidOffset is wrapped by every ParseOffset failure.
var ErrInvalidOffset = errors.New("invalid reminder offset")

// offsetRe matches the leading "<number> <unit>" of an offset string.
// Trailing text is tolerated ("1 hour before" works), a missing number
// or unknown unit is not.
var offsetRe = regexp.MustCompile(`^(\d+)\s*(hour|hours|hr|hrs|minute|minutes|min|mins|day|days|week|weeks|wk|wks)`)

// ParseOffset converts a human reminder offset ("1 hour", "45 mins",
// "2 weeks") into a duration. Case-insensitive.
func ParseOffset(s string) (time.Duration, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return 0, fmt.Errorf("%w: empty string", ErrInvalidOffset)
	}

	m := offsetRe.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidOffset, s)
	}

	value, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidOffset, s)
	}

	switch m[2] {
	case "hour", "hours", "hr", "hrs":
		return time.Duration(value) * time.Hour, nil
	case "minute", "minutes", "min", "mins":
		return time.Duration(value) * time.Minute, nil
	case "day", "days":
		return time.Duration(value) * 24 * time.Hour, nil
	case "week", "weeks", "wk", "wks":
		return time.Duration(value) * 7 * 24 * time.Hour, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidOffset, s)
}
