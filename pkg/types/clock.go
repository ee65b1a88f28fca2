package types

import (
	"fmt"
	"strings"
	"time"
)

// ClockTime is a wall-clock time of day stored as minutes since midnight.
type ClockTime int

const minutesPerDay = 24 * 60

// Midnight is the zero ClockTime and doubles as the neutral actuator value.
const Midnight ClockTime = 0

// NewClockTime returns the ClockTime for the given hour and minute.
func NewClockTime(hour, minute int) ClockTime {
	return ClockTime(hour*60 + minute)
}

// ClockOf returns the wall-clock time of t in t's location.
func ClockOf(t time.Time) ClockTime {
	return NewClockTime(t.Hour(), t.Minute())
}

// ParseClockTime parses "HH:MM" or "HH:MM:SS". Seconds are discarded.
func ParseClockTime(s string) (ClockTime, error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 && len(parts) != 3 {
		return 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	var h, m int
	if _, err := fmt.Sscanf(parts[0], "%d", &h); err != nil {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	if _, err := fmt.Sscanf(parts[1], "%d", &m); err != nil {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid time %q", s)
	}
	return NewClockTime(h, m), nil
}

// Hour returns the hour component.
func (c ClockTime) Hour() int {
	return int(c) / 60
}

// Minute returns the minute component.
func (c ClockTime) Minute() int {
	return int(c) % 60
}

func (c ClockTime) String() string {
	return fmt.Sprintf("%02d:%02d", c.Hour(), c.Minute())
}

// On returns the instant of c on the calendar day of t, in t's location.
func (c ClockTime) On(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), c.Hour(), c.Minute(), 0, 0, t.Location())
}

// MarshalText encodes c as "HH:MM".
func (c ClockTime) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText decodes "HH:MM".
func (c *ClockTime) UnmarshalText(b []byte) error {
	v, err := ParseClockTime(string(b))
	if err != nil {
		return err
	}
	*c = v
	return nil
}

// Period is a named portion of the day. If Start is after End the period
// wraps past midnight. A period with Start == End is empty.
type Period struct {
	Name  string    `json:"name" yaml:"name"`
	Start ClockTime `json:"start" yaml:"start"`
	End   ClockTime `json:"end" yaml:"end"`
}

// Contains reports whether c falls in [Start, End).
func (p Period) Contains(c ClockTime) bool {
	if p.Start == p.End {
		return false
	}
	if p.Start < p.End {
		return c >= p.Start && c < p.End
	}
	return c >= p.Start || c < p.End
}

// Wraps reports whether the period crosses midnight.
func (p Period) Wraps() bool {
	return p.Start > p.End
}

// Instance returns the absolute interval of the occurrence of p that
// contains now, or the next occurrence starting after now.
func (p Period) Instance(now time.Time) (time.Time, time.Time) {
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	c := ClockOf(now)
	start := p.Start.On(day)
	switch {
	case p.Contains(c) && p.Wraps() && c < p.End:
		// in the morning tail of a period that started yesterday
		start = p.Start.On(day.AddDate(0, 0, -1))
	case p.Contains(c):
	case !start.After(now):
		start = p.Start.On(day.AddDate(0, 0, 1))
	}
	end := p.End.On(start)
	if !end.After(start) {
		end = p.End.On(start.AddDate(0, 0, 1))
	}
	return start, end
}

// Validate checks that the period is named and non-empty.
func (p Period) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("period name is required")
	}
	if p.Start == p.End {
		return fmt.Errorf("period %s has identical start and end (%s)", p.Name, p.Start)
	}
	if p.Start < 0 || p.Start >= minutesPerDay || p.End < 0 || p.End >= minutesPerDay {
		return fmt.Errorf("period %s has out of range boundaries", p.Name)
	}
	return nil
}
