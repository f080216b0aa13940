package budget

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// QuietHours is a daily window during which autonomous sends are
// suppressed. Start and End are "HH:MM" in the configured timezone;
// a window may cross midnight (e.g. 22:00 to 07:00).
type QuietHours struct {
	Start    string `yaml:"start" json:"start"`
	End      string `yaml:"end" json:"end"`
	Timezone string `yaml:"timezone,omitempty" json:"timezone,omitempty"`
}

// Validate checks the window definition.
func (q *QuietHours) Validate() error {
	if _, err := parseClock(q.Start); err != nil {
		return fmt.Errorf("quiet hours start: %w", err)
	}
	if _, err := parseClock(q.End); err != nil {
		return fmt.Errorf("quiet hours end: %w", err)
	}
	if q.Timezone != "" {
		if _, err := time.LoadLocation(q.Timezone); err != nil {
			return fmt.Errorf("quiet hours timezone: %w", err)
		}
	}
	return nil
}

// Contains reports whether now falls inside the quiet window. An
// unparseable definition is treated as inactive.
func (q *QuietHours) Contains(now time.Time) bool {
	start, errS := parseClock(q.Start)
	end, errE := parseClock(q.End)
	if errS != nil || errE != nil || start == end {
		return false
	}

	cur := clockMinutes(now.In(q.location()))
	if start < end {
		return cur >= start && cur < end
	}
	// Window crosses midnight.
	return cur >= start || cur < end
}

// UntilEnd returns the time remaining until the window closes. Zero
// when now is outside the window.
func (q *QuietHours) UntilEnd(now time.Time) time.Duration {
	if !q.Contains(now) {
		return 0
	}
	end, _ := parseClock(q.End)

	local := now.In(q.location())
	endToday := time.Date(local.Year(), local.Month(), local.Day(),
		end/60, end%60, 0, 0, local.Location())
	if !endToday.After(local) {
		endToday = endToday.Add(24 * time.Hour)
	}
	return endToday.Sub(local)
}

func (q *QuietHours) location() *time.Location {
	if q.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(q.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// parseClock converts "HH:MM" to minutes since midnight.
func parseClock(s string) (int, error) {
	parts := strings.SplitN(strings.TrimSpace(s), ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid clock %q, want HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h*60 + m, nil
}

func clockMinutes(t time.Time) int {
	return t.Hour()*60 + t.Minute()
}
