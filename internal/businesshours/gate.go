// Package businesshours decides whether a tenant is open at a given moment.
package businesshours

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Clock is a time of day in minutes since midnight.
type Clock int

// ParseClock accepts HH:MM or HH:MM:SS. Seconds are dropped.
func ParseClock(v string) (Clock, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, fmt.Errorf("businesshours: empty clock")
	}
	layout := "15:04"
	if strings.Count(v, ":") == 2 {
		layout = "15:04:05"
	}
	t, err := time.Parse(layout, v)
	if err != nil {
		return 0, fmt.Errorf("businesshours: parse clock %q: %w", v, err)
	}
	return Clock(t.Hour()*60 + t.Minute()), nil
}

func (c Clock) String() string {
	return fmt.Sprintf("%02d:%02d", int(c)/60, int(c)%60)
}

// IsOpen reports whether now falls on one of days and inside [start, end],
// both ends inclusive, using the location now already carries. When start is
// after end the window wraps past midnight.
func IsOpen(now time.Time, days []time.Weekday, start, end Clock) bool {
	if !containsDay(days, now.Weekday()) {
		return false
	}
	minutes := Clock(now.Hour()*60 + now.Minute())
	if start <= end {
		return minutes >= start && minutes <= end
	}
	return minutes >= start || minutes <= end
}

func containsDay(days []time.Weekday, day time.Weekday) bool {
	for _, d := range days {
		if d == day {
			return true
		}
	}
	return false
}

// DefaultTimezone applies when a tenant stores no timezone.
const DefaultTimezone = "America/Sao_Paulo"

// Schedule is a tenant's configured opening window.
type Schedule struct {
	Days     []time.Weekday
	Start    Clock
	End      Clock
	Location *time.Location
	enabled  bool
}

// NewSchedule builds a schedule from stored settings. When neither hours nor
// days are configured the schedule is disabled and always open.
func NewSchedule(days []string, start, end, tz string) (Schedule, error) {
	if strings.TrimSpace(start) == "" && strings.TrimSpace(end) == "" && len(days) == 0 {
		return Schedule{}, nil
	}
	loc := time.UTC
	if tz = strings.TrimSpace(tz); tz != "" {
		var err error
		if loc, err = time.LoadLocation(tz); err != nil {
			return Schedule{}, fmt.Errorf("businesshours: load timezone: %w", err)
		}
	}
	startClock, err := ParseClock(start)
	if err != nil {
		return Schedule{}, err
	}
	endClock, err := ParseClock(end)
	if err != nil {
		return Schedule{}, err
	}
	parsed := make([]time.Weekday, 0, len(days))
	for _, name := range days {
		day, err := ParseWeekday(name)
		if err != nil {
			return Schedule{}, err
		}
		if !containsDay(parsed, day) {
			parsed = append(parsed, day)
		}
	}
	sort.Slice(parsed, func(i, j int) bool { return parsed[i] < parsed[j] })
	return Schedule{
		Days:     parsed,
		Start:    startClock,
		End:      endClock,
		Location: loc,
		enabled:  true,
	}, nil
}

func (s Schedule) Enabled() bool { return s.enabled }

// IsOpen evaluates the schedule in its own timezone.
func (s Schedule) IsOpen(now time.Time) bool {
	if !s.enabled {
		return true
	}
	return IsOpen(now.In(s.Location), s.Days, s.Start, s.End)
}

// Describe renders the schedule for prompt context, e.g. "Monday, Tuesday 08:00-18:00".
func (s Schedule) Describe() string {
	if !s.enabled {
		return ""
	}
	names := make([]string, 0, len(s.Days))
	for _, d := range s.Days {
		names = append(names, d.String())
	}
	return fmt.Sprintf("%s %s-%s", strings.Join(names, ", "), s.Start, s.End)
}

var weekdayNames = map[string]time.Weekday{
	"sunday": time.Sunday, "sun": time.Sunday, "domingo": time.Sunday, "dom": time.Sunday,
	"monday": time.Monday, "mon": time.Monday, "segunda": time.Monday, "seg": time.Monday,
	"tuesday": time.Tuesday, "tue": time.Tuesday, "terca": time.Tuesday, "ter": time.Tuesday,
	"wednesday": time.Wednesday, "wed": time.Wednesday, "quarta": time.Wednesday, "qua": time.Wednesday,
	"thursday": time.Thursday, "thu": time.Thursday, "quinta": time.Thursday, "qui": time.Thursday,
	"friday": time.Friday, "fri": time.Friday, "sexta": time.Friday, "sex": time.Friday,
	"saturday": time.Saturday, "sat": time.Saturday, "sabado": time.Saturday, "sab": time.Saturday,
}

// ParseWeekday accepts English and Portuguese day names, full or abbreviated,
// with or without accents and the "-feira" suffix.
func ParseWeekday(name string) (time.Weekday, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	key = strings.TrimSuffix(key, "-feira")
	key = strings.TrimSuffix(key, " feira")
	key = strings.NewReplacer("ç", "c", "á", "a").Replace(key)
	if day, ok := weekdayNames[key]; ok {
		return day, nil
	}
	return 0, fmt.Errorf("businesshours: unknown weekday %q", name)
}
