// Package schedule evaluates working-hours availability for handoff requests.
// A Schedule is validated once at load time; evaluation itself never fails.
package schedule

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrNoEnabledDays is returned when a schedule enables no working days
	ErrNoEnabledDays = errors.New("at least one working day must be enabled")
	// ErrInvalidTimezone is returned when the timezone cannot be resolved
	ErrInvalidTimezone = errors.New("invalid timezone")
	// ErrInvalidDayName is returned for an unknown weekday name
	ErrInvalidDayName = errors.New("invalid day name")
	// ErrInvalidTimeFormat is returned for a malformed HH:MM time string
	ErrInvalidTimeFormat = errors.New("invalid time format, expected HH:MM")
	// ErrInvalidWindow is returned when a day's start is not before its end
	ErrInvalidWindow = errors.New("start time must be before end time")
)

// timePattern matches 24-hour HH:MM strings.
var timePattern = regexp.MustCompile(`^([0-1]?[0-9]|2[0-3]):[0-5][0-9]$`)

// dayIndex maps lowercase day names to weekdays.
var dayIndex = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

// DayHours defines one day's service window in lexical HH:MM 24-hour form.
type DayHours struct {
	Start string
	End   string
}

// window is a parsed, validated day window.
type window struct {
	startHour, startMin int
	endHour, endMin     int
	start, end          string // original lexical form, kept for comparisons and display
}

// Schedule is a validated working-hours configuration.
// The zero value is not usable; construct with New.
type Schedule struct {
	timezone string
	loc      *time.Location
	days     map[time.Weekday]window
}

// New builds a Schedule from a timezone name and enabled days with their hours.
// All validation happens here: malformed time strings, an unknown timezone, an
// unknown day name, an inverted window, or an all-disabled schedule are
// configuration errors and must fail at load time, not at evaluation time.
func New(timezone string, hoursByDay map[string]DayHours) (*Schedule, error) {
	if len(hoursByDay) == 0 {
		return nil, ErrNoEnabledDays
	}

	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidTimezone, timezone, err)
	}

	days := make(map[time.Weekday]window, len(hoursByDay))
	for name, hours := range hoursByDay {
		weekday, ok := dayIndex[strings.ToLower(name)]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrInvalidDayName, name)
		}

		if !timePattern.MatchString(hours.Start) {
			return nil, fmt.Errorf("%w: %s start %q", ErrInvalidTimeFormat, name, hours.Start)
		}
		if !timePattern.MatchString(hours.End) {
			return nil, fmt.Errorf("%w: %s end %q", ErrInvalidTimeFormat, name, hours.End)
		}

		start := normalizeClock(hours.Start)
		end := normalizeClock(hours.End)
		if start >= end {
			return nil, fmt.Errorf("%w: %s %s-%s", ErrInvalidWindow, name, hours.Start, hours.End)
		}

		sh, sm := splitClock(start)
		eh, em := splitClock(end)
		days[weekday] = window{
			startHour: sh, startMin: sm,
			endHour: eh, endMin: em,
			start: start, end: end,
		}
	}

	return &Schedule{timezone: timezone, loc: loc, days: days}, nil
}

// IsWithinSchedule reports whether now falls inside an enabled day's window.
// The end bound is exclusive: a 09:00-17:00 window covers [09:00, 17:00).
func (s *Schedule) IsWithinSchedule(now time.Time) bool {
	local := now.In(s.loc)

	day, ok := s.days[local.Weekday()]
	if !ok {
		return false
	}

	clock := local.Format("15:04")
	return clock >= day.start && clock < day.end
}

// NextWindowStart returns the start instant of the first window that has not
// yet closed, scanning at most one full week forward. Today counts if now is
// before today's end; if now is already inside a window, now itself is
// returned. The second return is false when no enabled window exists within
// seven days.
func (s *Schedule) NextWindowStart(now time.Time) (time.Time, bool) {
	local := now.In(s.loc)

	for i := 0; i < 7; i++ {
		candidate := local.AddDate(0, 0, i)

		day, ok := s.days[candidate.Weekday()]
		if !ok {
			continue
		}

		start := time.Date(candidate.Year(), candidate.Month(), candidate.Day(),
			day.startHour, day.startMin, 0, 0, s.loc)

		if i == 0 {
			end := time.Date(candidate.Year(), candidate.Month(), candidate.Day(),
				day.endHour, day.endMin, 0, 0, s.loc)
			if !now.Before(end) {
				// Today's window already closed; keep scanning.
				continue
			}
			if start.After(now) {
				return start, true
			}
			return now, true
		}

		return start, true
	}

	return time.Time{}, false
}

// Timezone returns the schedule's configured timezone name.
func (s *Schedule) Timezone() string {
	return s.timezone
}

// String formats the schedule for user-facing messages,
// e.g. "Monday 09:00-17:00, Friday 08:00-12:00".
func (s *Schedule) String() string {
	weekdays := make([]time.Weekday, 0, len(s.days))
	for weekday := range s.days {
		weekdays = append(weekdays, weekday)
	}
	sort.Slice(weekdays, func(i, j int) bool { return weekdays[i] < weekdays[j] })

	parts := make([]string, 0, len(weekdays))
	for _, weekday := range weekdays {
		day := s.days[weekday]
		parts = append(parts, fmt.Sprintf("%s %s-%s", weekday, day.start, day.end))
	}
	return strings.Join(parts, ", ")
}

// normalizeClock pads single-digit hours so lexical comparison is correct ("9:00" -> "09:00").
func normalizeClock(clock string) string {
	if len(clock) == 4 {
		return "0" + clock
	}
	return clock
}

// splitClock parses a normalized HH:MM string. The pattern check already ran.
func splitClock(clock string) (int, int) {
	hour, _ := strconv.Atoi(clock[:2])
	minute, _ := strconv.Atoi(clock[3:])
	return hour, minute
}
