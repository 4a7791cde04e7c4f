package utils

import (
	"fmt"
	"time"
)

const dayLayoutLen = len("2006-01-02")

// FormatError is returned when a date string does not have the YYYY-MM-DD shape
type FormatError struct {
	Input  string
	Reason string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("invalid date format %q: %s", e.Input, e.Reason)
}

// ParseError is returned when a date field contains non-digit characters
type ParseError struct {
	Input string
	Field string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("invalid date %q: %s is not numeric", e.Input, e.Field)
}

// CalendarError is returned when the date does not exist on the calendar
type CalendarError struct {
	Input string
}

func (e *CalendarError) Error() string {
	return fmt.Sprintf("invalid date %q: out of calendar range", e.Input)
}

// DayKeyPolicy controls which zone midnight is computed in.
// The zone is a fixed offset, so daylight saving time never applies.
type DayKeyPolicy struct {
	Offset time.Duration
}

// DefaultDayKeyPolicy computes day keys at UTC midnight
var DefaultDayKeyPolicy = DayKeyPolicy{}

// ParseDayKeyPolicy parses an offset such as "+08:00", "-05:30" or "Z"
func ParseDayKeyPolicy(offset string) (DayKeyPolicy, error) {
	if offset == "" || offset == "Z" {
		return DefaultDayKeyPolicy, nil
	}
	t, err := time.Parse("-07:00", offset)
	if err != nil {
		return DayKeyPolicy{}, fmt.Errorf("invalid day key offset %q: %w", offset, err)
	}
	_, secs := t.Zone()
	return DayKeyPolicy{Offset: time.Duration(secs) * time.Second}, nil
}

func (p DayKeyPolicy) location() *time.Location {
	if p.Offset == 0 {
		return time.UTC
	}
	return time.FixedZone("", int(p.Offset/time.Second))
}

// DayKey converts a "YYYY-MM-DD" date into the epoch seconds of its midnight
// under the given policy. The same input always yields the same key.
func DayKey(date string, policy DayKeyPolicy) (int64, error) {
	if len(date) != dayLayoutLen {
		return 0, &FormatError{Input: date, Reason: fmt.Sprintf("length is %d, want %d", len(date), dayLayoutLen)}
	}
	if date[4] != '-' || date[7] != '-' {
		return 0, &FormatError{Input: date, Reason: "separators must be '-'"}
	}

	year, ok := parseDigits(date[0:4])
	if !ok {
		return 0, &ParseError{Input: date, Field: "year"}
	}
	month, ok := parseDigits(date[5:7])
	if !ok {
		return 0, &ParseError{Input: date, Field: "month"}
	}
	day, ok := parseDigits(date[8:10])
	if !ok {
		return 0, &ParseError{Input: date, Field: "day"}
	}

	if month < 1 || month > 12 || day < 1 {
		return 0, &CalendarError{Input: date}
	}
	t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, policy.location())
	// time.Date normalizes overflow (Feb 30 -> Mar 2); reject anything that moved.
	if t.Day() != day || int(t.Month()) != month {
		return 0, &CalendarError{Input: date}
	}

	return t.Unix(), nil
}

func parseDigits(s string) (int, bool) {
	n := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int(c-'0')
	}
	return n, true
}
