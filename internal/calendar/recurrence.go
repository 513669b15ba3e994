package calendar

import (
	"fmt"
	"strings"
	"time"

	"github.com/teambition/rrule-go"
)

// NormalizeRecurrence trims an RRULE and drops an optional "RRULE:" prefix.
func NormalizeRecurrence(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 6 && strings.EqualFold(s[:6], "RRULE:") {
		s = s[6:]
	}
	return s
}

// ParseRecurrence validates an RFC 5545 RRULE anchored at start.
func ParseRecurrence(rule string, start time.Time) (*rrule.RRule, error) {
	rule = NormalizeRecurrence(rule)
	if rule == "" {
		return nil, fmt.Errorf("empty recurrence rule")
	}
	r, err := rrule.StrToRRule(rule)
	if err != nil {
		return nil, err
	}
	r.DTStart(start)
	return r, nil
}

// NextOccurrence returns the first occurrence of e strictly after t. Events
// without a recurrence have no next occurrence.
func NextOccurrence(e *Event, t time.Time) (time.Time, bool) {
	if e == nil || NormalizeRecurrence(e.Recurrence) == "" {
		return time.Time{}, false
	}
	r, err := ParseRecurrence(e.Recurrence, e.Start)
	if err != nil {
		return time.Time{}, false
	}
	next := r.After(t, false)
	if next.IsZero() {
		return time.Time{}, false
	}
	return next, true
}
