// Package recur computes when the next occurrence of a repeating duty
// becomes due and visible.
package recur

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/teambition/rrule-go"
)

// DefaultLeadTimeHours applies when a schedule does not set its own lead time.
const DefaultLeadTimeHours = 24

// ErrMalformedRule marks a recurrence rule that could not be parsed. Batch
// callers log it and skip the schedule; it is distinct from rule exhaustion,
// which yields a nil Instance with a nil error.
var ErrMalformedRule = errors.New("malformed recurrence rule")

// Instance is one computed occurrence: when it is due and when it unlocks.
type Instance struct {
	DueAt    time.Time
	UnlockAt time.Time
}

// Status returns the initial task status and notification level for an
// instance created at now: still-locked instances start silent, instances
// whose unlock time already passed start open and announced.
func (in Instance) Status(now time.Time) (status, level string) {
	if in.UnlockAt.After(now) {
		return "locked", "none"
	}
	return "open", "unlocked"
}

// Next computes the occurrence after anchor under rule.
//
// A bare integer rule with no '=' is the legacy interval form: due exactly N
// days after the anchor, ignoring reference. Anything else is an RRULE
// calendar expression whose start is anchored at max(anchor, reference); the
// result is the first occurrence strictly after that instant, so a caller can
// pass reference to force the result into the future even when the nominal
// anchor is stale.
//
// A rule with no further occurrences returns (nil, nil): stop generating, not
// an error. A rule that does not parse returns (nil, ErrMalformedRule).
func Next(rule string, anchor time.Time, leadTimeHours int, reference *time.Time) (*Instance, error) {
	rule = strings.TrimSpace(rule)
	if rule == "" {
		return nil, ErrMalformedRule
	}
	if leadTimeHours < 0 {
		leadTimeHours = DefaultLeadTimeHours
	}

	var due time.Time
	if !strings.Contains(rule, "=") {
		days, err := strconv.Atoi(rule)
		if err != nil || days <= 0 {
			return nil, ErrMalformedRule
		}
		due = anchor.AddDate(0, 0, days)
	} else {
		r, err := rrule.StrToRRule(rule)
		if err != nil {
			return nil, ErrMalformedRule
		}
		start := anchor
		if reference != nil && reference.After(start) {
			start = *reference
		}
		r.DTStart(start)
		due = r.After(start, false)
		if due.IsZero() {
			return nil, nil
		}
	}

	return &Instance{
		DueAt:    due,
		UnlockAt: due.Add(-time.Duration(leadTimeHours) * time.Hour),
	}, nil
}
