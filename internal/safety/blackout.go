package safety

import (
	"strings"
	"time"

	"github.com/maftabmirza/remediation-engine-sub000/internal/runbook"
)

var weekdayNames = map[time.Weekday]string{
	time.Monday:    "mon",
	time.Tuesday:   "tue",
	time.Wednesday: "wed",
	time.Thursday:  "thu",
	time.Friday:    "fri",
	time.Saturday:  "sat",
	time.Sunday:    "sun",
}

// InBlackout reports whether now falls inside any of the windows. A window
// whose end is before its start wraps past midnight; for the wrapped part the
// window's weekday is the day it started on.
func InBlackout(windows []runbook.BlackoutWindow, now time.Time) bool {
	for _, w := range windows {
		if windowContains(w, now) {
			return true
		}
	}
	return false
}

func windowContains(w runbook.BlackoutWindow, now time.Time) bool {
	minutes := now.Hour()*60 + now.Minute()
	start := clockMinutes(w.Start)
	end := clockMinutes(w.End)

	if start <= end {
		return dayMatches(w.Days, now.Weekday()) && minutes >= start && minutes < end
	}

	// Wrapped window, e.g. 22:00-02:00.
	if dayMatches(w.Days, now.Weekday()) && minutes >= start {
		return true
	}
	prev := (now.Weekday() + 6) % 7
	return dayMatches(w.Days, prev) && minutes < end
}

func dayMatches(days []string, day time.Weekday) bool {
	name := weekdayNames[day]
	for _, d := range days {
		if strings.ToLower(d) == name {
			return true
		}
	}
	return false
}

// clockMinutes parses "HH:MM" into minutes since midnight. Validation
// guarantees the format before a definition is accepted.
func clockMinutes(v string) int {
	hh := int(v[0]-'0')*10 + int(v[1]-'0')
	mm := int(v[3]-'0')*10 + int(v[4]-'0')
	return hh*60 + mm
}
