// Package timeutil consolidates the timestamp formats seen in stored token
// rows and provider responses into one parser.
package timeutil

import (
	"strings"
	"time"
)

// ParseTimestamp parses an ISO-8601-ish timestamp string: `T` or space
// separator, optional fractional seconds of any precision, optional trailing
// `Z` or numeric offset. Timestamps without an offset are interpreted as UTC.
// Unparseable input yields the zero time.
//
// time.Parse accepts fractional seconds even when the layout omits them, so
// two layouts cover every accepted form.
func ParseTimestamp(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	// Normalize space separator between date and time.
	if len(s) > 10 && s[10] == ' ' {
		s = s[:10] + "T" + s[11:]
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	if t, err := time.Parse("2006-01-02T15:04:05", s); err == nil {
		return t.UTC()
	}
	return time.Time{}
}

// ToEpochSeconds parses a timestamp string to epoch seconds, zero on failure.
func ToEpochSeconds(s string) int64 {
	t := ParseTimestamp(s)
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

// EpochMSToISO renders epoch milliseconds as an ISO-8601 UTC timestamp with
// second precision and a trailing Z, the form the Graph $filter expects.
func EpochMSToISO(ms int64) string {
	return time.UnixMilli(ms).UTC().Format("2006-01-02T15:04:05") + "Z"
}

// ISOToEpochMS parses a timestamp string to epoch milliseconds, zero on
// failure.
func ISOToEpochMS(s string) int64 {
	t := ParseTimestamp(s)
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
