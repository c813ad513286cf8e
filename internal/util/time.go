package util

import "time"

// timestampLayout is fixed-width UTC with millisecond precision, so stored
// timestamps order lexicographically and can be embedded in sort keys.
const timestampLayout = "2006-01-02T15:04:05.000Z"

// Timestamp formats a time in the canonical stored form.
func Timestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

// NowTimestamp returns the current time in the canonical stored form.
func NowTimestamp() string {
	return Timestamp(time.Now())
}
