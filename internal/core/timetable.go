package core

import (
	"math"
	"time"
)

// TimeFormat is the wire format for timestamps in headers and diagnostics.
const TimeFormat = "2006-01-02T15:04:05.000Z"

// FormatTime formats t in UTC with millisecond precision.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// NowFormatted returns the current time in TimeFormat.
func NowFormatted() string {
	return FormatTime(time.Now())
}

// IntervalMs is the spacing between consecutive dispatches at the given rate.
func IntervalMs(recordsPerMinute int) float64 {
	return 60000.0 / float64(recordsPerMinute)
}

// ScheduledAt returns the dispatch time, in epoch milliseconds, of the i-th
// slot of a timetable starting at startMs. Rounding keeps the result
// non-decreasing in i for any positive interval.
func ScheduledAt(startMs int64, i int, intervalMs float64) int64 {
	return startMs + int64(math.Round(float64(i)*intervalMs))
}

// Timetable returns n dispatch times starting at start, spaced for the rate.
func Timetable(start time.Time, n, recordsPerMinute int) []int64 {
	interval := IntervalMs(recordsPerMinute)
	startMs := start.UnixMilli()
	out := make([]int64, n)
	for i := range out {
		out[i] = ScheduledAt(startMs, i, interval)
	}
	return out
}
