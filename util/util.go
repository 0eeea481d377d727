package util

import "time"

// Ms converts a time to milliseconds since the epoch, the unit used
// for every timestamp in this module.
func Ms(t time.Time) int64 {
	return t.UnixMilli()
}

// FromMs converts milliseconds since the epoch back to a time.Time.
func FromMs(ms int64) time.Time {
	return time.UnixMilli(ms)
}

// DurationMs converts a duration to whole milliseconds.
func DurationMs(d time.Duration) int64 {
	return int64(d / time.Millisecond)
}
