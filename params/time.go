package params

import "time"

// Block and transaction timestamps are Unix milliseconds throughout the
// protocol; these helpers convert at the edges.

// TimestampToTime converts a protocol millisecond timestamp to time.Time.
func TimestampToTime(ts uint64) time.Time {
	return time.UnixMilli(int64(ts))
}

// TimeToTimestamp converts a time.Time to a protocol millisecond timestamp.
func TimeToTimestamp(t time.Time) uint64 {
	return uint64(t.UnixMilli())
}
