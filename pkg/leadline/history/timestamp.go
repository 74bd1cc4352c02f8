package history

import "time"

// NormalizeTimestamp converts a raw numeric timestamp into a time.Time.
// Exported chats and webhook payloads carry timestamps in seconds,
// milliseconds, or microseconds depending on their origin; the unit is
// decided by magnitude. Zero, negative, or implausibly large values
// fall back to the current time.
func NormalizeTimestamp(raw int64) time.Time {
	return normalizeTimestamp(raw, time.Now())
}

func normalizeTimestamp(raw int64, now time.Time) time.Time {
	switch {
	case raw <= 0:
		return now.UTC()
	case raw < 1e11:
		return time.Unix(raw, 0).UTC()
	case raw < 1e14:
		return time.UnixMilli(raw).UTC()
	case raw < 1e17:
		return time.UnixMicro(raw).UTC()
	default:
		return now.UTC()
	}
}
