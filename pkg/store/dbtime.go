package store

import (
	"fmt"
	"time"
)

// TimeLayout is the on-disk layout for all timestamp columns.
const TimeLayout = time.RFC3339Nano

// FormatTime renders t in UTC using TimeLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// Now returns the current time formatted for storage.
func Now() string {
	return FormatTime(time.Now())
}

// ParseTime converts a scanned column value back into a time.Time.
//
// Drivers differ in what they hand back for TEXT columns, so strings, byte
// slices, and native time values are all accepted.
func ParseTime(raw any) (time.Time, error) {
	switch v := raw.(type) {
	case time.Time:
		return v.UTC(), nil
	case string:
		return parseTimeString(v)
	case []byte:
		return parseTimeString(string(v))
	case nil:
		return time.Time{}, fmt.Errorf("time value is null")
	default:
		return time.Time{}, fmt.Errorf("unsupported time value type %T", raw)
	}
}

func parseTimeString(s string) (time.Time, error) {
	layouts := []string{
		TimeLayout,
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02 15:04:05",
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("parse time %q", s)
}
