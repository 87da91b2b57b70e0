package timeparser

import (
	"fmt"
	"strings"
	"time"
)

// ParseAlarmTimestamp attempts to parse a device timestamp with multiple formats.
// Timestamps without a zone are taken as UTC.
func ParseAlarmTimestamp(dateStr string) (time.Time, error) {
	formats := []string{
		time.RFC3339Nano,      // 2006-01-02T15:04:05.999999999Z07:00
		time.RFC3339,          // Standard RFC3339
		"2006-01-02T15:04:05", // Local ISO-8601, no zone
		"2006-01-02 15:04:05", // SQL style
	}

	dateStr = strings.TrimSpace(dateStr)

	var lastErr error
	for _, format := range formats {
		t, err := time.ParseInLocation(format, dateStr, time.UTC)
		if err == nil {
			return t.UTC(), nil
		}
		lastErr = err
	}

	return time.Time{}, fmt.Errorf("failed to parse timestamp '%s': %w", dateStr, lastErr)
}

// IsWithinWindow checks that t lies strictly after now-maxAge and strictly before now+futureTolerance
func IsWithinWindow(t, now time.Time, maxAge, futureTolerance time.Duration) bool {
	return t.After(now.Add(-maxAge)) && t.Before(now.Add(futureTolerance))
}
