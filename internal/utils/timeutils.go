package utils

import (
	"fmt"
	"math"
	"time"
)

// ParseRFC3339 returns a time from the provided string or an error.
func ParseRFC3339(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, fmt.Errorf("empty time value")
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time: %w", err)
	}
	return t, nil
}

// FromEpoch interprets a numeric timestamp as epoch seconds or milliseconds.
// Monitoring sources disagree on units; anything past the year 33658 in
// seconds is treated as milliseconds.
func FromEpoch(value float64) time.Time {
	if value <= 0 {
		return time.Time{}
	}
	if value > 1e12 {
		sec := int64(value / 1000)
		ms := int64(math.Mod(value, 1000))
		return time.Unix(sec, ms*int64(time.Millisecond)).UTC()
	}
	sec := int64(value)
	frac := value - float64(sec)
	return time.Unix(sec, int64(frac*float64(time.Second))).UTC()
}
