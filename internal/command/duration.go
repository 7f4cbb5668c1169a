package command

import (
	"fmt"
	"strconv"
	"time"
)

var durationUnits = map[byte]time.Duration{
	's': time.Second,
	'm': time.Minute,
	'h': time.Hour,
	'd': 24 * time.Hour,
}

// ParseDuration reads "<integer><unit>" with unit one of s, m, h, d.
// Anything else, including zero amounts and overflow, yields 0.
func ParseDuration(s string) time.Duration {
	if len(s) < 2 {
		return 0
	}
	unit, ok := durationUnits[s[len(s)-1]]
	if !ok {
		return 0
	}
	digits := s[:len(s)-1]
	for i := 0; i < len(digits); i++ {
		if digits[i] < '0' || digits[i] > '9' {
			return 0
		}
	}
	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil || n <= 0 || n > int64(maxDuration/unit) {
		return 0
	}
	return time.Duration(n) * unit
}

const maxDuration = time.Duration(1<<63 - 1)

// FormatDuration renders d in the largest unit that divides it evenly.
func FormatDuration(d time.Duration) string {
	for _, u := range []struct {
		suffix string
		unit   time.Duration
	}{
		{"d", 24 * time.Hour},
		{"h", time.Hour},
		{"m", time.Minute},
	} {
		if d >= u.unit && d%u.unit == 0 {
			return fmt.Sprintf("%d%s", d/u.unit, u.suffix)
		}
	}
	return fmt.Sprintf("%ds", d/time.Second)
}
