package utils

import (
	"fmt"
	"time"
)

func plural(n int64, unit string) string {
	if n == 1 {
		return fmt.Sprintf("%d %s", n, unit)
	}
	return fmt.Sprintf("%d %ss", n, unit)
}

// FormatDuration renders milliseconds as the two most significant units,
// starting at the largest nonzero one. Hours are never rolled into days.
// Anything under a second reads "0 seconds".
func FormatDuration(ms int64) string {
	if ms < 1000 {
		return "0 seconds"
	}
	sec := ms / 1000
	min := sec / 60
	hrs := min / 60

	switch {
	case hrs > 0:
		return plural(hrs, "hour") + " " + plural(min%60, "minute")
	case min > 0:
		return plural(min, "minute") + " " + plural(sec%60, "second")
	default:
		return plural(sec, "second")
	}
}

// FormatDurationOf is FormatDuration for a time.Duration.
func FormatDurationOf(d time.Duration) string {
	return FormatDuration(d.Milliseconds())
}
