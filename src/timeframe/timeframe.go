// Package timeframe parses free-form timeframe strings into durations.
package timeframe

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// bareIntegerMinuteCutoff: a bare integer up to this value is read as
// minutes ("5" -> 5m); anything larger is read as seconds ("300" -> 300s).
// Session configurations in the wild rely on this heuristic, so it is kept
// as-is rather than rejected as ambiguous.
const bareIntegerMinuteCutoff = 60

var unitSuffixes = map[string]time.Duration{
	"s": time.Second,
	"m": time.Minute,
	"h": time.Hour,
	"d": 24 * time.Hour,
}

// Parse converts a timeframe string such as "5m", "1h", "30s", "1d" or a
// bare integer into a duration.
func Parse(raw string) (time.Duration, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return 0, fmt.Errorf("empty timeframe")
	}

	if unit, ok := unitSuffixes[s[len(s)-1:]]; ok {
		n, err := strconv.Atoi(s[:len(s)-1])
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("invalid timeframe %q", raw)
		}
		return time.Duration(n) * unit, nil
	}

	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid timeframe %q", raw)
	}
	if n <= bareIntegerMinuteCutoff {
		return time.Duration(n) * time.Minute, nil
	}
	return time.Duration(n) * time.Second, nil
}

// Seconds is Parse rounded down to whole seconds, the unit the brokerage
// candle API speaks.
func Seconds(raw string) (int, error) {
	d, err := Parse(raw)
	if err != nil {
		return 0, err
	}
	return int(d / time.Second), nil
}
