package rules

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// subsetMatch reports whether every key in expected equals the same key in
// actual. Values are compared structurally, so nested objects and arrays
// from decoded JSON compare by content.
func subsetMatch(expected, actual map[string]any) bool {
	for k, v := range expected {
		if !reflect.DeepEqual(v, actual[k]) {
			return false
		}
	}
	return true
}

// isAfterLocal reports whether now's local time of day is at or past HH:MM,
// at minute resolution.
func isAfterLocal(now time.Time, hhmm string) (bool, error) {
	h, m, ok := strings.Cut(hhmm, ":")
	if !ok {
		return false, fmt.Errorf("bad time of day %q", hhmm)
	}
	hour, err := strconv.Atoi(h)
	if err != nil {
		return false, fmt.Errorf("bad time of day %q: %w", hhmm, err)
	}
	minute, err := strconv.Atoi(m)
	if err != nil {
		return false, fmt.Errorf("bad time of day %q: %w", hhmm, err)
	}
	nh, nm := now.Hour(), now.Minute()
	return nh > hour || (nh == hour && nm >= minute), nil
}

// parseISODuration handles the PTxxMxxS subset of ISO-8601 durations.
// Strings without the PT prefix parse as zero.
func parseISODuration(s string) (time.Duration, error) {
	rest, found := strings.CutPrefix(s, "PT")
	if !found {
		return 0, nil
	}
	var minutes, seconds int
	if mPart, sPart, hasM := strings.Cut(rest, "M"); hasM {
		var err error
		if minutes, err = atoiOrZero(mPart); err != nil {
			return 0, fmt.Errorf("bad duration %q: %w", s, err)
		}
		rest = sPart
	}
	if sPart, found := strings.CutSuffix(rest, "S"); found {
		var err error
		if seconds, err = atoiOrZero(sPart); err != nil {
			return 0, fmt.Errorf("bad duration %q: %w", s, err)
		}
	}
	return time.Duration(minutes)*time.Minute + time.Duration(seconds)*time.Second, nil
}

func atoiOrZero(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}
