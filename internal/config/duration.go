package config

import (
	"fmt"
	"strings"
	"time"
)

// Durations are Go duration strings. "", "0" and "off" all mean zero, which
// most sections read as "disabled" or "use the default".

// ParseDurationField parses a non-negative duration; key names the config
// field in errors.
func ParseDurationField(key, raw string) (time.Duration, error) {
	switch s := strings.ToLower(strings.TrimSpace(raw)); s {
	case "", "0", "off":
		return 0, nil
	default:
		d, err := time.ParseDuration(s)
		switch {
		case err != nil:
			return 0, fmt.Errorf("%s: invalid duration %q: %w", key, raw, err)
		case d < 0:
			return 0, fmt.Errorf("%s: duration must be >= 0, got %s", key, d)
		}
		return d, nil
	}
}

// ParseDurationOrDefault substitutes def when the field is zero.
func ParseDurationOrDefault(key, raw string, def time.Duration) (time.Duration, error) {
	return ParseDurationAtLeast(key, raw, def, 0)
}

// ParseDurationAtLeast is ParseDurationOrDefault with a lower bound on the
// resulting value.
func ParseDurationAtLeast(key, raw string, def, floor time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(key, raw)
	if err != nil {
		return 0, err
	}
	if d == 0 {
		d = def
	}
	if d < floor {
		return 0, fmt.Errorf("%s must be >= %s, got %s", key, floor, d)
	}
	return d, nil
}
