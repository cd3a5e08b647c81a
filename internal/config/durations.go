package config

import (
	"fmt"
	"strings"
	"time"
)

// Durations are kept as strings in the file ("90s", "5m") and parsed when
// settings are built. Every error names the config path.

func parseDuration(path, raw string, positive bool) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: %q is not a duration", path, raw)
	case d < 0:
		return 0, fmt.Errorf("%s: %s is negative", path, raw)
	case d == 0 && positive:
		return 0, fmt.Errorf("%s: must be > 0", path)
	}
	return d, nil
}

// ParseDurationField returns 0 for an empty value.
func ParseDurationField(path, raw string) (time.Duration, error) {
	if strings.TrimSpace(raw) == "" {
		return 0, nil
	}
	return parseDuration(path, raw, false)
}

// ParseDurationOrDefault returns def for an empty or zero value.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}

// ParseDurationList parses a backoff schedule; nil stays nil.
func ParseDurationList(path string, raw []string) ([]time.Duration, error) {
	var out []time.Duration
	for i, s := range raw {
		d, err := parseDuration(fmt.Sprintf("%s[%d]", path, i), s, true)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}
