package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Bool reads an environment variable and returns a boolean value.
// Only "true" or "false" (case-insensitive) are recognised; any other
// value results in the provided default.
func Bool(key string, defaultValue bool) bool {
	val := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	switch val {
	case "":
		return defaultValue
	case "true":
		return true
	case "false":
		return false
	default:
		return defaultValue
	}
}

// String returns the trimmed value of key, or defaultValue when empty.
func String(key, defaultValue string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return defaultValue
}

// Int returns a positive integer from key. Unset, invalid or non-positive
// values fall back to defaultValue.
func Int(key string, defaultValue int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil || n < 1 {
		return defaultValue
	}
	return n
}

// Duration parses key with time.ParseDuration. A bare integer is read as
// seconds. Invalid or non-positive values fall back to defaultValue.
func Duration(key string, defaultValue time.Duration) time.Duration {
	d, ok := parseDuration(os.Getenv(key))
	if !ok {
		return defaultValue
	}
	return d
}

// OptionalDuration is Duration but also accepts zero, for settings where
// zero switches a pause off.
func OptionalDuration(key string, defaultValue time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "0" || value == "0s" {
		return 0
	}
	return Duration(key, defaultValue)
}

// DurationList parses a comma separated list such as "60s,300s,900s". Any
// invalid element makes the whole value fall back to defaultValue.
func DurationList(key string, defaultValue []time.Duration) []time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	var out []time.Duration
	for _, part := range strings.Split(value, ",") {
		d, ok := parseDuration(part)
		if !ok {
			return defaultValue
		}
		out = append(out, d)
	}
	return out
}

// List splits a comma separated value, dropping empty elements.
func List(key string, defaultValue []string) []string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}

func parseDuration(value string) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	if n, err := strconv.Atoi(value); err == nil {
		if n < 1 {
			return 0, false
		}
		return time.Duration(n) * time.Second, true
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return 0, false
	}
	return d, true
}
