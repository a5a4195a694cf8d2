// Package config reads service settings from the environment.
//
// Empty variables count as unset. Malformed values are logged and replaced
// by the fallback so a typo never takes the service down.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

func lookup(key string) (string, bool) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return "", false
	}
	value = strings.TrimSpace(value)
	return value, value != ""
}

func invalid(key, value string, err error) {
	slog.Warn("ignoring invalid config value", "key", key, "value", value, "error", err)
}

// GetString returns the variable or fallback when unset.
func GetString(key, fallback string) string {
	if value, ok := lookup(key); ok {
		return value
	}
	return fallback
}

// GetInt returns the variable as an int.
func GetInt(key string, fallback int) int {
	value, ok := lookup(key)
	if !ok {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		invalid(key, value, err)
		return fallback
	}
	return parsed
}

// GetBool returns the variable as a bool.
func GetBool(key string, fallback bool) bool {
	value, ok := lookup(key)
	if !ok {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		invalid(key, value, err)
		return fallback
	}
	return parsed
}

// GetSeconds reads a *_SECONDS variable. See GetDuration.
func GetSeconds(key string, fallback time.Duration) time.Duration {
	return GetDuration(key, time.Second, fallback)
}

// GetMilliseconds reads a *_MS variable. See GetDuration.
func GetMilliseconds(key string, fallback time.Duration) time.Duration {
	return GetDuration(key, time.Millisecond, fallback)
}

// GetDuration reads a bare number as a count of unit, and also accepts
// time.ParseDuration syntax such as "1m30s". Negative values fall back.
func GetDuration(key string, unit, fallback time.Duration) time.Duration {
	value, ok := lookup(key)
	if !ok {
		return fallback
	}
	var parsed time.Duration
	if n, err := strconv.ParseInt(value, 10, 64); err == nil {
		parsed = time.Duration(n) * unit
	} else {
		d, derr := time.ParseDuration(value)
		if derr != nil {
			invalid(key, value, derr)
			return fallback
		}
		parsed = d
	}
	if parsed < 0 {
		invalid(key, value, strconv.ErrRange)
		return fallback
	}
	return parsed
}
