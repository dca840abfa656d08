// Package environment reads typed settings from environment variables.
//
// The *Or helpers return the fallback when a variable is unset, empty, or
// unparsable, so a layered config can pass its current value as the
// fallback and only override what the environment actually sets. Prefixed
// scopes every lookup under one variable prefix (for example "KIOKU_").
package environment

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// String returns the named variable and whether it is set at all.
func String(name string) (string, bool) {
	return os.LookupEnv(name)
}

// StringOr returns the named variable or fallback when unset or empty.
func StringOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

// RequiredString returns the named variable or an error when it is unset or
// empty.
func RequiredString(name string) (string, error) {
	v := os.Getenv(name)
	if v == "" {
		return "", fmt.Errorf("required environment variable %q is not set", name)
	}
	return v, nil
}

// BoolOr accepts the strconv.ParseBool spellings.
func BoolOr(name string, fallback bool) bool {
	return parseOr(name, fallback, strconv.ParseBool)
}

func IntOr(name string, fallback int) int {
	return parseOr(name, fallback, strconv.Atoi)
}

func FloatOr(name string, fallback float64) float64 {
	return parseOr(name, fallback, func(s string) (float64, error) {
		return strconv.ParseFloat(s, 64)
	})
}

// DurationOr accepts time.ParseDuration syntax ("30s", "5m").
func DurationOr(name string, fallback time.Duration) time.Duration {
	return parseOr(name, fallback, time.ParseDuration)
}

// StringSliceOr splits a comma-separated list, trimming blanks. An empty
// result yields fallback.
func StringSliceOr(name string, fallback []string) []string {
	v := os.Getenv(name)
	if v == "" {
		return fallback
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

func parseOr[T any](name string, fallback T, parse func(string) (T, error)) T {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return fallback
	}
	parsed, err := parse(v)
	if err != nil {
		return fallback
	}
	return parsed
}

// Prefixed reads variables named Prefix+key.
type Prefixed string

func (p Prefixed) Name(key string) string { return string(p) + key }

func (p Prefixed) StringOr(key, fallback string) string {
	return StringOr(p.Name(key), fallback)
}

func (p Prefixed) BoolOr(key string, fallback bool) bool {
	return BoolOr(p.Name(key), fallback)
}

func (p Prefixed) IntOr(key string, fallback int) int {
	return IntOr(p.Name(key), fallback)
}

func (p Prefixed) FloatOr(key string, fallback float64) float64 {
	return FloatOr(p.Name(key), fallback)
}

func (p Prefixed) DurationOr(key string, fallback time.Duration) time.Duration {
	return DurationOr(p.Name(key), fallback)
}

func (p Prefixed) StringSliceOr(key string, fallback []string) []string {
	return StringSliceOr(p.Name(key), fallback)
}
