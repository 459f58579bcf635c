// env.go - environment variable overrides for Options, following the
// teacher's envconfig getter-function idiom (Var, BoolWithDefault,
// Uint) rather than a struct tag based config loader.
package config

import (
	"os"
	"strconv"
	"strings"
)

// Var returns an environment variable's value with surrounding quotes
// and whitespace trimmed, or "" if unset.
func Var(key string) string {
	v, ok := os.LookupEnv(key)
	if !ok {
		return ""
	}
	v = strings.TrimSpace(v)
	return strings.Trim(v, `"'`)
}

// UintWithDefault reads key as an unsigned integer, falling back to
// defaultValue when unset or unparsable.
func UintWithDefault(key string, defaultValue uint) uint {
	if s := Var(key); s != "" {
		if v, err := strconv.ParseUint(s, 10, 64); err == nil {
			return uint(v)
		}
	}
	return defaultValue
}

// BoolWithDefault reads key as a boolean, falling back to
// defaultValue when unset or unparsable.
func BoolWithDefault(key string, defaultValue bool) bool {
	if s := Var(key); s != "" {
		if v, err := strconv.ParseBool(s); err == nil {
			return v
		}
	}
	return defaultValue
}

// ApplyEnv overlays NPUEXEC_CACHE_DIR / NPUEXEC_CACHE_FILE /
// NPUEXEC_DISPATCH_LIBRARY_PATH onto o for any field still at its zero
// value, mirroring the teacher's pattern of env vars overriding
// programmatic defaults rather than replacing them outright.
func (o Options) ApplyEnv() Options {
	if o.CacheDir == "" {
		o.CacheDir = Var("NPUEXEC_CACHE_DIR")
	}
	if o.CacheFile == "" {
		o.CacheFile = Var("NPUEXEC_CACHE_FILE")
	}
	if o.DispatchLibraryPath == "" {
		o.DispatchLibraryPath = Var("NPUEXEC_DISPATCH_LIBRARY_PATH")
	}
	return o
}
