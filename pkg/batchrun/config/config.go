package config

import (
	"time"
)

// Config wraps a decoded YAML/JSON document and extracts typed values.
// Every accessor falls back to its default when the key is missing or holds
// a value of the wrong shape.
type Config struct {
	data map[string]any
}

// New wraps data. A nil map yields an empty Config.
func New(data map[string]any) Config {
	if data == nil {
		data = make(map[string]any)
	}
	return Config{data: data}
}

// Sub returns the nested section at key, or an empty Config.
func (c Config) Sub(key string) Config {
	switch v := c.data[key].(type) {
	case map[string]any:
		return New(v)
	case map[any]any:
		m := make(map[string]any, len(v))
		for k, val := range v {
			if s, ok := k.(string); ok {
				m[s] = val
			}
		}
		return New(m)
	}
	return New(nil)
}

// String returns the string at key.
func (c Config) String(key, defaultVal string) string {
	if s, ok := c.data[key].(string); ok {
		return s
	}
	return defaultVal
}

// Duration returns the duration at key. Strings are parsed with
// time.ParseDuration; bare numbers are seconds.
func (c Config) Duration(key string, defaultVal time.Duration) time.Duration {
	v, ok := c.data[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case string:
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	case float64:
		return time.Duration(val * float64(time.Second))
	case int:
		return time.Duration(val) * time.Second
	case int64:
		return time.Duration(val) * time.Second
	case time.Duration:
		return val
	}
	return defaultVal
}

// Bool returns the boolean at key.
func (c Config) Bool(key string, defaultVal bool) bool {
	if b, ok := c.data[key].(bool); ok {
		return b
	}
	return defaultVal
}

// Int returns the integer at key. Floats are accepted only when whole.
func (c Config) Int(key string, defaultVal int) int {
	switch val := c.data[key].(type) {
	case int:
		return val
	case int64:
		return int(val)
	case float64:
		if val == float64(int(val)) {
			return int(val)
		}
	}
	return defaultVal
}

// StringSlice returns the list of strings at key. A list holding anything
// other than strings yields the default.
func (c Config) StringSlice(key string, defaultVal []string) []string {
	switch val := c.data[key].(type) {
	case []string:
		return val
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			s, ok := item.(string)
			if !ok {
				return defaultVal
			}
			out = append(out, s)
		}
		return out
	}
	return defaultVal
}

// DurationMap returns a map of durations at key, e.g. per-step delays.
// Entries that do not parse are skipped.
func (c Config) DurationMap(key string) map[string]time.Duration {
	sub := c.Sub(key)
	if len(sub.data) == 0 {
		return nil
	}
	out := make(map[string]time.Duration, len(sub.data))
	for k := range sub.data {
		if d := sub.Duration(k, -1); d >= 0 {
			out[k] = d
		}
	}
	return out
}

// Has reports whether key is present.
func (c Config) Has(key string) bool {
	_, ok := c.data[key]
	return ok
}

// Raw returns the underlying map. Callers must not modify it.
func (c Config) Raw() map[string]any {
	return c.data
}
