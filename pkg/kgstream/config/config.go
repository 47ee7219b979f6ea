package config

import (
	"strings"
	"time"
)

// Config is a read-only view over decoded YAML, JSON or environment
// settings. Keys may be dotted paths ("stream.max_batch") resolved through
// nested sections.
type Config struct {
	data map[string]any
}

// New creates a Config from the given map.
// If data is nil, an empty Config is returned.
func New(data map[string]any) Config {
	if data == nil {
		data = make(map[string]any)
	}
	return Config{data: data}
}

// lookup resolves a possibly dotted key. An exact key wins over a path.
func (c Config) lookup(key string) (any, bool) {
	if v, ok := c.data[key]; ok {
		return v, true
	}
	head, rest, found := strings.Cut(key, ".")
	if !found {
		return nil, false
	}
	sub, ok := asMap(c.data[head])
	if !ok {
		return nil, false
	}
	return Config{data: sub}.lookup(rest)
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case Config:
		return m.data, true
	}
	return nil, false
}

// get converts the value under key, falling back to def when the key is
// missing or conv rejects the value.
func get[T any](c Config, key string, def T, conv func(any) (T, bool)) T {
	v, ok := c.lookup(key)
	if !ok {
		return def
	}
	if out, ok := conv(v); ok {
		return out
	}
	return def
}

// Sub returns the nested section stored under key.
// A missing or non-map value yields an empty Config.
func (c Config) Sub(key string) Config {
	return New(get[map[string]any](c, key, nil, asMap))
}

// String returns the string under key, or defaultVal.
func (c Config) String(key, defaultVal string) string {
	return get(c, key, defaultVal, func(v any) (string, bool) {
		s, ok := v.(string)
		return s, ok
	})
}

// Duration returns the duration under key, or defaultVal.
// Strings use time.ParseDuration ("250ms", "5s"); plain numbers are
// milliseconds.
func (c Config) Duration(key string, defaultVal time.Duration) time.Duration {
	return get(c, key, defaultVal, toDuration)
}

func toDuration(v any) (time.Duration, bool) {
	switch val := v.(type) {
	case time.Duration:
		return val, true
	case string:
		d, err := time.ParseDuration(val)
		return d, err == nil
	case float64:
		return time.Duration(val * float64(time.Millisecond)), true
	}
	if n, ok := toInt(v); ok {
		return time.Duration(n) * time.Millisecond, true
	}
	return 0, false
}

// Bool returns the boolean under key, or defaultVal.
func (c Config) Bool(key string, defaultVal bool) bool {
	return get(c, key, defaultVal, func(v any) (bool, bool) {
		b, ok := v.(bool)
		return b, ok
	})
}

// Int returns the integer under key, or defaultVal.
// Floats are only accepted when they have no fractional part.
func (c Config) Int(key string, defaultVal int) int {
	return get(c, key, defaultVal, toInt)
}

func toInt(v any) (int, bool) {
	switch val := v.(type) {
	case int:
		return val, true
	case int64:
		return int(val), true
	case uint64:
		return int(val), true
	case float64:
		if val == float64(int(val)) {
			return int(val), true
		}
	}
	return 0, false
}

// Float returns the number under key, or defaultVal.
func (c Config) Float(key string, defaultVal float64) float64 {
	return get(c, key, defaultVal, func(v any) (float64, bool) {
		if f, ok := v.(float64); ok {
			return f, true
		}
		n, ok := toInt(v)
		return float64(n), ok
	})
}

// Has reports whether key is present.
func (c Config) Has(key string) bool {
	_, ok := c.lookup(key)
	return ok
}

// Raw returns the underlying map. Callers must not modify it.
func (c Config) Raw() map[string]any {
	return c.data
}
