package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// FromFile loads configuration from a file, auto-detecting format by extension.
// Supported extensions: .yaml, .yml, .json
func FromFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		return FromYAML(data)
	case ".json":
		return FromJSON(data)
	default:
		return Config{}, fmt.Errorf("unsupported config file extension: %s", ext)
	}
}

// FromYAML parses YAML data into a Config.
func FromYAML(data []byte) (Config, error) {
	var m map[string]any
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Config{}, fmt.Errorf("parse yaml: %w", err)
	}
	return New(m), nil
}

// FromJSON parses JSON data into a Config.
func FromJSON(data []byte) (Config, error) {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return Config{}, fmt.Errorf("parse json: %w", err)
	}
	return New(m), nil
}

// Merge returns a Config holding base overlaid with override. Nested
// sections are merged key by key. Neither input is modified.
func Merge(base, override Config) Config {
	out := make(map[string]any, len(base.data)+len(override.data))
	for k, v := range base.data {
		out[k] = v
	}
	for k, v := range override.data {
		bm, bok := asMap(out[k])
		om, ook := asMap(v)
		if bok && ook {
			out[k] = Merge(New(bm), New(om)).data
			continue
		}
		out[k] = v
	}
	return New(out)
}

// FromEnv builds a Config from environ entries named PREFIX_KEY=value.
// A double underscore in KEY opens a nested section, so
// KGSTREAM_STREAM__MAX_BATCH=5 sets stream.max_batch. Values are decoded as
// YAML scalars: "5" is an int, "true" a bool, "250ms" a string.
func FromEnv(prefix string, environ []string) Config {
	out := make(map[string]any)
	prefix = strings.ToUpper(prefix) + "_"
	for _, kv := range environ {
		name, raw, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(name, prefix) || len(name) == len(prefix) {
			continue
		}
		path := strings.Split(strings.ToLower(name[len(prefix):]), "__")

		section := out
		for _, part := range path[:len(path)-1] {
			next, ok := section[part].(map[string]any)
			if !ok {
				next = make(map[string]any)
				section[part] = next
			}
			section = next
		}
		section[path[len(path)-1]] = scalar(raw)
	}
	return New(out)
}

func scalar(raw string) any {
	var v any
	if err := yaml.Unmarshal([]byte(raw), &v); err != nil {
		return raw
	}
	switch v.(type) {
	case string, int, float64, bool:
		return v
	}
	return raw
}

// Load reads path when it is not empty and overlays the environment
// variables carrying prefix.
func Load(path, prefix string) (Config, error) {
	base := New(nil)
	if path != "" {
		cfg, err := FromFile(path)
		if err != nil {
			return Config{}, err
		}
		base = cfg
	}
	return Merge(base, FromEnv(prefix, os.Environ())), nil
}
