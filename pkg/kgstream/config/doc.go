/*
Package config provides type-safe configuration extraction from map[string]any.

# Overview

config wraps a map[string]any and provides typed accessor methods that handle
missing keys and type mismatches gracefully by returning default values.
Sections of a YAML or JSON file are reached with Sub or with dotted keys.
Load overlays environment variables on a file:

	KGSTREAM_STREAM__MAX_BATCH=10   # stream.max_batch = 10

	cfg, err := config.FromFile("kgstream.yaml")
	if err != nil {
	    log.Fatal(err)
	}

	batch := cfg.Int("indexing.max_batch", 50)            // 50 when absent
	window := cfg.Duration("indexing.max_window", 50*time.Millisecond)
	retry := cfg.Sub("indexing.retry")                    // nested section

# Type Coercion

Duration accepts strings ("250ms", "5s"), plain numbers (milliseconds) or a
time.Duration. Int only accepts floats that have no fractional part.

# Thread Safety

Config is safe for concurrent read access. The underlying map is not
modified after creation.
*/
package config
