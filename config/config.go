// Package config loads the engine's YAML-driven configuration, grounded on
// the teacher's own config package: a defaulted struct populated by
// yaml.Unmarshal over whatever the file actually sets.
package config

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// NamespaceConfig is the opaque per-namespace leaf-store option pass-through
// named in the core spec's configuration table.
type NamespaceConfig struct {
	Compression   string  `yaml:"compression"`
	BloomFPRate   float64 `yaml:"bloom_fp_rate"`
	BloomElements uint64  `yaml:"bloom_elements"`
}

// CompactionConfig configures the Key Range tombstone-ratio trigger.
type CompactionConfig struct {
	MinTombstoneKeys int64   `yaml:"min_tombstone_keys"`
	TombstonePercent float64 `yaml:"tombstone_percent"`
}

// CheckpointConfig configures checkpoint storage, cache and GC cadence.
type CheckpointConfig struct {
	Root         string `yaml:"root"`
	TTL          string `yaml:"ttl"`
	GCIntervalSec int   `yaml:"gc_interval_sec"`
}

// IteratorConfig configures the latency-aware iterator's hint threshold.
type IteratorConfig struct {
	LatencyThresholdMs int `yaml:"latency_threshold_ms"`
	WindowSize         int `yaml:"window_size"`
}

// TracingConfig toggles the OTel span surface. No network exporter is
// configured here: this module records spans but ships them nowhere, since
// exporting is itself the RPC fabric the engine's scope excludes.
type TracingConfig struct {
	Enabled bool `yaml:"enabled"`
}

// LoggingConfig mirrors the teacher's logging block.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Output string `yaml:"output"`
	File   string `yaml:"file"`
}

// EngineConfig groups every engine-facing option named in the core spec's
// configuration table, plus this expansion's additions.
type EngineConfig struct {
	DataRoot         string                     `yaml:"data_root"`
	OverrideIdentity string                     `yaml:"override_identity"`
	DisableWAL       bool                       `yaml:"disable_wal"`
	Namespaces       []string                   `yaml:"namespaces"`
	NamespaceOptions map[string]NamespaceConfig `yaml:"namespace_options"`
	Compaction       CompactionConfig           `yaml:"compaction"`
	Checkpoint       CheckpointConfig           `yaml:"checkpoint"`
	Iterator         IteratorConfig             `yaml:"iterator"`
}

// Config is the top-level configuration document.
type Config struct {
	Engine   EngineConfig  `yaml:"engine"`
	Logging  LoggingConfig `yaml:"logging"`
	Tracing  TracingConfig `yaml:"tracing"`
}

// ParseDuration parses d, falling back to def on empty input or a parse
// error. Grounded on the teacher's own duration-string-with-default helper.
func ParseDuration(d string, def time.Duration) time.Duration {
	if d == "" {
		return def
	}
	parsed, err := time.ParseDuration(d)
	if err != nil {
		return def
	}
	return parsed
}

// Load reads configuration from r, applying production defaults first and
// letting whatever the document sets override them. A nil reader (or an
// empty one) yields the defaults untouched.
func Load(r io.Reader) (*Config, error) {
	cfg := &Config{
		Engine: EngineConfig{
			DataRoot:   "./data",
			Namespaces: []string{"default"},
			Compaction: CompactionConfig{
				MinTombstoneKeys: 200000,
				TombstonePercent: 0.3,
			},
			Checkpoint: CheckpointConfig{
				Root:          "./checkpoints",
				TTL:           "10m",
				GCIntervalSec: 300,
			},
			Iterator: IteratorConfig{
				LatencyThresholdMs: 10,
				WindowSize:         10,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stdout",
		},
		Tracing: TracingConfig{
			Enabled: false,
		},
	}

	if r == nil {
		return cfg, nil
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	if len(data) == 0 {
		return cfg, nil
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return cfg, nil
}

// LoadFile reads configuration from a YAML file at path, returning defaults
// if the file does not exist.
func LoadFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Load(nil)
		}
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()
	return Load(f)
}
