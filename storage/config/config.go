// Package config loads the storage engine's on-disk configuration, the
// same gopkg.in/yaml.v3 way the rest of this codebase parses resource
// manifests.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/strata/storage/log"
)

// Config is the top-level engine configuration.
type Config struct {
	// DataDir holds the bbolt file and any raft replication state.
	DataDir string `yaml:"dataDir"`

	// DefaultPrefixes are the substore prefixes the registry is built from
	// on every Load. They are not recorded in the config bucket.
	DefaultPrefixes []string `yaml:"defaultPrefixes,omitempty"`

	// SnapshotRingCapacity bounds how many recent snapshots are kept
	// ready without reopening a bbolt read transaction. Defaults to 10.
	SnapshotRingCapacity int `yaml:"snapshotRingCapacity,omitempty"`

	// DispatchQueueDepth bounds how many commit payloads may be pending
	// delivery to subscribers before the oldest is dropped. Defaults to 16.
	DispatchQueueDepth int `yaml:"dispatchQueueDepth,omitempty"`

	Log log.Config `yaml:"log,omitempty"`
}

// Default returns a Config with every optional field at its default.
func Default(dataDir string) Config {
	return Config{
		DataDir:              dataDir,
		SnapshotRingCapacity: 10,
		DispatchQueueDepth:   16,
	}
}

// Load reads and parses a YAML config file, filling in defaults for any
// zero-valued optional field.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := Config{SnapshotRingCapacity: 10, DispatchQueueDepth: 16}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.SnapshotRingCapacity <= 0 {
		cfg.SnapshotRingCapacity = 10
	}
	if cfg.DispatchQueueDepth <= 0 {
		cfg.DispatchQueueDepth = 16
	}
	return cfg, nil
}
