// Package config loads the on-disk configuration for an objgraph
// store: where its badger database lives, where Snapshot and
// RemoteBranch state is persisted, and how verbose logging should be.
// It follows the teacher's config.yaml/yaml.v2 convention, generalized
// from a fixed two-port server config to the paths this module needs.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// Config is the on-disk shape of config.yaml.
type Config struct {
	// DataDir holds the badger database backing BlockStore, ObjectStore
	// refcounts, and the Index.
	DataDir string `yaml:"dataDir"`
	// SnapshotDir holds persisted Snapshot and RemoteBranch state files.
	SnapshotDir string `yaml:"snapshotDir"`
	// LogLevel is a logrus level name (panic, fatal, error, warn, info,
	// debug, trace).
	LogLevel string `yaml:"logLevel"`
}

func defaults() Config {
	return Config{
		DataDir:     "data",
		SnapshotDir: "snapshots",
		LogLevel:    "info",
	}
}

// Load reads path, falling back to defaults for any zero-valued field.
// A missing file is not an error; it yields the defaults.
func Load(path string) (Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	var loaded Config
	if err := yaml.Unmarshal(data, &loaded); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if loaded.DataDir != "" {
		cfg.DataDir = loaded.DataDir
	}
	if loaded.SnapshotDir != "" {
		cfg.SnapshotDir = loaded.SnapshotDir
	}
	if loaded.LogLevel != "" {
		cfg.LogLevel = loaded.LogLevel
	}
	return cfg, nil
}
