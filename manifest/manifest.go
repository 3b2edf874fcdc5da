// Package manifest handles tern.toml host configuration.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Manifest represents a tern.toml host configuration.
type Manifest struct {
	Limits Limits `toml:"limits"`
	Host   Host   `toml:"host"`

	// Dir is the directory containing the tern.toml file (set at load time).
	Dir string `toml:"-"`
}

// Limits bounds each execution context the host creates.
type Limits struct {
	StackDepth int    `toml:"stack-depth"` // max call frames per context
	StepBudget uint64 `toml:"step-budget"` // instruction fetches per run window, 0 = unlimited
	HeapGrowth int    `toml:"heap-growth"` // allocations between automatic collections
}

// Host configures the session runtime.
type Host struct {
	MaxSessions     int    `toml:"max-sessions"`
	ShutdownGraceMS int    `toml:"shutdown-grace-ms"`
	SnapshotDB      string `toml:"snapshot-db"` // path to the snapshot store, "" disables persistence
}

// Default returns the configuration used when no tern.toml exists.
func Default() *Manifest {
	return &Manifest{
		Limits: Limits{
			StackDepth: 256,
			StepBudget: 0,
			HeapGrowth: 1024,
		},
		Host: Host{
			MaxSessions:     64,
			ShutdownGraceMS: 5000,
		},
	}
}

// Load parses a tern.toml file from the given directory. Absent fields
// keep their defaults.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, "tern.toml")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	m := Default()
	if err := toml.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	m.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}

	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// FindAndLoad walks up from startDir to find a tern.toml file, then
// loads and returns the manifest. Returns the defaults if none is found.
func FindAndLoad(startDir string) (*Manifest, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, "tern.toml")
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			return Default(), nil
		}
		dir = parent
	}
}

// Validate rejects configurations the runtime cannot honor.
func (m *Manifest) Validate() error {
	if m.Limits.StackDepth < 1 {
		return fmt.Errorf("limits.stack-depth must be at least 1, got %d", m.Limits.StackDepth)
	}
	if m.Limits.HeapGrowth < 0 {
		return fmt.Errorf("limits.heap-growth cannot be negative, got %d", m.Limits.HeapGrowth)
	}
	if m.Host.MaxSessions < 1 {
		return fmt.Errorf("host.max-sessions must be at least 1, got %d", m.Host.MaxSessions)
	}
	if m.Host.ShutdownGraceMS < 0 {
		return fmt.Errorf("host.shutdown-grace-ms cannot be negative, got %d", m.Host.ShutdownGraceMS)
	}
	return nil
}

// SnapshotDBPath returns the absolute path of the snapshot store, or ""
// when persistence is disabled.
func (m *Manifest) SnapshotDBPath() string {
	if m.Host.SnapshotDB == "" {
		return ""
	}
	if filepath.IsAbs(m.Host.SnapshotDB) || m.Dir == "" {
		return m.Host.SnapshotDB
	}
	return filepath.Join(m.Dir, m.Host.SnapshotDB)
}
