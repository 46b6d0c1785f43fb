// Package state persists and recovers the trading state between runs.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/amirphl/kraken-trader/internal/market"
	"github.com/amirphl/kraken-trader/internal/order"
	"github.com/amirphl/kraken-trader/internal/utils"
)

// Snapshot is a point-in-time capture of the execution state: balances,
// every known order, and the pair metadata they were validated against.
type Snapshot struct {
	SavedAt  time.Time                  `json:"saved_at"`
	Mode     string                     `json:"mode"`
	Balances []market.Balance           `json:"balances"`
	Orders   []order.Order              `json:"orders"`
	Pairs    map[string]market.PairInfo `json:"pairs"`
}

// PersistenceError marks a failed state write. Continuing to trade past one
// risks resuming from stale state, so callers treat it as fatal.
type PersistenceError struct {
	Path string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persisting state to %s: %v", e.Path, e.Err)
}
func (e *PersistenceError) Unwrap() error { return e.Err }

// Manager saves and loads snapshots at a fixed path.
type Manager struct {
	path string
}

// NewManager creates a state manager. The parent directory is created on
// the first save.
func NewManager(path string) *Manager {
	return &Manager{path: path}
}

// Save writes the snapshot via temp file and rename so a crash mid-write
// never leaves a torn file behind.
func (m *Manager) Save(snap *Snapshot) error {
	if err := os.MkdirAll(filepath.Dir(m.path), 0755); err != nil {
		return &PersistenceError{Path: m.path, Err: err}
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return &PersistenceError{Path: m.path, Err: err}
	}

	tmp, err := os.CreateTemp(filepath.Dir(m.path), filepath.Base(m.path)+".tmp-*")
	if err != nil {
		return &PersistenceError{Path: m.path, Err: err}
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return &PersistenceError{Path: m.path, Err: err}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return &PersistenceError{Path: m.path, Err: err}
	}
	if err := tmp.Close(); err != nil {
		return &PersistenceError{Path: m.path, Err: err}
	}
	if err := os.Rename(tmp.Name(), m.path); err != nil {
		return &PersistenceError{Path: m.path, Err: err}
	}
	return nil
}

// Load reads the snapshot. Returns nil with no error when no state file
// exists yet.
func (m *Manager) Load() (*Snapshot, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading state from %s: %w", m.path, err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parsing state from %s: %w", m.path, err)
	}
	utils.GetLogger().Printf("State | loaded %d orders, %d balances from %s (saved %s)",
		len(snap.Orders), len(snap.Balances), m.path, snap.SavedAt.Format(time.RFC3339))
	return &snap, nil
}
