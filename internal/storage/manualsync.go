package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"gridbot/internal/core"
)

// ManualSyncFile is the sidecar holding the last operator-supplied external
// order set. It is merged into the active map ahead of the first tick after
// a start, covering the case where the venue briefly mis-reported an empty
// open-orders list and the engine forgot live orders.
type ManualSyncFile struct {
	path string
}

// NewManualSyncFile binds the sidecar to a path.
func NewManualSyncFile(path string) *ManualSyncFile {
	return &ManualSyncFile{path: path}
}

// Save atomically replaces the sidecar contents.
func (m *ManualSyncFile) Save(orders []core.ExternalOrder) error {
	data, err := json.MarshalIndent(orders, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal manual sync orders: %w", err)
	}

	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write manual sync file: %w", err)
	}
	if err := os.Rename(tmp, m.path); err != nil {
		return fmt.Errorf("failed to replace manual sync file: %w", err)
	}
	return nil
}

// Load reads the sidecar; a missing file is an empty set.
func (m *ManualSyncFile) Load() ([]core.ExternalOrder, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read manual sync file: %w", err)
	}

	var orders []core.ExternalOrder
	if err := json.Unmarshal(data, &orders); err != nil {
		return nil, fmt.Errorf("failed to parse manual sync file %s: %w", filepath.Base(m.path), err)
	}
	return orders, nil
}

// Clear removes the sidecar. Missing file is fine.
func (m *ManualSyncFile) Clear() error {
	err := os.Remove(m.path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove manual sync file: %w", err)
	}
	return nil
}
