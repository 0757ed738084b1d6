package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore is an in-memory implementation of SnapshotStore
// It's safe for concurrent use by multiple goroutines
type MemoryStore struct {
	mu        sync.RWMutex
	snapshots map[string]Snapshot
}

// NewMemoryStore creates a new in-memory snapshot store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		snapshots: make(map[string]Snapshot),
	}
}

// Save implements SnapshotStore.Save
func (m *MemoryStore) Save(ctx context.Context, s Snapshot) error {
	if s.DeviceID == "" {
		return fmt.Errorf("snapshot has no device id")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.snapshots[s.DeviceID]; ok && !newer(s, existing) {
		return nil
	}
	s.State = s.State.Clone()
	m.snapshots[s.DeviceID] = s
	return nil
}

// Latest implements SnapshotStore.Latest
func (m *MemoryStore) Latest(ctx context.Context, deviceID string) (Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.snapshots[deviceID]
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrSnapshotNotFound, deviceID)
	}
	s.State = s.State.Clone()
	return s, nil
}

// List implements SnapshotStore.List
func (m *MemoryStore) List(ctx context.Context) ([]Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]Snapshot, 0, len(m.snapshots))
	for _, s := range m.snapshots {
		s.State = s.State.Clone()
		result = append(result, s)
	}

	// Sort by device id for consistent ordering
	sort.Slice(result, func(i, j int) bool {
		return result[i].DeviceID < result[j].DeviceID
	})

	return result, nil
}

// Delete implements SnapshotStore.Delete
func (m *MemoryStore) Delete(ctx context.Context, deviceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.snapshots, deviceID)
	return nil
}

// Close cleans up the storage resources
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Clear all data
	m.snapshots = make(map[string]Snapshot)
	return nil
}

// Ensure MemoryStore implements SnapshotStore
var _ SnapshotStore = (*MemoryStore)(nil)
