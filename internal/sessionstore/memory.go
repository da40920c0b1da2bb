package sessionstore

import (
	"context"
	"slices"
	"sync"
)

type memoryStore struct {
	mu        sync.RWMutex
	snapshots map[string]Snapshot
}

// NewMemoryStore creates a process-local Store
func NewMemoryStore() Store {
	return &memoryStore{
		snapshots: make(map[string]Snapshot),
	}
}

func (m *memoryStore) Load(_ context.Context, groupID string) (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snapshot, ok := m.snapshots[groupID]
	if !ok {
		return nil, ErrSnapshotNotFound
	}

	// Return a copy to prevent external modification
	snapshot.Data = slices.Clone(snapshot.Data)
	return &snapshot, nil
}

func (m *memoryStore) Save(_ context.Context, groupID string, snapshot Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if current, ok := m.snapshots[groupID]; ok && current.Version > snapshot.Version {
		return nil
	}

	snapshot.Data = slices.Clone(snapshot.Data)
	m.snapshots[groupID] = snapshot
	return nil
}

func (m *memoryStore) Delete(_ context.Context, groupID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.snapshots, groupID)
	return nil
}

func (*memoryStore) Close() {}
