// Package sessionstore persists snapshots of group session data so a group
// dispatcher can resume from the last accepted version.
package sessionstore

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrSnapshotNotFound is returned when no snapshot exists for a group
var ErrSnapshotNotFound = errors.New("session snapshot not found")

// Snapshot is the persisted session state of one group
type Snapshot struct {
	Version  int64
	Data     json.RawMessage
	Finished bool
}

//go:generate mockgen -destination=mocks/mock_store.go -package=mocks -source=store.go Store

// Store loads and saves group session snapshots.
// Implementations must be safe for concurrent use by many dispatchers.
type Store interface {
	// Load returns the last saved snapshot of the group or ErrSnapshotNotFound
	Load(ctx context.Context, groupID string) (*Snapshot, error)
	// Save stores the snapshot. Snapshots with a version lower than the stored one are ignored.
	Save(ctx context.Context, groupID string, snapshot Snapshot) error
	// Delete removes the snapshot of the group. Unknown groups are a no-op.
	Delete(ctx context.Context, groupID string) error
	// Close releases resources held by the store
	Close()
}
