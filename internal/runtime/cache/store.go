package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrSnapshotNotFound reports that no snapshot has been persisted for a namespace yet.
var ErrSnapshotNotFound = errors.New("cache: snapshot not found")

// Snapshot is the full content of one namespace keyed by code.
type Snapshot map[string]json.RawMessage

// SnapshotStore persists namespace snapshots to durable storage. Implementations
// must tolerate concurrent Save calls for different namespaces.
type SnapshotStore interface {
	Load(ctx context.Context, ns Namespace) (Snapshot, error)
	Save(ctx context.Context, ns Namespace, snap Snapshot) error
	Close(ctx context.Context) error
}

// encodeSnapshot renders the snapshot as indented JSON with sorted keys so
// successive snapshots stay diffable.
func encodeSnapshot(snap Snapshot) ([]byte, error) {
	if snap == nil {
		snap = Snapshot{}
	}
	payload, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("cache: encode snapshot: %w", err)
	}
	return append(payload, '\n'), nil
}

func decodeSnapshot(data []byte) (Snapshot, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, errors.New("cache: snapshot empty")
	}
	if trimmed[0] != '{' {
		return nil, errors.New("cache: snapshot must be a JSON object")
	}
	var snap Snapshot
	if err := json.Unmarshal(trimmed, &snap); err != nil {
		return nil, fmt.Errorf("cache: decode snapshot: %w", err)
	}
	if snap == nil {
		snap = Snapshot{}
	}
	return snap, nil
}
