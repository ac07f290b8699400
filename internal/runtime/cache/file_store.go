package cache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// FileStore keeps one JSON snapshot file per namespace inside a directory.
type FileStore struct {
	dir string
}

// NewFileStore prepares dir for snapshot files, creating it when missing.
func NewFileStore(dir string) (*FileStore, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("cache: snapshot directory required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("cache: create snapshot directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Path returns the snapshot file location for the namespace.
func (s *FileStore) Path(ns Namespace) string {
	return filepath.Join(s.dir, ns.SnapshotName())
}

func (s *FileStore) Load(_ context.Context, ns Namespace) (Snapshot, error) {
	data, err := os.ReadFile(s.Path(ns))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrSnapshotNotFound, s.Path(ns))
		}
		return nil, fmt.Errorf("cache: read snapshot %s: %w", s.Path(ns), err)
	}
	return decodeSnapshot(data)
}

// Save writes the snapshot to a temporary file and renames it into place so a
// crash mid-write never leaves a truncated snapshot behind.
func (s *FileStore) Save(_ context.Context, ns Namespace, snap Snapshot) error {
	payload, err := encodeSnapshot(snap)
	if err != nil {
		return err
	}
	target := s.Path(ns)
	tmp, err := os.CreateTemp(s.dir, ns.SnapshotName()+".tmp-*")
	if err != nil {
		return fmt.Errorf("cache: create temp snapshot: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(payload); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("cache: write snapshot %s: %w", target, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("cache: sync snapshot %s: %w", target, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("cache: close snapshot %s: %w", target, err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		cleanup()
		return fmt.Errorf("cache: replace snapshot %s: %w", target, err)
	}
	return nil
}

func (s *FileStore) Close(context.Context) error {
	return nil
}
