package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// Default file names, one JSON document per collection.
const (
	LiveFileName    = "live_beacons.json"
	HistoryFileName = "history_beacons.json"
)

// FileStore persists collections as indented GeoJSON files in a directory.
type FileStore struct {
	dir      string
	readOnly bool
}

// NewFileStore returns a FileStore rooted at dir, creating it when needed.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("data directory cannot be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// OpenFileStoreReadOnly returns a FileStore that only loads. The directory is
// not created and Save returns ErrReadOnly.
func OpenFileStoreReadOnly(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("data directory cannot be empty")
	}
	return &FileStore{dir: dir, readOnly: true}, nil
}

// Path returns the file backing a collection.
func (f *FileStore) Path(name Collection) string {
	switch name {
	case CollectionLive:
		return filepath.Join(f.dir, LiveFileName)
	case CollectionHistory:
		return filepath.Join(f.dir, HistoryFileName)
	default:
		return filepath.Join(f.dir, string(name)+"_beacons.json")
	}
}

// Load reads a collection document.
func (f *FileStore) Load(_ context.Context, name Collection) (*FeatureCollection, error) {
	data, err := os.ReadFile(f.Path(name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read %s: %w", name, err)
	}

	var fc FeatureCollection
	if err := json.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrCorrupt, name, err)
	}
	return &fc, nil
}

// Save replaces a collection document. The file is written next to its target,
// synced and renamed, and the directory is synced after the rename, so a crash
// leaves either the old or the new document.
func (f *FileStore) Save(_ context.Context, name Collection, fc *FeatureCollection) error {
	if f.readOnly {
		return ErrReadOnly
	}

	data, err := json.MarshalIndent(fc, "", "    ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", name, err)
	}

	target := f.Path(name)
	tmp, err := os.CreateTemp(f.dir, filepath.Base(target)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close %s: %w", name, err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace %s: %w", name, err)
	}
	if err := syncDir(f.dir); err != nil {
		return fmt.Errorf("failed to sync directory for %s: %w", name, err)
	}
	return nil
}

// syncDir flushes a directory entry so a completed rename survives a crash.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	if err := d.Sync(); err != nil {
		d.Close()
		return err
	}
	return d.Close()
}

// Close is a no-op; files are closed after every save.
func (f *FileStore) Close() error {
	return nil
}
