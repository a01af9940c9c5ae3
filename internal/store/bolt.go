package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// CollectionsBucket holds one key per collection.
var CollectionsBucket = []byte("collections")

// BoltStore persists collections in a bbolt database file.
type BoltStore struct {
	db       *bolt.DB
	readOnly bool
}

// NewBoltStore opens (or creates) the database at path.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(CollectionsBucket); err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// OpenBoltStoreReadOnly opens an existing database without write access. The
// file is never modified and Save returns ErrReadOnly. bbolt still takes a
// shared file lock, so opening fails while a station holds the database.
func OpenBoltStoreReadOnly(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{
		Timeout:  1 * time.Second,
		ReadOnly: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database read-only: %w", err)
	}
	return &BoltStore{db: db, readOnly: true}, nil
}

// Load reads a collection document.
func (b *BoltStore) Load(_ context.Context, name Collection) (*FeatureCollection, error) {
	var fc FeatureCollection

	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(CollectionsBucket)
		if bucket == nil {
			return ErrNotFound
		}
		data := bucket.Get([]byte(name))
		if data == nil {
			return ErrNotFound
		}
		if err := json.Unmarshal(data, &fc); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrCorrupt, name, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &fc, nil
}

// Save replaces a collection document in a single transaction. bbolt syncs
// on commit, so the document is durable when Save returns.
func (b *BoltStore) Save(_ context.Context, name Collection, fc *FeatureCollection) error {
	if b.readOnly {
		return ErrReadOnly
	}

	data, err := json.Marshal(fc)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", name, err)
	}

	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(CollectionsBucket).Put([]byte(name), data)
	})
}

// Close closes the database file.
func (b *BoltStore) Close() error {
	return b.db.Close()
}
