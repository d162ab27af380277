// Package boltstore provides a persistent Store adapter backed by
// bbolt, for participants that coordinate through a shared database
// file rather than process memory.
package boltstore

import (
	"bytes"
	"fmt"

	"go.etcd.io/bbolt"
)

var bucketValues = []byte("syncgroup")

// Store implements the syncgroup Store contract on a bbolt database.
// bbolt serializes writers internally, so individual key writes are
// atomic as the contract requires.
type Store struct {
	db *bbolt.DB
}

// Open opens (or creates) the database file and initializes the value
// bucket.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("boltstore: open: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketValues)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("boltstore: init bucket: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Get(key string) ([]byte, bool) {
	var out []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketValues).Get([]byte(key))
		if data == nil {
			return nil
		}
		out = make([]byte, len(data))
		copy(out, data)
		return nil
	})
	if err != nil || out == nil {
		return nil, false
	}
	return out, true
}

// Set reports false on any transaction failure (disk full, closed
// database) instead of returning an error; callers treat a failed
// write as a missed best-effort update.
func (s *Store) Set(key string, value []byte) bool {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketValues).Put([]byte(key), value)
	})
	return err == nil
}

func (s *Store) Delete(key string) {
	_ = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketValues).Delete([]byte(key))
	})
}

// ListKeys returns all keys with the given prefix in the bucket's
// natural byte order.
func (s *Store) ListKeys(prefix string) []string {
	out := make([]string, 0)
	_ = s.db.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(bucketValues).Cursor()
		p := []byte(prefix)
		for k, _ := cursor.Seek(p); k != nil && bytes.HasPrefix(k, p); k, _ = cursor.Next() {
			out = append(out, string(k))
		}
		return nil
	})
	return out
}
