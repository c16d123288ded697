package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

// BoltStore keeps the ledger in a bbolt file: one bucket per provider, one
// JSON value per route.
type BoltStore struct {
	db *bolt.DB
}

// OpenBolt opens or creates the bbolt file at path.
func OpenBolt(path string, timeout time.Duration) (*BoltStore, error) {
	if path == "" {
		return nil, errors.New("ledger path is required")
	}
	if timeout <= 0 {
		timeout = time.Second
	}
	// #nosec G301 -- shared state directory
	if err := os.MkdirAll(filepath.Dir(filepath.Clean(path)), 0755); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
	}

	db, err := bolt.Open(path, 0o644, &bolt.Options{
		Timeout: timeout, // don't block forever if another process holds the file
	})
	if err != nil {
		return nil, fmt.Errorf("open bolt ledger: %w", err)
	}
	return &BoltStore{db: db}, nil
}

// Close releases the file.
func (s *BoltStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Load reads every provider bucket. Corrupt values are skipped.
func (s *BoltStore) Load(ctx context.Context) (Ledger, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("bolt ledger is not open")
	}

	l := New()
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, b *bolt.Bucket) error {
			provider := string(name)
			return b.ForEach(func(k, v []byte) error {
				var entry Entry
				if err := json.Unmarshal(v, &entry); err != nil {
					return nil
				}
				l.Set(Key(provider, string(k)), entry)
				return nil
			})
		})
	})
	if err != nil {
		return nil, fmt.Errorf("load bolt ledger: %w", err)
	}
	return l, nil
}

// Save replaces the stored ledger in a single transaction.
func (s *BoltStore) Save(ctx context.Context, l Ledger) error {
	if s == nil || s.db == nil {
		return errors.New("bolt ledger is not open")
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		var existing [][]byte
		if err := tx.ForEach(func(name []byte, _ *bolt.Bucket) error {
			existing = append(existing, append([]byte(nil), name...))
			return nil
		}); err != nil {
			return err
		}
		for _, name := range existing {
			if err := tx.DeleteBucket(name); err != nil {
				return err
			}
		}

		for _, key := range l.Keys() {
			b, err := tx.CreateBucketIfNotExists([]byte(key.Provider))
			if err != nil {
				return err
			}
			buf, err := json.Marshal(l[key].normalized())
			if err != nil {
				return err
			}
			if err := b.Put([]byte(key.Route), buf); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save bolt ledger: %w", err)
	}
	return nil
}
