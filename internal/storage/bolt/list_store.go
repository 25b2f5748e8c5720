package bolt

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/goodtune/kguard/internal/storage"
	"go.etcd.io/bbolt"
)

type listStore struct {
	db *bbolt.DB
}

func (s *listStore) Blocked(ctx context.Context) ([]storage.ListEntry, error) {
	return s.read(ctx, keyBlocked)
}

func (s *listStore) Allowed(ctx context.Context) ([]storage.ListEntry, error) {
	return s.read(ctx, keyAllowed)
}

func (s *listStore) ReplaceBlocked(ctx context.Context, entries []storage.ListEntry) error {
	return s.replace(ctx, keyBlocked, entries)
}

func (s *listStore) ReplaceAllowed(ctx context.Context, entries []storage.ListEntry) error {
	return s.replace(ctx, keyAllowed, entries)
}

func (s *listStore) read(ctx context.Context, key string) ([]storage.ListEntry, error) {
	entries := make([]storage.ListEntry, 0)
	err := s.db.View(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b := tx.Bucket([]byte(bucketLists))
		if b == nil {
			return nil
		}
		data := b.Get([]byte(key))
		if data == nil {
			return nil
		}
		if err := json.Unmarshal(data, &entries); err != nil {
			return fmt.Errorf("unmarshal %s list: %w", key, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return validEntries(entries), nil
}

func (s *listStore) replace(ctx context.Context, key string, entries []storage.ListEntry) error {
	for _, e := range entries {
		if err := e.Validate(); err != nil {
			return fmt.Errorf("invalid %s entry: %w", key, err)
		}
	}
	entries = storage.DedupeEntries(entries)
	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("marshal %s list: %w", key, err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b := tx.Bucket([]byte(bucketLists))
		if b == nil {
			return fmt.Errorf("lists bucket missing")
		}
		return b.Put([]byte(key), data)
	})
}

// validEntries drops entries that fail validation; the rest stay usable.
func validEntries(entries []storage.ListEntry) []storage.ListEntry {
	out := entries[:0]
	for _, e := range entries {
		if e.Validate() == nil {
			out = append(out, e)
		}
	}
	return out
}
