package bolt

import (
	"context"
	"fmt"
	"time"

	"github.com/goodtune/kguard/internal/storage"
	"go.etcd.io/bbolt"
)

type logStore struct {
	db *bbolt.DB
}

func (s *logStore) AddBlockLog(ctx context.Context, entry storage.BlockLogEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if entry.Action == "" {
		entry.Action = storage.ActionBlocked
	}
	key, err := logKey("block", entry.Timestamp)
	if err != nil {
		return err
	}
	if entry.ID == "" {
		entry.ID = storage.NewID()
	}
	return s.put(ctx, bucketLogsBlock, key, entry)
}

func (s *logStore) AddHistoryLog(ctx context.Context, entry storage.HistoryLogEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	key, err := logKey("history", entry.Timestamp)
	if err != nil {
		return err
	}
	if entry.ID == "" {
		entry.ID = storage.NewID()
	}
	return s.put(ctx, bucketLogsHistory, key, entry)
}

func (s *logStore) put(ctx context.Context, bucket, key string, value any) error {
	data, err := marshal(value)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("log bucket missing: %s", bucket)
		}
		return b.Put([]byte(key), data)
	})
}

// ListBlockLogs returns entries at or after since, newest first.
func (s *logStore) ListBlockLogs(ctx context.Context, since time.Time) ([]storage.BlockLogEntry, error) {
	items := make([]storage.BlockLogEntry, 0)
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketLogsBlock))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var entry storage.BlockLogEntry
			if err := unmarshal(v, &entry); err != nil {
				return err
			}
			if entry.Timestamp.Before(since) {
				break
			}
			items = append(items, entry)
		}
		return nil
	})
	return items, err
}

// ListHistoryLogs returns up to limit entries, newest first. A limit of zero
// or less returns everything.
func (s *logStore) ListHistoryLogs(ctx context.Context, limit int) ([]storage.HistoryLogEntry, error) {
	items := make([]storage.HistoryLogEntry, 0)
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketLogsHistory))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if limit > 0 && len(items) >= limit {
				break
			}
			var entry storage.HistoryLogEntry
			if err := unmarshal(v, &entry); err != nil {
				return err
			}
			items = append(items, entry)
		}
		return nil
	})
	return items, err
}

func (s *logStore) DeleteBlockLogsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	deleted := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b := tx.Bucket([]byte(bucketLogsBlock))
		if b == nil {
			return nil
		}
		var stale [][]byte
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var entry storage.BlockLogEntry
			if err := unmarshal(v, &entry); err != nil {
				return err
			}
			if !entry.Timestamp.Before(cutoff) {
				break
			}
			stale = append(stale, append([]byte(nil), k...))
		}
		return deleteKeys(b, stale, &deleted)
	})
	return deleted, err
}

// TrimHistoryLogs keeps the newest keep entries and deletes the rest.
func (s *logStore) TrimHistoryLogs(ctx context.Context, keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}
	deleted := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b := tx.Bucket([]byte(bucketLogsHistory))
		if b == nil {
			return nil
		}
		var keys [][]byte
		c := b.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		if len(keys) <= keep {
			return nil
		}
		return deleteKeys(b, keys[:len(keys)-keep], &deleted)
	})
	return deleted, err
}

// deleteKeys removes keys gathered from a cursor walk. Deleting while the
// cursor is still moving skips entries.
func deleteKeys(b *bbolt.Bucket, keys [][]byte, deleted *int) error {
	for _, k := range keys {
		if err := b.Delete(k); err != nil {
			return err
		}
		*deleted++
	}
	return nil
}
