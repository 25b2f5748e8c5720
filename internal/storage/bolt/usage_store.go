package bolt

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/goodtune/kguard/internal/storage"
	"go.etcd.io/bbolt"
)

type usageStore struct {
	db *bbolt.DB
}

func (s *usageStore) GetDailyUsage(ctx context.Context, date, domain string) (*storage.DailyUsage, error) {
	key := dailyUsageKey(date, storage.NormalizeDomain(domain))
	return getBucketValue[storage.DailyUsage](ctx, s.db, bucketDailyUsage, key)
}

func (s *usageStore) ListDailyUsage(ctx context.Context, date string) ([]storage.DailyUsage, error) {
	items := make([]storage.DailyUsage, 0)
	prefix := []byte(date + "/")
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketDailyUsage))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var usage storage.DailyUsage
			if err := unmarshal(v, &usage); err != nil {
				return err
			}
			items = append(items, usage)
		}
		return nil
	})
	return items, err
}

func (s *usageStore) IncrementDailyUsage(ctx context.Context, date, domain string, seconds int64) error {
	if seconds <= 0 {
		return nil
	}
	return s.update(ctx, date, domain, func(u *storage.DailyUsage) {
		u.TrackedSeconds += seconds
	})
}

func (s *usageStore) MarkFlushed(ctx context.Context, date, domain string, seconds int64) error {
	if seconds <= 0 {
		return nil
	}
	return s.update(ctx, date, domain, func(u *storage.DailyUsage) {
		u.FlushedSeconds += seconds
	})
}

func (s *usageStore) FlushedSnapshot(ctx context.Context, date string) (map[string]int64, error) {
	items, err := s.ListDailyUsage(ctx, date)
	if err != nil {
		return nil, err
	}
	snapshot := make(map[string]int64, len(items))
	for _, u := range items {
		if u.FlushedSeconds > 0 {
			snapshot[u.Domain] = u.FlushedSeconds
		}
	}
	return snapshot, nil
}

func (s *usageStore) ApplyServerUsage(ctx context.Context, date string, server, confirmed map[string]int64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b := tx.Bucket([]byte(bucketDailyUsage))
		if b == nil {
			return fmt.Errorf("daily usage bucket missing")
		}

		seen := make(map[string]bool)
		prefix := []byte(date + "/")
		c := b.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var usage storage.DailyUsage
			if err := unmarshal(v, &usage); err != nil {
				return err
			}
			seen[usage.Domain] = true
			var covered int64
			if _, ok := server[usage.Domain]; ok {
				covered = confirmed[usage.Domain]
			}
			applyServer(&usage, server[usage.Domain], covered)
			data, err := marshal(usage)
			if err != nil {
				return err
			}
			if err := b.Put(k, data); err != nil {
				return err
			}
		}

		for domain, seconds := range server {
			domain = storage.NormalizeDomain(domain)
			if seen[domain] || domain == "" {
				continue
			}
			usage := storage.DailyUsage{Date: date, Domain: domain}
			applyServer(&usage, seconds, confirmed[domain])
			data, err := marshal(usage)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(dailyUsageKey(date, domain)), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// applyServer replaces the server figure and advances the confirmed mark.
// Confirmed never exceeds what was flushed and never moves backwards.
func applyServer(u *storage.DailyUsage, server, confirmed int64) {
	if server < 0 {
		server = 0
	}
	u.ServerSeconds = server
	if confirmed > u.FlushedSeconds {
		confirmed = u.FlushedSeconds
	}
	if confirmed > u.ConfirmedSeconds {
		u.ConfirmedSeconds = confirmed
	}
}

func (s *usageStore) DeleteDailyUsageBefore(ctx context.Context, cutoffDate string) (int, error) {
	cutoff, err := time.Parse(storage.DateLayout, cutoffDate)
	if err != nil {
		return 0, fmt.Errorf("invalid cutoff date: %w", err)
	}
	deleted := 0
	err = s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b := tx.Bucket([]byte(bucketDailyUsage))
		if b == nil {
			return nil
		}
		var stale [][]byte
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var usage storage.DailyUsage
			if err := unmarshal(v, &usage); err != nil {
				return err
			}
			dateValue, err := time.Parse(storage.DateLayout, usage.Date)
			if err != nil {
				continue
			}
			if dateValue.Before(cutoff) {
				stale = append(stale, append([]byte(nil), k...))
			}
		}
		return deleteKeys(b, stale, &deleted)
	})
	return deleted, err
}

func (s *usageStore) update(ctx context.Context, date, domain string, mutate func(*storage.DailyUsage)) error {
	domain = storage.NormalizeDomain(domain)
	key := dailyUsageKey(date, domain)
	return s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b := tx.Bucket([]byte(bucketDailyUsage))
		if b == nil {
			return fmt.Errorf("daily usage bucket missing")
		}
		var usage storage.DailyUsage
		if existing := b.Get([]byte(key)); existing != nil {
			if err := unmarshal(existing, &usage); err != nil {
				return err
			}
		} else {
			usage = storage.DailyUsage{
				Date:   date,
				Domain: domain,
			}
		}
		mutate(&usage)
		data, err := marshal(usage)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), data)
	})
}

func dailyUsageKey(date, domain string) string {
	return fmt.Sprintf("%s/%s", date, domain)
}
