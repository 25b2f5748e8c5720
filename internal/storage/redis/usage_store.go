package redis

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/goodtune/kguard/internal/storage"
	"github.com/redis/go-redis/v9"
)

type usageStore struct {
	client      *redis.Client
	incrementer *redis.Script
	applier     *redis.Script
}

func newUsageStore(client *redis.Client) *usageStore {
	return &usageStore{
		client:      client,
		incrementer: redis.NewScript(incrementDailyUsageScript),
		applier:     redis.NewScript(applyServerUsageScript),
	}
}

// GetDailyUsage retrieves the ledger record for a date and domain
func (s *usageStore) GetDailyUsage(ctx context.Context, date, domain string) (*storage.DailyUsage, error) {
	data, err := s.client.HGetAll(ctx, dailyUsageKey(date, storage.NormalizeDomain(domain))).Result()
	if err != nil {
		return nil, err
	}
	return parseDailyUsage(data)
}

// ListDailyUsage returns every ledger record for a date
func (s *usageStore) ListDailyUsage(ctx context.Context, date string) ([]storage.DailyUsage, error) {
	domains, err := s.client.SMembers(ctx, dailyIndexKey(date)).Result()
	if err != nil {
		return nil, err
	}
	if len(domains) == 0 {
		return []storage.DailyUsage{}, nil
	}
	sort.Strings(domains)

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(domains))
	for i, domain := range domains {
		cmds[i] = pipe.HGetAll(ctx, dailyUsageKey(date, domain))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}

	usages := make([]storage.DailyUsage, 0, len(domains))
	for _, cmd := range cmds {
		data, err := cmd.Result()
		if err != nil || len(data) == 0 {
			continue
		}
		usage, err := parseDailyUsage(data)
		if err == nil {
			usages = append(usages, *usage)
		}
	}
	return usages, nil
}

// IncrementDailyUsage atomically adds tracked seconds
func (s *usageStore) IncrementDailyUsage(ctx context.Context, date, domain string, seconds int64) error {
	return s.increment(ctx, date, domain, "tracked_seconds", seconds)
}

// MarkFlushed atomically adds seconds the backend acknowledged
func (s *usageStore) MarkFlushed(ctx context.Context, date, domain string, seconds int64) error {
	return s.increment(ctx, date, domain, "flushed_seconds", seconds)
}

func (s *usageStore) increment(ctx context.Context, date, domain, field string, seconds int64) error {
	if seconds <= 0 {
		return nil
	}
	if _, err := time.Parse(storage.DateLayout, date); err != nil {
		return fmt.Errorf("invalid usage date %q: %w", date, err)
	}
	domain = storage.NormalizeDomain(domain)
	if domain == "" {
		return fmt.Errorf("usage domain is required")
	}

	keys := []string{dailyUsageKey(date, domain), dailyIndexKey(date), usageDatesKey()}
	args := []interface{}{date, domain, field, seconds}
	return s.incrementer.Run(ctx, s.client, keys, args...).Err()
}

// FlushedSnapshot returns flushed seconds per domain for a date
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

// ApplyServerUsage replaces server figures for a date. Domains known locally
// but absent from the server map are reset to zero server seconds and their
// confirmed mark does not advance.
func (s *usageStore) ApplyServerUsage(ctx context.Context, date string, server, confirmed map[string]int64) error {
	known, err := s.client.SMembers(ctx, dailyIndexKey(date)).Result()
	if err != nil {
		return err
	}

	domains := make(map[string]int64, len(known)+len(server))
	reported := make(map[string]bool, len(server))
	for _, domain := range known {
		domains[domain] = 0
	}
	for domain, seconds := range server {
		domain = storage.NormalizeDomain(domain)
		if domain == "" {
			continue
		}
		domains[domain] = seconds
		reported[domain] = true
	}

	for domain, seconds := range domains {
		var covered int64
		if reported[domain] {
			covered = confirmed[domain]
		}
		keys := []string{dailyUsageKey(date, domain), dailyIndexKey(date), usageDatesKey()}
		args := []interface{}{date, domain, seconds, covered}
		if err := s.applier.Run(ctx, s.client, keys, args...).Err(); err != nil {
			return fmt.Errorf("apply server usage for %s: %w", domain, err)
		}
	}
	return nil
}

// DeleteDailyUsageBefore deletes ledger days strictly before cutoffDate
func (s *usageStore) DeleteDailyUsageBefore(ctx context.Context, cutoffDate string) (int, error) {
	if _, err := time.Parse(storage.DateLayout, cutoffDate); err != nil {
		return 0, fmt.Errorf("invalid cutoff date: %w", err)
	}

	dates, err := s.client.SMembers(ctx, usageDatesKey()).Result()
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, date := range dates {
		// DateLayout sorts lexically in calendar order.
		if date >= cutoffDate {
			continue
		}
		domains, err := s.client.SMembers(ctx, dailyIndexKey(date)).Result()
		if err != nil {
			return deleted, err
		}
		keys := make([]string, 0, len(domains)+1)
		for _, domain := range domains {
			keys = append(keys, dailyUsageKey(date, domain))
		}
		if len(keys) > 0 {
			n, err := s.client.Del(ctx, keys...).Result()
			if err != nil {
				return deleted, err
			}
			deleted += int(n)
		}
		if err := s.client.Del(ctx, dailyIndexKey(date)).Err(); err != nil {
			return deleted, err
		}
		if err := s.client.SRem(ctx, usageDatesKey(), date).Err(); err != nil {
			return deleted, err
		}
	}
	return deleted, nil
}
