package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/goodtune/kguard/internal/storage"
	"github.com/redis/go-redis/v9"
)

const (
	rulesKey   = keyPrefix + "rules"
	blockedKey = keyPrefix + "list:blocked"
	allowedKey = keyPrefix + "list:allowed"
)

// ruleStore keeps the ordered rule array under one key. Read-modify-write
// goes through WATCH so concurrent writers retry instead of clobbering.
type ruleStore struct {
	client *redis.Client
}

func (s *ruleStore) List(ctx context.Context) ([]storage.DomainRule, error) {
	return readRules(ctx, s.client)
}

func (s *ruleStore) Get(ctx context.Context, id string) (*storage.DomainRule, error) {
	rules, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	for i := range rules {
		if rules[i].ID == id {
			return &rules[i], nil
		}
	}
	return nil, storage.ErrNotFound
}

func (s *ruleStore) ReplaceAll(ctx context.Context, rules []storage.DomainRule) error {
	data, err := encodeRules(rules)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, rulesKey, data, 0).Err()
}

func (s *ruleStore) Upsert(ctx context.Context, rule storage.DomainRule) error {
	if rule.ID == "" {
		rule.ID = storage.NewLocalID()
	}
	return s.modify(ctx, func(rules []storage.DomainRule) ([]storage.DomainRule, error) {
		for i := range rules {
			if rules[i].ID == rule.ID {
				rules[i] = rule
				return rules, nil
			}
		}
		return append(rules, rule), nil
	})
}

func (s *ruleStore) SetBlockedUntil(ctx context.Context, id string, until time.Time) (*storage.DomainRule, error) {
	var updated *storage.DomainRule
	err := s.modify(ctx, func(rules []storage.DomainRule) ([]storage.DomainRule, error) {
		for i := range rules {
			if rules[i].ID == id && id != "" {
				rules[i].BlockedUntil = &until
				rule := rules[i]
				updated = &rule
				return rules, nil
			}
		}
		return nil, storage.ErrNotFound
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *ruleStore) Delete(ctx context.Context, id string) error {
	return s.modify(ctx, func(rules []storage.DomainRule) ([]storage.DomainRule, error) {
		for i := range rules {
			if rules[i].ID == id {
				return append(rules[:i], rules[i+1:]...), nil
			}
		}
		return nil, storage.ErrNotFound
	})
}

func (s *ruleStore) modify(ctx context.Context, fn func([]storage.DomainRule) ([]storage.DomainRule, error)) error {
	const maxRetries = 5
	for attempt := 0; attempt < maxRetries; attempt++ {
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			rules, err := readRules(ctx, tx)
			if err != nil {
				return err
			}
			rules, err = fn(rules)
			if err != nil {
				return err
			}
			data, err := encodeRules(rules)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, rulesKey, data, 0)
				return nil
			})
			return err
		}, rulesKey)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("update rules: too much contention")
}

func readRules(ctx context.Context, client redis.Cmdable) ([]storage.DomainRule, error) {
	rules := make([]storage.DomainRule, 0)
	data, err := client.Get(ctx, rulesKey).Result()
	if errors.Is(err, redis.Nil) {
		return rules, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(data), &rules); err != nil {
		return nil, fmt.Errorf("unmarshal rules: %w", err)
	}
	for _, rule := range rules {
		if err := rule.Validate(); err != nil {
			return nil, fmt.Errorf("invalid stored rule: %w", err)
		}
	}
	return rules, nil
}

func encodeRules(rules []storage.DomainRule) (string, error) {
	for _, rule := range rules {
		if err := rule.Validate(); err != nil {
			return "", fmt.Errorf("invalid rule: %w", err)
		}
	}
	if rules == nil {
		rules = []storage.DomainRule{}
	}
	data, err := json.Marshal(rules)
	if err != nil {
		return "", fmt.Errorf("marshal rules: %w", err)
	}
	return string(data), nil
}

type listStore struct {
	client *redis.Client
}

func (s *listStore) Blocked(ctx context.Context) ([]storage.ListEntry, error) {
	return s.read(ctx, blockedKey)
}

func (s *listStore) Allowed(ctx context.Context) ([]storage.ListEntry, error) {
	return s.read(ctx, allowedKey)
}

func (s *listStore) ReplaceBlocked(ctx context.Context, entries []storage.ListEntry) error {
	return s.replace(ctx, blockedKey, entries)
}

func (s *listStore) ReplaceAllowed(ctx context.Context, entries []storage.ListEntry) error {
	return s.replace(ctx, allowedKey, entries)
}

func (s *listStore) read(ctx context.Context, key string) ([]storage.ListEntry, error) {
	entries := make([]storage.ListEntry, 0)
	data, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return entries, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(data), &entries); err != nil {
		return nil, fmt.Errorf("unmarshal %s: %w", key, err)
	}
	out := entries[:0]
	for _, e := range entries {
		if e.Validate() == nil {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *listStore) replace(ctx context.Context, key string, entries []storage.ListEntry) error {
	for _, e := range entries {
		if err := e.Validate(); err != nil {
			return fmt.Errorf("invalid %s entry: %w", key, err)
		}
	}
	data, err := json.Marshal(storage.DedupeEntries(entries))
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return s.client.Set(ctx, key, data, 0).Err()
}
