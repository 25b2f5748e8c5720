package bolt

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/goodtune/kguard/internal/storage"
	"go.etcd.io/bbolt"
)

const keyRules = "rules"

// ruleStore keeps the rules as one ordered array; the first matching rule
// wins during evaluation, so backend order must survive a round trip.
type ruleStore struct {
	db *bbolt.DB
}

func (s *ruleStore) List(ctx context.Context) ([]storage.DomainRule, error) {
	var rules []storage.DomainRule
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		rules, err = readRules(ctx, tx)
		return err
	})
	return rules, err
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
	return s.db.Update(func(tx *bbolt.Tx) error {
		return writeRules(ctx, tx, rules)
	})
}

func (s *ruleStore) Upsert(ctx context.Context, rule storage.DomainRule) error {
	if rule.ID == "" {
		rule.ID = storage.NewLocalID()
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		rules, err := readRules(ctx, tx)
		if err != nil {
			return err
		}
		replaced := false
		for i := range rules {
			if rules[i].ID == rule.ID {
				rules[i] = rule
				replaced = true
				break
			}
		}
		if !replaced {
			rules = append(rules, rule)
		}
		return writeRules(ctx, tx, rules)
	})
}

func (s *ruleStore) SetBlockedUntil(ctx context.Context, id string, until time.Time) (*storage.DomainRule, error) {
	var updated *storage.DomainRule
	err := s.db.Update(func(tx *bbolt.Tx) error {
		rules, err := readRules(ctx, tx)
		if err != nil {
			return err
		}
		for i := range rules {
			if rules[i].ID == id && id != "" {
				rules[i].BlockedUntil = &until
				rule := rules[i]
				updated = &rule
				return writeRules(ctx, tx, rules)
			}
		}
		return storage.ErrNotFound
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *ruleStore) Delete(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		rules, err := readRules(ctx, tx)
		if err != nil {
			return err
		}
		for i := range rules {
			if rules[i].ID == id {
				rules = append(rules[:i], rules[i+1:]...)
				return writeRules(ctx, tx, rules)
			}
		}
		return storage.ErrNotFound
	})
}

func readRules(ctx context.Context, tx *bbolt.Tx) ([]storage.DomainRule, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	rules := make([]storage.DomainRule, 0)
	b := tx.Bucket([]byte(bucketRules))
	if b == nil {
		return rules, nil
	}
	data := b.Get([]byte(keyRules))
	if data == nil {
		return rules, nil
	}
	if err := json.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("unmarshal rules: %w", err)
	}
	for _, rule := range rules {
		if err := rule.Validate(); err != nil {
			return nil, fmt.Errorf("invalid stored rule: %w", err)
		}
	}
	return rules, nil
}

func writeRules(ctx context.Context, tx *bbolt.Tx, rules []storage.DomainRule) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	for _, rule := range rules {
		if err := rule.Validate(); err != nil {
			return fmt.Errorf("invalid rule: %w", err)
		}
	}
	if rules == nil {
		rules = []storage.DomainRule{}
	}
	data, err := json.Marshal(rules)
	if err != nil {
		return fmt.Errorf("marshal rules: %w", err)
	}
	b := tx.Bucket([]byte(bucketRules))
	if b == nil {
		return fmt.Errorf("rules bucket missing")
	}
	return b.Put([]byte(keyRules), data)
}
