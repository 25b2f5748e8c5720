package policy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/goodtune/kguard/internal/storage"
	"github.com/rs/zerolog"
)

type failingChecker struct{}

func (failingChecker) Check(context.Context, string) (TimeLimitStatus, error) {
	return TimeLimitStatus{}, errors.New("storage unavailable")
}

func newTestClassifier(t *testing.T, rules []storage.DomainRule, allowed, blocked []storage.ListEntry, usage fakeUsage) *Classifier {
	t.Helper()
	store := openStore(t)
	ctx := context.Background()
	if err := store.Rules().ReplaceAll(ctx, rules); err != nil {
		t.Fatalf("replace rules: %v", err)
	}
	if err := store.Lists().ReplaceAllowed(ctx, allowed); err != nil {
		t.Fatalf("replace allowed: %v", err)
	}
	if err := store.Lists().ReplaceBlocked(ctx, blocked); err != nil {
		t.Fatalf("replace blocked: %v", err)
	}
	engine := NewTimeLimitEngine(store.Rules(), usage, nil, DefaultCooldown, zerolog.Nop())
	engine.SetClock(&TestClock{CurrentTime: time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)})
	table, err := NewKeywordTable(DefaultCategories, 8)
	if err != nil {
		t.Fatalf("keyword table: %v", err)
	}
	return NewClassifier(engine, store.Lists(), table, "builtin", zerolog.Nop())
}

func TestClassifierTimeLimitBeatsAllowlist(t *testing.T) {
	c := newTestClassifier(t,
		[]storage.DomainRule{{ID: "r1", Domain: "youtube.com", DailyLimitMinutes: 30}},
		[]storage.ListEntry{{Domain: "youtube.com"}},
		nil,
		fakeUsage{"www.youtube.com": 1800},
	)

	result := c.Classify(context.Background(), "https://www.youtube.com/watch", "www.youtube.com")
	if !result.Blocked || result.Category != CategoryTimeLimit || !result.IsTimeLimit() {
		t.Fatalf("expected time limit block, got %+v", result)
	}
	if result.TimeLimit.Reason != ReasonLimitReached {
		t.Fatalf("expected limit-reached, got %s", result.TimeLimit.Reason)
	}
}

func TestClassifierAllowlistBeatsBlocklist(t *testing.T) {
	c := newTestClassifier(t, nil,
		[]storage.ListEntry{{Domain: "poker-school.edu"}},
		[]storage.ListEntry{{Domain: "poker-school.edu", Category: "Gaming"}},
		fakeUsage{},
	)

	result := c.Classify(context.Background(), "https://poker-school.edu/", "poker-school.edu")
	if result.Blocked || !result.Allowed || result.Category != CategoryAllowed {
		t.Fatalf("expected allowed, got %+v", result)
	}
}

func TestClassifierPrecedence(t *testing.T) {
	c := newTestClassifier(t, nil, nil,
		[]storage.ListEntry{{Domain: "games.com", Category: "Gaming"}, {Domain: "nocategory.com"}},
		fakeUsage{},
	)

	tests := []struct {
		url      string
		category string
		blocked  bool
		custom   bool
	}{
		{"https://play.games.com/", "Gaming", true, true},
		{"https://nocategory.com/", CategoryCustom, true, true},
		{"https://casino.example/", "Gambling", true, false},
		{"https://news.example/story", CategorySafe, false, false},
	}

	for _, tt := range tests {
		result := c.Classify(context.Background(), tt.url, "")
		if result.Category != tt.category || result.Blocked != tt.blocked || result.Custom != tt.custom {
			t.Errorf("Classify(%q) = %+v", tt.url, result)
		}
	}
}

func TestClassifierIdempotent(t *testing.T) {
	c := newTestClassifier(t, nil, nil, nil, fakeUsage{})
	first := c.Classify(context.Background(), "https://casino.example/", "casino.example")
	second := c.Classify(context.Background(), "https://casino.example/", "casino.example")
	if first != second {
		t.Fatalf("expected identical results, got %+v and %+v", first, second)
	}
}

func TestClassifierFailsOpen(t *testing.T) {
	table, _ := NewKeywordTable(DefaultCategories, 0)
	store := openStore(t)
	c := NewClassifier(failingChecker{}, store.Lists(), table, "builtin", zerolog.Nop())

	result := c.Classify(context.Background(), "https://casino.example/", "casino.example")
	if result.Blocked || result.Category != CategoryUnknown {
		t.Fatalf("expected fail-open Unknown, got %+v", result)
	}

	bad := newTestClassifier(t, nil, nil, nil, fakeUsage{})
	result = bad.Classify(context.Background(), "://not a url", "")
	if result.Blocked || result.Category != CategoryUnknown {
		t.Fatalf("expected malformed url to fail open, got %+v", result)
	}
}
