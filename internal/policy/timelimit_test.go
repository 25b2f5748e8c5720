package policy

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/goodtune/kguard/internal/storage"
	"github.com/goodtune/kguard/internal/storage/bolt"
	"github.com/rs/zerolog"
)

type fakeUsage map[string]int64

func (f fakeUsage) SecondsToday(_ context.Context, domain string) (int64, error) {
	return f[domain], nil
}

type recordingPusher struct {
	mu    sync.Mutex
	rules []storage.DomainRule
}

func (p *recordingPusher) PushRule(rule storage.DomainRule) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rules = append(p.rules, rule)
}

func openStore(t *testing.T) *bolt.Store {
	t.Helper()
	store, err := bolt.Open(filepath.Join(t.TempDir(), "policy.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newTestEngine(t *testing.T, rules []storage.DomainRule, usage fakeUsage) (*TimeLimitEngine, *recordingPusher, *TestClock, storage.RuleStore) {
	t.Helper()
	store := openStore(t)
	if err := store.Rules().ReplaceAll(context.Background(), rules); err != nil {
		t.Fatalf("replace rules: %v", err)
	}
	pusher := &recordingPusher{}
	clock := &TestClock{CurrentTime: time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)}
	engine := NewTimeLimitEngine(store.Rules(), usage, pusher, DefaultCooldown, zerolog.Nop())
	engine.SetClock(clock)
	return engine, pusher, clock, store.Rules()
}

func TestTimeLimitNoRule(t *testing.T) {
	engine, _, _, _ := newTestEngine(t, nil, fakeUsage{})
	status, err := engine.Check(context.Background(), "example.com")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if status.Blocked || status.Rule != nil {
		t.Fatalf("expected unrestricted, got %+v", status)
	}
}

func TestTimeLimitPermanentDominates(t *testing.T) {
	future := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	engine, pusher, _, _ := newTestEngine(t, []storage.DomainRule{
		{ID: "r1", Domain: "example.com", PermanentBlock: true, DailyLimitMinutes: 999, BlockedUntil: &future},
	}, fakeUsage{})

	status, err := engine.Check(context.Background(), "www.example.com")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !status.Blocked || status.Reason != ReasonPermanent {
		t.Fatalf("expected permanent block, got %+v", status)
	}
	if len(pusher.rules) != 0 {
		t.Fatal("permanent block must not push")
	}
}

func TestTimeLimitZeroMinutesIsUnlimited(t *testing.T) {
	engine, _, _, _ := newTestEngine(t, []storage.DomainRule{
		{ID: "r1", Domain: "example.com", DailyLimitMinutes: 0},
	}, fakeUsage{"example.com": 100000})

	status, err := engine.Check(context.Background(), "example.com")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if status.Blocked || status.HasBudget {
		t.Fatalf("expected no cap, got %+v", status)
	}
}

func TestTimeLimitTransition(t *testing.T) {
	usage := fakeUsage{"example.com": 599}
	engine, pusher, clock, rules := newTestEngine(t, []storage.DomainRule{
		{ID: "r1", Domain: "example.com", DailyLimitMinutes: 10, CooldownHours: 1},
	}, usage)
	ctx := context.Background()

	status, err := engine.Check(ctx, "example.com")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if status.Blocked || !status.HasBudget || status.RemainingSeconds != 1 {
		t.Fatalf("expected 1 second remaining, got %+v", status)
	}

	usage["example.com"] = 600
	status, err = engine.Check(ctx, "example.com")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !status.Blocked || status.Reason != ReasonLimitReached {
		t.Fatalf("expected limit reached, got %+v", status)
	}
	wantUntil := clock.Now().Add(time.Hour)
	if status.BlockedUntil == nil || !status.BlockedUntil.Equal(wantUntil) {
		t.Fatalf("expected blocked until %v, got %v", wantUntil, status.BlockedUntil)
	}

	stored, err := rules.Get(ctx, "r1")
	if err != nil {
		t.Fatalf("get rule: %v", err)
	}
	if stored.BlockedUntil == nil || !stored.BlockedUntil.Equal(wantUntil) {
		t.Fatalf("expected cooldown persisted, got %+v", stored)
	}
	if len(pusher.rules) != 1 || pusher.rules[0].BlockedUntil == nil {
		t.Fatalf("expected one pushed rule, got %+v", pusher.rules)
	}

	// Repeated checks observe the cooldown and do not write again.
	status, _ = engine.Check(ctx, "example.com")
	if status.Reason != ReasonCooldown || len(pusher.rules) != 1 {
		t.Fatalf("expected cooldown without second push, got %+v (%d pushes)", status, len(pusher.rules))
	}

	clock.Advance(time.Hour + time.Second)
	usage["example.com"] = 0
	status, _ = engine.Check(ctx, "example.com")
	if status.Blocked {
		t.Fatalf("expected cooldown to elapse, got %+v", status)
	}
}

// pullDuringUsage replaces the cached rules while usage is being read, the
// way a pull landing between the rule read and the cooldown write would.
type pullDuringUsage struct {
	rules   storage.RuleStore
	replace []storage.DomainRule
	used    int64
	pulled  bool
}

func (p *pullDuringUsage) SecondsToday(ctx context.Context, _ string) (int64, error) {
	if !p.pulled {
		p.pulled = true
		if err := p.rules.ReplaceAll(ctx, p.replace); err != nil {
			return 0, err
		}
	}
	return p.used, nil
}

func TestTimeLimitCooldownSkipsRemovedRule(t *testing.T) {
	tests := []struct {
		name      string
		replace   []storage.DomainRule
		wantRules int
		blocked   bool
	}{
		{"rule deleted", nil, 0, false},
		{"rule replaced", []storage.DomainRule{{ID: "r2", Domain: "games.example", DailyLimitMinutes: 1}}, 1, true},
	}
	for _, tt := range tests {
		store := openStore(t)
		ctx := context.Background()
		if err := store.Rules().ReplaceAll(ctx, []storage.DomainRule{
			{ID: "r1", Domain: "games.example", DailyLimitMinutes: 1},
		}); err != nil {
			t.Fatalf("%s: replace rules: %v", tt.name, err)
		}
		pusher := &recordingPusher{}
		usage := &pullDuringUsage{rules: store.Rules(), replace: tt.replace, used: 60}
		engine := NewTimeLimitEngine(store.Rules(), usage, pusher, DefaultCooldown, zerolog.Nop())
		engine.SetClock(&TestClock{CurrentTime: time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)})

		status, err := engine.Check(ctx, "games.example")
		if err != nil {
			t.Fatalf("%s: check: %v", tt.name, err)
		}
		if status.Blocked != tt.blocked {
			t.Errorf("%s: expected blocked=%v, got %+v", tt.name, tt.blocked, status)
		}

		rules, err := store.Rules().List(ctx)
		if err != nil {
			t.Fatalf("%s: list rules: %v", tt.name, err)
		}
		if len(rules) != tt.wantRules {
			t.Fatalf("%s: expected %d rules, got %+v", tt.name, tt.wantRules, rules)
		}
		wantPushes := 0
		if tt.blocked {
			wantPushes = 1
		}
		if len(pusher.rules) != wantPushes {
			t.Errorf("%s: expected %d pushes, got %+v", tt.name, wantPushes, pusher.rules)
		}
		if tt.blocked && pusher.rules[0].ID != "r2" {
			t.Errorf("%s: expected replacement rule pushed, got %+v", tt.name, pusher.rules[0])
		}
	}
}

func TestTimeLimitDefaultCooldown(t *testing.T) {
	engine, _, clock, _ := newTestEngine(t, []storage.DomainRule{
		{ID: "r1", Domain: "games.example", DailyLimitMinutes: 1},
	}, fakeUsage{"games.example": 60})

	status, err := engine.Check(context.Background(), "games.example")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	want := clock.Now().Add(24 * time.Hour)
	if status.BlockedUntil == nil || !status.BlockedUntil.Equal(want) {
		t.Fatalf("expected default 24h cooldown, got %v", status.BlockedUntil)
	}
}
