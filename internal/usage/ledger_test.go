package usage

import (
	"context"
	"testing"
	"time"

	"github.com/goodtune/kguard/internal/policy"
)

func TestLedgerDateFor(t *testing.T) {
	tests := []struct {
		reset string
		now   time.Time
		want  string
	}{
		{"00:00", time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC), "2024-03-10"},
		{"00:00", time.Date(2024, 3, 10, 23, 59, 59, 0, time.UTC), "2024-03-10"},
		{"04:00", time.Date(2024, 3, 10, 3, 59, 0, 0, time.UTC), "2024-03-09"},
		{"04:00", time.Date(2024, 3, 10, 4, 0, 0, 0, time.UTC), "2024-03-10"},
	}

	for _, tt := range tests {
		ledger, err := NewLedger(nil, tt.reset)
		if err != nil {
			t.Fatalf("new ledger: %v", err)
		}
		if got := ledger.DateFor(tt.now); got != tt.want {
			t.Errorf("DateFor(%v) with reset %s = %s, want %s", tt.now, tt.reset, got, tt.want)
		}
	}

	if _, err := NewLedger(nil, "25:99"); err == nil {
		t.Fatal("expected invalid reset time to fail")
	}
}

func TestLedgerSecondsTodayMergesSources(t *testing.T) {
	store := openStore(t)
	ledger, err := NewLedger(store.Usage(), "")
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	ledger.SetClock(&policy.TestClock{CurrentTime: time.Date(2024, 3, 10, 9, 0, 0, 0, time.Local)})
	ctx := context.Background()
	usage := store.Usage()

	got, err := ledger.SecondsToday(ctx, "example.com")
	if err != nil || got != 0 {
		t.Fatalf("expected 0 for unknown domain, got %d %v", got, err)
	}

	// 90s tracked, 60s flushed and confirmed by a server figure of 300s
	// that also includes another device's time.
	_ = usage.IncrementDailyUsage(ctx, "2024-03-10", "example.com", 90)
	_ = usage.MarkFlushed(ctx, "2024-03-10", "example.com", 60)
	if err := usage.ApplyServerUsage(ctx, "2024-03-10", map[string]int64{"example.com": 300}, map[string]int64{"example.com": 60}); err != nil {
		t.Fatalf("apply server usage: %v", err)
	}

	got, err = ledger.SecondsToday(ctx, "EXAMPLE.com")
	if err != nil {
		t.Fatalf("seconds today: %v", err)
	}
	if got != 330 {
		t.Fatalf("expected 300 server + 30 local, got %d", got)
	}

	// Yesterday's usage does not count.
	_ = usage.IncrementDailyUsage(ctx, "2024-03-09", "other.com", 500)
	if got, _ := ledger.SecondsToday(ctx, "other.com"); got != 0 {
		t.Fatalf("expected yesterday excluded, got %d", got)
	}
}
