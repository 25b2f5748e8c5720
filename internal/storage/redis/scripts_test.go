package redis

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// setupTestRedis creates a miniredis instance for testing Lua scripts
func setupTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})

	return client, mr
}

func usageKeys(date, domain string) []string {
	return []string{dailyUsageKey(date, domain), dailyIndexKey(date), usageDatesKey()}
}

func TestIncrementDailyUsageScript(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer client.Close()
	defer mr.Close()

	ctx := context.Background()
	date := "2024-01-15"
	domain := "games.example"
	keys := usageKeys(date, domain)

	tests := []struct {
		field   string
		seconds int64
		want    int64
	}{
		{field: "tracked_seconds", seconds: 25, want: 25},
		{field: "tracked_seconds", seconds: 25, want: 50},
		{field: "flushed_seconds", seconds: 40, want: 40},
	}

	for _, tt := range tests {
		total, err := client.Eval(ctx, incrementDailyUsageScript, keys, date, domain, tt.field, tt.seconds).Int64()
		if err != nil {
			t.Fatalf("Script execution failed: %v", err)
		}
		if total != tt.want {
			t.Errorf("Expected %s=%d, got %d", tt.field, tt.want, total)
		}
	}

	data := client.HGetAll(ctx, keys[0]).Val()
	if data["date"] != date || data["domain"] != domain {
		t.Errorf("Unexpected identity fields: %v", data)
	}

	if !client.SIsMember(ctx, keys[1], domain).Val() {
		t.Error("Expected domain in date index")
	}
	if !client.SIsMember(ctx, keys[2], date).Val() {
		t.Error("Expected date in dates set")
	}
}

func TestApplyServerUsageScript(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer client.Close()
	defer mr.Close()

	ctx := context.Background()
	date := "2024-01-15"
	domain := "games.example"
	keys := usageKeys(date, domain)

	if err := client.Eval(ctx, incrementDailyUsageScript, keys, date, domain, "flushed_seconds", 60).Err(); err != nil {
		t.Fatalf("seed flushed: %v", err)
	}

	tests := []struct {
		name          string
		server        int64
		confirmed     int64
		wantServer    string
		wantConfirmed string
	}{
		{name: "confirm part of flushed", server: 100, confirmed: 40, wantServer: "100", wantConfirmed: "40"},
		{name: "confirm capped by flushed", server: 200, confirmed: 90, wantServer: "200", wantConfirmed: "60"},
		{name: "stale confirm ignored", server: 210, confirmed: 10, wantServer: "210", wantConfirmed: "60"},
		{name: "negative server clamps", server: -5, confirmed: 0, wantServer: "0", wantConfirmed: "60"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := client.Eval(ctx, applyServerUsageScript, keys, date, domain, tt.server, tt.confirmed).Err(); err != nil {
				t.Fatalf("Script execution failed: %v", err)
			}
			data := client.HGetAll(ctx, keys[0]).Val()
			if data["server_seconds"] != tt.wantServer {
				t.Errorf("Expected server_seconds=%s, got %s", tt.wantServer, data["server_seconds"])
			}
			if data["confirmed_seconds"] != tt.wantConfirmed {
				t.Errorf("Expected confirmed_seconds=%s, got %s", tt.wantConfirmed, data["confirmed_seconds"])
			}
		})
	}
}

func TestApplyServerUsageScript_ServerOnlyDomain(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer client.Close()
	defer mr.Close()

	ctx := context.Background()
	date := "2024-01-15"
	domain := "docs.example"
	keys := usageKeys(date, domain)

	if err := client.Eval(ctx, applyServerUsageScript, keys, date, domain, 90, 30).Err(); err != nil {
		t.Fatalf("Script execution failed: %v", err)
	}

	usage, err := parseDailyUsage(client.HGetAll(ctx, keys[0]).Val())
	if err != nil {
		t.Fatalf("parseDailyUsage failed: %v", err)
	}
	if usage.ServerSeconds != 90 || usage.ConfirmedSeconds != 0 {
		t.Errorf("Unexpected record: %+v", usage)
	}
	if usage.TotalSeconds() != 90 {
		t.Errorf("Expected total 90, got %d", usage.TotalSeconds())
	}
}
