package backend

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/goodtune/kguard/internal/metrics"
	"github.com/goodtune/kguard/internal/storage"
	"github.com/goodtune/kguard/internal/storage/bolt"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

func newTestDispatcher(t *testing.T, settings storage.Settings, config DispatcherConfig) (*Dispatcher, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	store, err := bolt.Open(filepath.Join(t.TempDir(), "dispatch.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if err := store.Settings().Put(context.Background(), settings); err != nil {
		t.Fatalf("put settings: %v", err)
	}

	client := NewClient(srv.URL, time.Second, zerolog.Nop())
	return NewDispatcher(client, store.Settings(), config, zerolog.Nop()), &hits
}

func TestDispatcherSkipsWithoutCredentials(t *testing.T) {
	d, hits := newTestDispatcher(t, storage.Settings{ExtensionEnabled: true}, DispatcherConfig{})
	before := testutil.ToFloat64(metrics.DetachedTasksDropped.WithLabelValues("report_history", "no_credentials"))

	called := false
	d.ReportHistory(storage.HistoryLogEntry{Domain: "a.com"}, func(context.Context) { called = true })
	d.Wait()

	if hits.Load() != 0 || called {
		t.Fatal("expected no network call without a token")
	}
	after := testutil.ToFloat64(metrics.DetachedTasksDropped.WithLabelValues("report_history", "no_credentials"))
	if after != before+1 {
		t.Fatalf("expected drop metric to increase, got %v -> %v", before, after)
	}
}

func TestDispatcherSkipsExpiredToken(t *testing.T) {
	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
	}).SignedString([]byte("secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	d, hits := newTestDispatcher(t, storage.Settings{AuthToken: expired, ChildID: "c1"}, DispatcherConfig{})

	d.PushRule(storage.DomainRule{ID: "r1", Domain: "a.com", DailyLimitMinutes: 1})
	d.Wait()
	if hits.Load() != 0 {
		t.Fatal("expected expired token to skip the push")
	}

	if _, err := d.Credentials(context.Background()); err != ErrTokenExpired {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
}

func TestDispatcherReportsAndCallsBack(t *testing.T) {
	d, hits := newTestDispatcher(t, storage.Settings{AuthToken: "opaque", ChildID: "c1", DeviceID: "d1"}, DispatcherConfig{})

	var sent atomic.Bool
	d.ReportHistory(storage.HistoryLogEntry{Domain: "a.com", DurationSeconds: 20}, func(context.Context) { sent.Store(true) })
	d.PushRule(storage.DomainRule{ID: "r1", Domain: "a.com", DailyLimitMinutes: 1})
	d.Wait()

	if hits.Load() != 2 || !sent.Load() {
		t.Fatalf("expected two calls and a callback, got %d calls, sent=%v", hits.Load(), sent.Load())
	}
}

func TestDispatcherRecoversPanics(t *testing.T) {
	d, _ := newTestDispatcher(t, storage.Settings{AuthToken: "opaque", ChildID: "c1"}, DispatcherConfig{})
	d.Go("explode", func(context.Context, Credentials) error {
		panic("boom")
	})
	d.Wait()
}

func TestDispatcherRateLimitsBlockReports(t *testing.T) {
	d, hits := newTestDispatcher(t, storage.Settings{AuthToken: "opaque", ChildID: "c1"}, DispatcherConfig{
		BlockReportRate:  0.001,
		BlockReportBurst: 2,
	})

	for i := 0; i < 5; i++ {
		d.ReportBlock(storage.BlockLogEntry{Domain: "a.com", Category: "Adult"})
	}
	d.Wait()

	if hits.Load() != 2 {
		t.Fatalf("expected burst of 2 reports, got %d", hits.Load())
	}
}
