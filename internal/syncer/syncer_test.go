package syncer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goodtune/kguard/internal/backend"
	"github.com/goodtune/kguard/internal/policy"
	"github.com/goodtune/kguard/internal/storage"
	"github.com/goodtune/kguard/internal/storage/bolt"
	"github.com/goodtune/kguard/internal/usage"
	"github.com/rs/zerolog"
)

type staticCreds struct {
	store storage.SettingsStore
}

func (c staticCreds) Credentials(ctx context.Context) (backend.Credentials, error) {
	settings, err := c.store.Get(ctx)
	if err != nil {
		return backend.Credentials{}, err
	}
	if settings.AuthToken == "" {
		return backend.Credentials{}, backend.ErrNoCredentials
	}
	return backend.Credentials{Token: settings.AuthToken, ChildID: settings.ChildID, DeviceID: settings.DeviceID}, nil
}

type fakeBackend struct {
	mu       sync.Mutex
	calls    []string
	bodies   map[string]map[string]any
	children string
	failing  map[string]bool
}

func (f *fakeBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	key := r.Method + " " + r.URL.Path
	f.calls = append(f.calls, key)
	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)
	f.bodies[key] = body
	fail := f.failing[key]
	children := f.children
	f.mu.Unlock()

	if fail {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}

	switch {
	case key == "GET /blocklist/c1":
		_, _ = w.Write([]byte(`{"blocklist":[{"domain":"games.com","category":"Gaming"}]}`))
	case key == "GET /allowlist/c1":
		_, _ = w.Write([]byte(`{"allowlist":["school.edu"]}`))
	case key == "GET /limits/c1":
		_, _ = w.Write([]byte(`{"limits":[{"id":"r1","domain":"youtube.com","daily_limit_minutes":30},{"domain":"tiktok.com","daily_limit_minutes":10}]}`))
	case key == "GET /usage/c1":
		_, _ = w.Write([]byte(`{"usage_map":{"youtube.com":400}}`))
	case key == "GET /children":
		_, _ = w.Write([]byte(children))
	case key == "POST /children":
		_, _ = w.Write([]byte(`{"child_id":"created-child"}`))
	default:
		w.WriteHeader(http.StatusOK)
	}
}

func (f *fakeBackend) called(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == key {
			n++
		}
	}
	return n
}

type harness struct {
	syncer  *Syncer
	store   *bolt.Store
	backend *fakeBackend
	date    string
}

func newHarness(t *testing.T, settings storage.Settings) *harness {
	t.Helper()
	fake := &fakeBackend{
		bodies:   make(map[string]map[string]any),
		failing:  make(map[string]bool),
		children: `{"children":[]}`,
	}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	store, err := bolt.Open(filepath.Join(t.TempDir(), "sync.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if err := store.Settings().Put(context.Background(), settings); err != nil {
		t.Fatalf("put settings: %v", err)
	}

	ledger, err := usage.NewLedger(store.Usage(), "00:00")
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	clock := &policy.TestClock{CurrentTime: time.Date(2024, 3, 10, 12, 0, 0, 0, time.Local)}
	ledger.SetClock(clock)

	client := backend.NewClient(srv.URL, time.Second, zerolog.Nop())
	s := New(client, staticCreds{store: store.Settings()}, store, ledger, Config{}, zerolog.Nop())
	s.SetClock(clock)
	return &harness{syncer: s, store: store, backend: fake, date: "2024-03-10"}
}

var readySettings = storage.Settings{
	SetupComplete: true,
	ChildID:       "c1",
	ChildName:     "Sam",
	DeviceID:      "d1",
	AuthToken:     "tok",
}

func TestPullOverwritesCaches(t *testing.T) {
	h := newHarness(t, readySettings)
	ctx := context.Background()

	usageStore := h.store.Usage()
	_ = usageStore.IncrementDailyUsage(ctx, h.date, "youtube.com", 120)
	_ = usageStore.MarkFlushed(ctx, h.date, "youtube.com", 100)
	_ = h.store.Lists().ReplaceBlocked(ctx, []storage.ListEntry{{Domain: "stale.com"}})

	if err := h.syncer.Pull(ctx); err != nil {
		t.Fatalf("pull: %v", err)
	}

	blocked, _ := h.store.Lists().Blocked(ctx)
	if len(blocked) != 1 || blocked[0].Domain != "games.com" {
		t.Fatalf("expected blocklist replaced, got %+v", blocked)
	}
	allowed, _ := h.store.Lists().Allowed(ctx)
	if len(allowed) != 1 || allowed[0].Domain != "school.edu" {
		t.Fatalf("expected allowlist replaced, got %+v", allowed)
	}

	rules, _ := h.store.Rules().List(ctx)
	if len(rules) != 2 || rules[0].ID != "r1" {
		t.Fatalf("expected backend order kept, got %+v", rules)
	}
	if !strings.HasPrefix(rules[1].ID, storage.LocalIDPrefix) {
		t.Fatalf("expected local id for id-less rule, got %q", rules[1].ID)
	}

	u, err := usageStore.GetDailyUsage(ctx, h.date, "youtube.com")
	if err != nil {
		t.Fatalf("get usage: %v", err)
	}
	if u.ServerSeconds != 400 || u.ConfirmedSeconds != 100 || u.TotalSeconds() != 420 {
		t.Fatalf("unexpected merged usage: %+v", u)
	}
}

func TestPullKeepsCacheOnPartialFailure(t *testing.T) {
	h := newHarness(t, readySettings)
	ctx := context.Background()
	h.backend.failing["GET /allowlist/c1"] = true
	_ = h.store.Lists().ReplaceAllowed(ctx, []storage.ListEntry{{Domain: "kept.org"}})

	if err := h.syncer.Pull(ctx); err == nil {
		t.Fatal("expected pull error for failed resource")
	}

	allowed, _ := h.store.Lists().Allowed(ctx)
	if len(allowed) != 1 || allowed[0].Domain != "kept.org" {
		t.Fatalf("expected previous allowlist kept, got %+v", allowed)
	}
	blocked, _ := h.store.Lists().Blocked(ctx)
	if len(blocked) != 1 {
		t.Fatalf("expected blocklist still updated, got %+v", blocked)
	}
}

func TestPullSkipsBeforeSetup(t *testing.T) {
	h := newHarness(t, storage.Settings{AuthToken: "tok"})
	if err := h.syncer.Pull(context.Background()); err != nil {
		t.Fatalf("pull: %v", err)
	}
	if len(h.backend.calls) != 0 {
		t.Fatalf("expected no backend calls, got %v", h.backend.calls)
	}
}

func TestReconcileAdoptsExistingChild(t *testing.T) {
	h := newHarness(t, storage.Settings{SetupComplete: true, ChildID: "child_local", ChildName: "Sam", DeviceID: "d1", AuthToken: "tok"})
	h.backend.children = `{"children":[{"id":"c1","name":"Samantha"},{"id":"c2","name":"Alex"}]}`
	ctx := context.Background()

	if err := h.syncer.Reconcile(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	settings, _ := h.store.Settings().Get(ctx)
	if settings.ChildID != "c1" || settings.ChildName != "Samantha" {
		t.Fatalf("expected first backend child adopted, got %+v", settings)
	}
	if h.backend.called("POST /children") != 0 {
		t.Fatal("expected no child creation")
	}
}

func TestReconcileCreatesChildAndRegistersDevice(t *testing.T) {
	h := newHarness(t, storage.Settings{SetupComplete: true, ChildName: "Sam", AuthToken: "tok"})
	ctx := context.Background()

	if err := h.syncer.Reconcile(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	settings, _ := h.store.Settings().Get(ctx)
	if settings.ChildID != "created-child" {
		t.Fatalf("expected created child id, got %q", settings.ChildID)
	}
	if settings.DeviceID == "" {
		t.Fatal("expected a device id to be generated")
	}
	if h.backend.called("POST /devices") != 1 {
		t.Fatalf("expected one device registration, got %v", h.backend.calls)
	}
	body := h.backend.bodies["POST /devices"]
	if body["device_id"] != settings.DeviceID || body["child_id"] != "created-child" {
		t.Fatalf("unexpected registration body %v", body)
	}
}

func TestRegisterDeviceRetries(t *testing.T) {
	h := newHarness(t, storage.Settings{SetupComplete: true, ChildID: "c1", AuthToken: "tok"})
	h.backend.failing["POST /devices"] = true
	ctx := context.Background()

	saved := registerInitialInterval
	registerInitialInterval = time.Millisecond
	defer func() { registerInitialInterval = saved }()

	if err := h.syncer.Reconcile(ctx); err == nil {
		t.Fatal("expected registration to fail")
	}
	if got := h.backend.called("POST /devices"); got != maxRegisterAttempts {
		t.Fatalf("expected %d attempts, got %d", maxRegisterAttempts, got)
	}
}

func TestHeartbeat(t *testing.T) {
	h := newHarness(t, readySettings)
	ctx := context.Background()

	if err := h.syncer.Heartbeat(ctx); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	body := h.backend.bodies["POST /devices/d1/heartbeat"]
	if body["status"] != "active" {
		t.Fatalf("unexpected heartbeat body %v", body)
	}

	// No device id means nothing to report.
	_ = h.store.Settings().Put(ctx, storage.Settings{SetupComplete: true, ChildID: "c1"})
	if err := h.syncer.Heartbeat(ctx); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if h.backend.called("POST /devices/d1/heartbeat") != 1 {
		t.Fatal("expected no second heartbeat")
	}
}

func TestStartRunsLoops(t *testing.T) {
	h := newHarness(t, readySettings)
	h.syncer.config.InitialPullDelay = time.Millisecond
	h.syncer.config.InitialHeartbeatDelay = time.Millisecond

	h.syncer.Start()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h.backend.called("POST /devices/d1/heartbeat") > 0 && h.backend.called("GET /limits/c1") > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	h.syncer.Stop()

	if h.backend.called("POST /devices/d1/heartbeat") == 0 || h.backend.called("GET /limits/c1") == 0 {
		t.Fatalf("expected initial pull and heartbeat, got %v", h.backend.calls)
	}
}
