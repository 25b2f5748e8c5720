package gate

import (
	"context"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/goodtune/kguard/internal/policy"
	"github.com/goodtune/kguard/internal/storage"
	"github.com/goodtune/kguard/internal/storage/bolt"
	"github.com/rs/zerolog"
)

type stubClassifier struct {
	results map[string]policy.ClassificationResult
	calls   int
	panics  bool
}

func (c *stubClassifier) Classify(_ context.Context, _ string, domain string) policy.ClassificationResult {
	c.calls++
	if c.panics {
		panic("classifier exploded")
	}
	if r, ok := c.results[domain]; ok {
		return r
	}
	return policy.ClassificationResult{Category: policy.CategorySafe}
}

type recordingReporter struct {
	blocks  []storage.BlockLogEntry
	history []storage.HistoryLogEntry
}

func (r *recordingReporter) ReportBlock(entry storage.BlockLogEntry) {
	r.blocks = append(r.blocks, entry)
}

func (r *recordingReporter) ReportHistory(entry storage.HistoryLogEntry, _ func(context.Context)) {
	r.history = append(r.history, entry)
}

func newTestGate(t *testing.T, classifier Classifier, config Config) (*Gate, *bolt.Store, *recordingReporter) {
	t.Helper()
	store, err := bolt.Open(filepath.Join(t.TempDir(), "gate.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	reporter := &recordingReporter{}
	g := New(classifier, store.Logs(), store.Settings(), reporter, config, zerolog.Nop())
	g.SetClock(&policy.TestClock{CurrentTime: time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)})
	return g, store, reporter
}

func TestGateSkips(t *testing.T) {
	classifier := &stubClassifier{}
	g, store, _ := newTestGate(t, classifier, Config{})
	ctx := context.Background()

	tests := []struct {
		name string
		nav  Navigation
	}{
		{"sub frame", Navigation{Signal: SignalCommitted, URL: "https://a.com/", FrameID: 3}},
		{"extension page", Navigation{Signal: SignalCommitted, URL: "chrome-extension://abc/popup.html"}},
		{"firefox extension", Navigation{Signal: SignalCommitted, URL: "moz-extension://abc/popup.html"}},
		{"browser page", Navigation{Signal: SignalCommitted, URL: "chrome://settings"}},
		{"about", Navigation{Signal: SignalBeforeNavigate, URL: "about:blank"}},
		{"block page", Navigation{Signal: SignalCommitted, URL: "chrome-extension://id/blocked-page.html?url=x"}},
		{"not http", Navigation{Signal: SignalCommitted, URL: "ftp://files.example.com/"}},
	}
	for _, tt := range tests {
		if d := g.Handle(ctx, tt.nav); !d.Skipped {
			t.Errorf("%s: expected skip, got %+v", tt.name, d)
		}
	}
	if classifier.calls != 0 {
		t.Fatalf("expected no classification, got %d", classifier.calls)
	}

	// Disabled means nothing is gated.
	if err := store.Settings().Put(ctx, storage.Settings{ExtensionEnabled: false}); err != nil {
		t.Fatalf("put settings: %v", err)
	}
	if d := g.Handle(ctx, Navigation{Signal: SignalCommitted, URL: "https://a.com/"}); !d.Skipped {
		t.Fatalf("expected disabled gate to skip, got %+v", d)
	}
}

func TestGateBlockPageMatchesPrefixOnly(t *testing.T) {
	classifier := &stubClassifier{results: map[string]policy.ClassificationResult{
		"casino.example": {Category: "Gambling", Blocked: true},
	}}
	ctx := context.Background()

	tests := []struct {
		name    string
		page    string
		url     string
		skipped bool
	}{
		{"hosted block page", "https://ext.local/blocked-page.html", "https://ext.local/blocked-page.html?url=x", true},
		{"fragment", "blocked-page.html", "https://casino.example/#blocked-page.html", false},
		{"query", "blocked-page.html", "https://casino.example/?x=blocked-page.html", false},
		{"path", "https://ext.local/blocked-page.html", "https://casino.example/ext.local/blocked-page.html", false},
	}
	for _, tt := range tests {
		g, _, _ := newTestGate(t, classifier, Config{BlockPageURL: tt.page})
		d := g.Handle(ctx, Navigation{Signal: SignalBeforeNavigate, URL: tt.url})
		if d.Skipped != tt.skipped {
			t.Errorf("%s: expected skipped=%v, got %+v", tt.name, tt.skipped, d)
		}
		if !tt.skipped && !d.Blocked {
			t.Errorf("%s: expected block, got %+v", tt.name, d)
		}
	}
	if classifier.calls != 3 {
		t.Fatalf("expected 3 classifications, got %d", classifier.calls)
	}
}

func TestGateBlocksAndLogs(t *testing.T) {
	until := time.Date(2024, 3, 11, 12, 0, 0, 0, time.UTC)
	timeLimited := policy.ClassificationResult{
		Category: policy.CategoryTimeLimit,
		Blocked:  true,
		TimeLimit: &policy.TimeLimitStatus{
			Blocked:      true,
			Reason:       policy.ReasonLimitReached,
			BlockedUntil: &until,
		},
	}
	classifier := &stubClassifier{results: map[string]policy.ClassificationResult{
		"casino.com":    {Category: "Gambling", Blocked: true},
		"games.example": timeLimited,
	}}
	g, store, reporter := newTestGate(t, classifier, Config{BlockPageURL: "chrome-extension://id/blocked-page.html"})
	clock := &policy.TestClock{CurrentTime: time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)}
	g.SetClock(clock)
	ctx := context.Background()

	d := g.Handle(ctx, Navigation{Signal: SignalBeforeNavigate, TabID: 4, URL: "https://casino.com/play?x=1"})
	if !d.Blocked {
		t.Fatalf("expected block, got %+v", d)
	}
	u, err := url.Parse(d.RedirectURL)
	if err != nil {
		t.Fatalf("parse redirect: %v", err)
	}
	q := u.Query()
	if q.Get("url") != "https://casino.com/play?x=1" || q.Get("domain") != "casino.com" || q.Get("category") != "Gambling" {
		t.Fatalf("unexpected redirect params %v", q)
	}
	if q.Has("blockedUntil") {
		t.Fatal("keyword block should not carry blockedUntil")
	}

	clock.Advance(time.Second)
	d = g.Handle(ctx, Navigation{Signal: SignalCommitted, TabID: 4, URL: "https://games.example/"})
	if !d.Blocked {
		t.Fatalf("expected time-limit block, got %+v", d)
	}
	if !strings.Contains(d.RedirectURL, "blockedUntil=2024-03-11T12%3A00%3A00Z") {
		t.Fatalf("expected cooldown expiry in redirect, got %s", d.RedirectURL)
	}

	logs, err := store.Logs().ListBlockLogs(ctx, time.Time{})
	if err != nil {
		t.Fatalf("list block logs: %v", err)
	}
	if len(logs) != 2 {
		t.Fatalf("expected 2 block log entries, got %d", len(logs))
	}
	if logs[0].Action != storage.ActionTimeLimit || logs[1].Action != storage.ActionBlocked {
		t.Fatalf("unexpected actions %s, %s", logs[0].Action, logs[1].Action)
	}
	if len(reporter.blocks) != 2 {
		t.Fatalf("expected 2 backend block reports, got %d", len(reporter.blocks))
	}

	history, _ := store.Logs().ListHistoryLogs(ctx, 0)
	if len(history) != 0 {
		t.Fatalf("blocked navigations must not be logged as visits, got %+v", history)
	}
}

func TestGateLogsSafeVisitOnCommitOnly(t *testing.T) {
	g, store, reporter := newTestGate(t, &stubClassifier{}, Config{})
	ctx := context.Background()

	g.Handle(ctx, Navigation{Signal: SignalBeforeNavigate, URL: "https://docs.example.org/page"})
	history, _ := store.Logs().ListHistoryLogs(ctx, 0)
	if len(history) != 0 {
		t.Fatalf("pre-navigation must not log history, got %+v", history)
	}

	d := g.Handle(ctx, Navigation{Signal: SignalCommitted, URL: "https://docs.example.org/page"})
	if d.Blocked || d.Skipped {
		t.Fatalf("expected allowed navigation, got %+v", d)
	}
	history, _ = store.Logs().ListHistoryLogs(ctx, 0)
	if len(history) != 1 {
		t.Fatalf("expected one visit, got %d", len(history))
	}
	visit := history[0]
	if visit.DurationSeconds != 0 || visit.PageTitle != "docs.example.org" || visit.Category != policy.CategorySafe {
		t.Fatalf("unexpected visit %+v", visit)
	}
	if len(reporter.history) != 1 {
		t.Fatalf("expected visit reported, got %d", len(reporter.history))
	}
}

func TestGateTrimsHistory(t *testing.T) {
	g, store, _ := newTestGate(t, &stubClassifier{}, Config{HistoryLimit: 3})
	ctx := context.Background()
	clock := &policy.TestClock{CurrentTime: time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)}
	g.SetClock(clock)

	for i := 0; i < 5; i++ {
		clock.Advance(time.Second)
		g.Handle(ctx, Navigation{Signal: SignalCommitted, URL: "https://a.com/"})
	}
	history, _ := store.Logs().ListHistoryLogs(ctx, 0)
	if len(history) != 3 {
		t.Fatalf("expected history trimmed to 3, got %d", len(history))
	}
}

func TestGateFailsOpenOnPanic(t *testing.T) {
	g, _, reporter := newTestGate(t, &stubClassifier{panics: true}, Config{})
	d := g.Handle(context.Background(), Navigation{Signal: SignalCommitted, URL: "https://a.com/"})
	if d.Blocked {
		t.Fatalf("expected allow on panic, got %+v", d)
	}
	if len(reporter.blocks) != 0 || len(reporter.history) != 0 {
		t.Fatal("expected nothing reported after a panic")
	}
}
