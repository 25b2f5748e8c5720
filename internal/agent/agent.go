// Package agent runs the single event loop that owns the usage session and
// serializes navigation, tab and window events with the usage tick.
package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goodtune/kguard/internal/gate"
	"github.com/goodtune/kguard/internal/policy"
	"github.com/goodtune/kguard/internal/storage"
	"github.com/goodtune/kguard/internal/usage"
	"github.com/rs/zerolog"
)

// WindowIDNone is the focus-change window id meaning no browser window has
// focus.
const WindowIDNone = -1

// ErrStopped is returned by calls made after the loop has exited.
var ErrStopped = errors.New("agent stopped")

// Redirector sends a tab to a new URL.
type Redirector interface {
	Redirect(tabID int, url string) error
}

// Puller runs a policy pull.
type Puller interface {
	Pull(ctx context.Context) error
}

// Status is the popup view of the agent.
type Status struct {
	Enabled       bool           `json:"extension_enabled"`
	SetupComplete bool           `json:"setup_complete"`
	ChildName     string         `json:"child_name"`
	TodayBlocked  int            `json:"today_blocked"`
	Session       *usage.Session `json:"active_session,omitempty"`
}

// Identity is what the extension hands over after the parent signs in.
type Identity struct {
	AuthToken string `json:"auth_token"`
	ChildID   string `json:"child_id"`
	ChildName string `json:"child_name"`
}

// Agent serializes every state change through one goroutine.
type Agent struct {
	gate       *gate.Gate
	tracker    *usage.Tracker
	limits     policy.TimeLimitChecker
	settings   storage.SettingsStore
	logs       storage.LogStore
	redirector Redirector
	puller     Puller
	clock      policy.Clock
	logger     zerolog.Logger

	enabled bool
	calls   chan func(context.Context)
	started chan struct{}
	stopped chan struct{}
}

// New creates an agent. redirector may be nil until SetRedirector is called.
func New(g *gate.Gate, tracker *usage.Tracker, limits policy.TimeLimitChecker, store storage.Store, redirector Redirector, logger zerolog.Logger) *Agent {
	return &Agent{
		gate:       g,
		tracker:    tracker,
		limits:     limits,
		settings:   store.Settings(),
		logs:       store.Logs(),
		redirector: redirector,
		clock:      policy.RealClock{},
		logger:     logger.With().Str("component", "agent").Logger(),
		enabled:    true,
		calls:      make(chan func(context.Context)),
		started:    make(chan struct{}),
		stopped:    make(chan struct{}),
	}
}

// SetClock sets the clock used for status reporting (for testing)
func (a *Agent) SetClock(clock policy.Clock) {
	a.clock = clock
}

// SetRedirector sets the redirect sink. It must be called before Run.
func (a *Agent) SetRedirector(r Redirector) {
	a.redirector = r
}

// SetPuller sets what runs after the identity is configured. It must be
// called before Run.
func (a *Agent) SetPuller(p Puller) {
	a.puller = p
}

// Run processes events and ticks until ctx is cancelled. The active session
// is ended, and its pending usage flushed, on the way out.
func (a *Agent) Run(ctx context.Context) error {
	defer close(a.stopped)

	a.refreshEnabled(ctx)
	close(a.started)

	ticker := time.NewTicker(a.tracker.TickInterval())
	defer ticker.Stop()

	a.logger.Info().
		Dur("tick_interval", a.tracker.TickInterval()).
		Bool("enabled", a.enabled).
		Msg("Agent loop started")

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			a.tracker.End(shutdownCtx)
			cancel()
			a.logger.Info().Msg("Agent loop stopped")
			return ctx.Err()
		case fn := <-a.calls:
			a.run(ctx, fn)
		case <-ticker.C:
			a.run(ctx, a.tick)
		}
	}
}

func (a *Agent) run(ctx context.Context, fn func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error().Interface("panic", r).Msg("Agent handler panicked")
		}
	}()
	fn(ctx)
}

// Call runs fn on the loop and waits for it to finish.
func (a *Agent) Call(ctx context.Context, fn func(ctx context.Context)) error {
	done := make(chan struct{})
	job := func(ctx context.Context) {
		defer close(done)
		fn(ctx)
	}
	select {
	case a.calls <- job:
	case <-a.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	<-done
	return nil
}

// Navigate runs a navigation through the gate and redirects the tab when it
// is blocked.
func (a *Agent) Navigate(ctx context.Context, nav gate.Navigation) (gate.Decision, error) {
	var d gate.Decision
	err := a.Call(ctx, func(ctx context.Context) {
		d = a.gate.Handle(ctx, nav)
		if d.Blocked {
			a.redirect(nav.TabID, d.RedirectURL)
		}
	})
	return d, err
}

// TabActivated records that a tab came to the foreground.
func (a *Agent) TabActivated(ctx context.Context, tabID int, rawURL string) error {
	return a.Call(ctx, func(ctx context.Context) {
		a.observe(ctx, tabID, rawURL)
	})
}

// TabUpdated records a tab update. Only completed loads of the active tab
// matter.
func (a *Agent) TabUpdated(ctx context.Context, tabID int, rawURL, status string, active bool) error {
	if status != "complete" || !active {
		return nil
	}
	return a.Call(ctx, func(ctx context.Context) {
		a.observe(ctx, tabID, rawURL)
	})
}

// TabRemoved ends the session if it belonged to tabID.
func (a *Agent) TabRemoved(ctx context.Context, tabID int) error {
	return a.Call(ctx, func(ctx context.Context) {
		if s, ok := a.tracker.Active(); ok && s.TabID == tabID {
			a.tracker.End(ctx)
		}
	})
}

// FocusChanged ends the session when no browser window has focus.
func (a *Agent) FocusChanged(ctx context.Context, windowID int) error {
	if windowID != WindowIDNone {
		return nil
	}
	return a.Call(ctx, func(ctx context.Context) {
		a.tracker.End(ctx)
	})
}

// Tick runs one usage tick immediately.
func (a *Agent) Tick(ctx context.Context) error {
	return a.Call(ctx, a.tick)
}

func (a *Agent) observe(ctx context.Context, tabID int, rawURL string) {
	if !a.enabled {
		return
	}
	if a.gate.Internal(rawURL) {
		a.tracker.End(ctx)
		return
	}
	a.tracker.Observe(ctx, tabID, rawURL)
}

// tick accrues foreground time and then re-checks the active domain's time
// rule, so a visit is cut off as soon as its budget runs out.
func (a *Agent) tick(ctx context.Context) {
	if !a.enabled {
		return
	}
	if err := a.tracker.Tick(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("Usage tick failed")
	}

	s, ok := a.tracker.Active()
	if !ok {
		return
	}
	status, err := a.limits.Check(ctx, s.Domain)
	if err != nil {
		a.logger.Error().Err(err).Str("domain", s.Domain).Msg("Time limit check failed, allowing")
		return
	}
	if !status.Blocked {
		return
	}

	a.logger.Info().
		Str("domain", s.Domain).
		Str("reason", string(status.Reason)).
		Msg("Time limit reached during session")
	d := a.gate.Enforce(ctx, s.URL, s.Domain, status)
	a.redirect(s.TabID, d.RedirectURL)
	a.tracker.End(ctx)
}

func (a *Agent) redirect(tabID int, url string) {
	if a.redirector == nil {
		return
	}
	if err := a.redirector.Redirect(tabID, url); err != nil {
		a.logger.Error().Err(err).Int("tab_id", tabID).Msg("Failed to redirect tab")
	}
}

func (a *Agent) refreshEnabled(ctx context.Context) {
	settings, err := a.settings.Get(ctx)
	if err != nil {
		a.logger.Warn().Err(err).Msg("Failed to load settings, assuming enabled")
		a.enabled = true
		return
	}
	a.enabled = settings.ExtensionEnabled
}

// Status reports the toggle, identity, today's block count and the active
// session.
func (a *Agent) Status(ctx context.Context) (Status, error) {
	var (
		status Status
		err    error
	)
	callErr := a.Call(ctx, func(ctx context.Context) {
		status, err = a.status(ctx)
	})
	if callErr != nil {
		return Status{}, callErr
	}
	return status, err
}

func (a *Agent) status(ctx context.Context) (Status, error) {
	settings, err := a.settings.Get(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("load settings: %w", err)
	}
	count, err := a.blockedToday(ctx)
	if err != nil {
		return Status{}, err
	}
	status := Status{
		Enabled:       a.enabled,
		SetupComplete: settings.SetupComplete,
		ChildName:     settings.ChildName,
		TodayBlocked:  count,
	}
	if s, ok := a.tracker.Active(); ok {
		status.Session = &s
	}
	return status, nil
}

// blockedToday counts block log entries from the current local calendar
// day.
func (a *Agent) blockedToday(ctx context.Context) (int, error) {
	now := a.clock.Now().Local()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	entries, err := a.logs.ListBlockLogs(ctx, midnight)
	if err != nil {
		return 0, fmt.Errorf("list block logs: %w", err)
	}
	count := 0
	for _, e := range entries {
		ts := e.Timestamp.Local()
		if ts.Year() == now.Year() && ts.YearDay() == now.YearDay() {
			count++
		}
	}
	return count, nil
}

// Toggle flips the enable switch. When a parent password is set it must
// match. Disabling ends the active session.
func (a *Agent) Toggle(ctx context.Context, password string) (bool, error) {
	var (
		enabled bool
		err     error
	)
	callErr := a.Call(ctx, func(ctx context.Context) {
		enabled, err = a.toggle(ctx, password)
	})
	if callErr != nil {
		return false, callErr
	}
	return enabled, err
}

func (a *Agent) toggle(ctx context.Context, password string) (bool, error) {
	settings, err := a.settings.Get(ctx)
	if err != nil {
		return a.enabled, fmt.Errorf("load settings: %w", err)
	}
	if err := VerifyPassword(password, settings.ParentPasswordHash); err != nil {
		a.logger.Warn().Err(err).Msg("Toggle rejected")
		return a.enabled, err
	}

	settings.ExtensionEnabled = !settings.ExtensionEnabled
	if err := a.settings.Put(ctx, *settings); err != nil {
		return a.enabled, fmt.Errorf("save settings: %w", err)
	}
	a.enabled = settings.ExtensionEnabled
	if !a.enabled {
		a.tracker.End(ctx)
	}

	a.logger.Info().Bool("enabled", a.enabled).Msg("Extension toggled")
	return a.enabled, nil
}

// Configure stores the identity handed over by the extension and starts a
// background pull.
func (a *Agent) Configure(ctx context.Context, id Identity) error {
	var err error
	callErr := a.Call(ctx, func(ctx context.Context) {
		err = a.configure(ctx, id)
	})
	if callErr != nil {
		return callErr
	}
	if err == nil && a.puller != nil {
		go func() {
			pullCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := a.puller.Pull(pullCtx); err != nil {
				a.logger.Warn().Err(err).Msg("Pull after configure failed")
			}
		}()
	}
	return err
}

func (a *Agent) configure(ctx context.Context, id Identity) error {
	settings, err := a.settings.Get(ctx)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	if err := ApplyIdentity(settings, id); err != nil {
		return err
	}
	if err := a.settings.Put(ctx, *settings); err != nil {
		return fmt.Errorf("save settings: %w", err)
	}

	a.logger.Info().
		Str("child_id", settings.ChildID).
		Bool("setup_complete", settings.SetupComplete).
		Msg("Identity configured")
	return nil
}

// ApplyIdentity merges the non-empty fields of id into settings. Setup is
// complete once a child id or name is known.
func ApplyIdentity(settings *storage.Settings, id Identity) error {
	if id.AuthToken != "" {
		settings.AuthToken = id.AuthToken
	}
	if id.ChildID != "" {
		settings.ChildID = id.ChildID
	}
	if id.ChildName != "" {
		settings.ChildName = id.ChildName
	}
	settings.SetupComplete = settings.ChildID != "" || settings.ChildName != ""
	return settings.Validate()
}

// Started is closed once Run has loaded its settings.
func (a *Agent) Started() <-chan struct{} {
	return a.started
}
