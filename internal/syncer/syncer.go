// Package syncer keeps the local policy caches in step with the backend and
// reports liveness.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goodtune/kguard/internal/backend"
	"github.com/goodtune/kguard/internal/metrics"
	"github.com/goodtune/kguard/internal/policy"
	"github.com/goodtune/kguard/internal/storage"
	"github.com/goodtune/kguard/internal/usage"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// placeholderChildPrefix marks child ids minted before the backend knew the
// child.
const placeholderChildPrefix = "child_"

// CredentialSource yields usable backend credentials.
type CredentialSource interface {
	Credentials(ctx context.Context) (backend.Credentials, error)
}

// Config holds sync cadence
type Config struct {
	PullInterval          time.Duration
	HeartbeatInterval     time.Duration
	InitialPullDelay      time.Duration
	InitialHeartbeatDelay time.Duration
	Timeout               time.Duration
	DeviceName            string
	DeviceType            string
}

func (c *Config) setDefaults() {
	if c.PullInterval <= 0 {
		c.PullInterval = 5 * time.Minute
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 2 * time.Minute
	}
	if c.InitialPullDelay <= 0 {
		c.InitialPullDelay = time.Second
	}
	if c.InitialHeartbeatDelay <= 0 {
		c.InitialHeartbeatDelay = 5 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.DeviceName == "" {
		c.DeviceName = "kguard device"
	}
	if c.DeviceType == "" {
		c.DeviceType = "browser"
	}
}

// Syncer pulls policy from the backend and sends heartbeats.
type Syncer struct {
	client   *backend.Client
	creds    CredentialSource
	store    storage.Store
	ledger   *usage.Ledger
	config   Config
	clock    policy.Clock
	logger   zerolog.Logger
	pullMu   sync.Mutex
	stopCh   chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a syncer.
func New(client *backend.Client, creds CredentialSource, store storage.Store, ledger *usage.Ledger, config Config, logger zerolog.Logger) *Syncer {
	config.setDefaults()
	return &Syncer{
		client: client,
		creds:  creds,
		store:  store,
		ledger: ledger,
		config: config,
		clock:  policy.RealClock{},
		logger: logger.With().Str("component", "syncer").Logger(),
		stopCh: make(chan struct{}),
	}
}

// SetClock sets the clock used for heartbeats (for testing)
func (s *Syncer) SetClock(clock policy.Clock) {
	s.clock = clock
}

// Start launches the pull and heartbeat loops.
func (s *Syncer) Start() {
	s.wg.Add(2)
	go s.loop("pull", s.config.InitialPullDelay, s.config.PullInterval, s.pullOnce)
	go s.loop("heartbeat", s.config.InitialHeartbeatDelay, s.config.HeartbeatInterval, s.heartbeatOnce)

	s.logger.Info().
		Dur("pull_interval", s.config.PullInterval).
		Dur("heartbeat_interval", s.config.HeartbeatInterval).
		Msg("Sync coordinator started")
}

// Stop stops both loops and waits for a running pass to finish.
func (s *Syncer) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	s.wg.Wait()
	s.logger.Info().Msg("Sync coordinator stopped")
}

func (s *Syncer) loop(name string, initial, interval time.Duration, run func()) {
	defer s.wg.Done()

	timer := time.NewTimer(initial)
	defer timer.Stop()
	select {
	case <-timer.C:
		run()
	case <-s.stopCh:
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			run()
		case <-s.stopCh:
			s.logger.Debug().Str("loop", name).Msg("Loop exiting")
			return
		}
	}
}

func (s *Syncer) pullOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Timeout)
	defer cancel()
	if err := s.Pull(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("Sync pull failed")
	}
}

func (s *Syncer) heartbeatOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Timeout)
	defer cancel()
	if err := s.Heartbeat(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("Heartbeat failed")
	}
}

// Pull repairs the child and device identity, then fetches blocklist,
// allowlist, time rules and today's server usage in parallel. Each resource
// that arrives overwrites its cache; a failed one keeps the previous cache.
func (s *Syncer) Pull(ctx context.Context) error {
	s.pullMu.Lock()
	defer s.pullMu.Unlock()

	if err := s.Reconcile(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("Identity reconciliation failed")
	}

	settings, err := s.store.Settings().Get(ctx)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	if !settings.SetupComplete || settings.ChildID == "" {
		return nil
	}
	creds, err := s.creds.Credentials(ctx)
	if err != nil {
		return err
	}

	// The flushed snapshot is taken before the request so it never claims
	// seconds flushed after the server computed its figures.
	date := s.ledger.Today()
	snapshot, err := s.store.Usage().FlushedSnapshot(ctx, date)
	if err != nil {
		return fmt.Errorf("flushed snapshot: %w", err)
	}

	var g errgroup.Group
	g.Go(func() error {
		return s.pullResource(ctx, "blocklist", func() error {
			list, err := s.client.Blocklist(ctx, creds)
			if err != nil {
				return err
			}
			return s.store.Lists().ReplaceBlocked(ctx, list)
		})
	})
	g.Go(func() error {
		return s.pullResource(ctx, "allowlist", func() error {
			list, err := s.client.Allowlist(ctx, creds)
			if err != nil {
				return err
			}
			return s.store.Lists().ReplaceAllowed(ctx, list)
		})
	})
	g.Go(func() error {
		return s.pullResource(ctx, "limits", func() error {
			rules, err := s.client.Limits(ctx, creds)
			if err != nil {
				return err
			}
			for i := range rules {
				if rules[i].ID == "" {
					rules[i].ID = storage.NewLocalID()
				}
			}
			return s.store.Rules().ReplaceAll(ctx, rules)
		})
	})
	g.Go(func() error {
		return s.pullResource(ctx, "usage", func() error {
			server, err := s.client.UsageToday(ctx, creds)
			if err != nil {
				return err
			}
			return s.store.Usage().ApplyServerUsage(ctx, date, server, snapshot)
		})
	})
	return g.Wait()
}

func (s *Syncer) pullResource(ctx context.Context, resource string, fetch func() error) error {
	if err := fetch(); err != nil {
		metrics.SyncPulls.WithLabelValues(resource, "error").Inc()
		return fmt.Errorf("pull %s: %w", resource, err)
	}
	metrics.SyncPulls.WithLabelValues(resource, "success").Inc()
	s.logger.Debug().Str("resource", resource).Msg("Pulled policy resource")
	return nil
}

// Heartbeat reports liveness for the registered device. The token is sent
// when one is usable but is not required.
func (s *Syncer) Heartbeat(ctx context.Context) error {
	settings, err := s.store.Settings().Get(ctx)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	if !settings.SetupComplete || settings.DeviceID == "" {
		return nil
	}

	creds := backend.Credentials{ChildID: settings.ChildID, DeviceID: settings.DeviceID}
	if usable, err := s.creds.Credentials(ctx); err == nil {
		creds.Token = usable.Token
	}

	if err := s.client.Heartbeat(ctx, creds, s.clock.Now()); err != nil {
		metrics.Heartbeats.WithLabelValues("error").Inc()
		return err
	}
	metrics.Heartbeats.WithLabelValues("success").Inc()
	return nil
}

// Reconcile adopts a backend child profile when the stored child id is
// missing or a placeholder, and creates and registers a device id when none
// exists.
func (s *Syncer) Reconcile(ctx context.Context) error {
	settings, err := s.store.Settings().Get(ctx)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	if !settings.SetupComplete {
		return nil
	}
	creds, err := s.creds.Credentials(ctx)
	if errors.Is(err, backend.ErrNoCredentials) || errors.Is(err, backend.ErrTokenExpired) {
		return nil
	}
	if err != nil {
		return err
	}

	if settings.ChildID == "" || strings.HasPrefix(settings.ChildID, placeholderChildPrefix) {
		if err := s.reconcileChild(ctx, creds, settings); err != nil {
			return err
		}
	}

	if settings.DeviceID == "" && settings.ChildID != "" {
		return s.registerDevice(ctx, creds, settings)
	}
	return nil
}

func (s *Syncer) reconcileChild(ctx context.Context, creds backend.Credentials, settings *storage.Settings) error {
	children, err := s.client.Children(ctx, creds)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Listing children failed")
	}
	if len(children) > 0 {
		settings.ChildID = children[0].ID
		settings.ChildName = children[0].Name
	} else {
		if settings.ChildName == "" {
			return nil
		}
		id, err := s.client.CreateChild(ctx, creds, settings.ChildName)
		if err != nil {
			return fmt.Errorf("create child profile: %w", err)
		}
		settings.ChildID = id
	}

	if err := s.store.Settings().Put(ctx, *settings); err != nil {
		return fmt.Errorf("save child profile: %w", err)
	}
	s.logger.Info().Str("child_id", settings.ChildID).Msg("Child profile reconciled")
	return nil
}
