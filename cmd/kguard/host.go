package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/goodtune/kguard/internal/admin"
	"github.com/goodtune/kguard/internal/agent"
	"github.com/goodtune/kguard/internal/config"
	"github.com/goodtune/kguard/internal/gate"
	"github.com/goodtune/kguard/internal/metrics"
	"github.com/goodtune/kguard/internal/nativemsg"
	"github.com/goodtune/kguard/internal/usage"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var hostCmd = &cobra.Command{
	Use:   "host",
	Short: "Run the native messaging host",
	Long: `Run the native messaging host on stdin/stdout. This is what the browser
launches; the optional admin API and metrics endpoint start alongside it.`,
	Args:               cobra.ArbitraryArgs,
	FParseErrWhitelist: cobra.FParseErrWhitelist{UnknownFlags: true},
	RunE:               runHost,
}

func init() {
	rootCmd.AddCommand(hostCmd)
}

func runHost(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	log.Logger = logger

	logger.Info().
		Str("version", version).
		Str("config", configPath).
		Strs("args", args).
		Msg("Starting kguard")

	a, err := newApp(cfg, appOptions{}, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close storage")
		}
	}()

	logger.Info().
		Str("type", cfg.Storage.Type).
		Str("path", cfg.Storage.Path).
		Str("keyword_engine", cfg.Policy.KeywordEngine).
		Msg("Storage and policy initialized")

	retention, err := usage.NewRetentionScheduler(a.ledger, a.store.Logs(), usage.RetentionConfig{
		ResetTime:    cfg.Usage.DailyResetTime,
		UsageDays:    cfg.Usage.RetentionDays,
		BlockLogDays: cfg.Gate.BlockLogRetentionDays,
		HistoryLimit: cfg.Gate.HistoryLimit,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize retention scheduler: %w", err)
	}

	g := gate.New(a.classifier, a.store.Logs(), a.store.Settings(), a.dispatcher, gate.Config{
		BlockPageURL:      cfg.Gate.BlockPageURL,
		HistoryLimit:      cfg.Gate.HistoryLimit,
		BlockLogRetention: daysToDuration(cfg.Gate.BlockLogRetentionDays),
	}, logger)

	tracker := usage.NewTracker(a.ledger, a.dispatcher, usage.Config{
		TickInterval:   config.Duration(cfg.Usage.TickInterval),
		FlushThreshold: config.Duration(cfg.Usage.FlushThreshold),
	}, logger)

	host := nativemsg.NewHost(os.Stdin, os.Stdout, logger)
	ag := agent.New(g, tracker, a.limits, a.store, host, logger)
	ag.SetPuller(a.syncer)

	// Optional local surfaces
	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewServer(cfg.Metrics.Address, logger)
		if err := metricsServer.Start(); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
	}

	var adminServer *admin.Server
	if cfg.Admin.Enabled {
		adminServer = admin.NewServer(admin.Config{
			ListenAddr:      fmt.Sprintf("%s:%d", cfg.Admin.BindAddress, cfg.Admin.Port),
			MaxHistoryLimit: cfg.Gate.HistoryLimit,
		}, ag, a.syncer, a.store.Logs(), a.ledger, logger)
		if err := adminServer.Start(); err != nil {
			return fmt.Errorf("failed to start admin server: %w", err)
		}
	}

	retention.Start()
	a.syncer.Start()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	group, gctx := errgroup.WithContext(ctx)
	gctx, cancel := context.WithCancel(gctx)
	defer cancel()

	group.Go(func() error {
		err := ag.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	// The stdin read cannot be interrupted, so the reader is left behind when
	// shutdown comes from a signal.
	group.Go(func() error {
		served := make(chan error, 1)
		go func() { served <- host.Serve(gctx, ag) }()
		select {
		case err := <-served:
			cancel()
			return err
		case <-gctx.Done():
			return nil
		}
	})

	group.Go(func() error {
		reloadPolicies(gctx, a)
		return nil
	})

	logger.Info().Msg("kguard startup complete")

	err = group.Wait()
	if err != nil {
		logger.Error().Err(err).Msg("Host stopped with error")
	} else {
		logger.Info().Msg("Shutting down")
	}

	a.syncer.Stop()
	retention.Stop()

	if adminServer != nil {
		if err := adminServer.Stop(); err != nil {
			logger.Error().Err(err).Msg("Error stopping admin server")
		}
	}
	if metricsServer != nil {
		if err := metricsServer.Stop(); err != nil {
			logger.Error().Err(err).Msg("Error stopping metrics server")
		}
	}

	logger.Info().Msg("kguard stopped")
	return err
}

// reloadPolicies re-reads the rego policy directory on SIGHUP.
func reloadPolicies(ctx context.Context, a *app) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-hup:
			if a.rego == nil {
				a.logger.Info().Msg("SIGHUP received, builtin keyword engine has nothing to reload")
				continue
			}
			if err := a.rego.Reload(); err != nil {
				a.logger.Error().Err(err).Msg("Failed to reload policies")
			} else {
				a.logger.Info().Msg("Policies reloaded")
			}
		case <-ctx.Done():
			return
		}
	}
}
