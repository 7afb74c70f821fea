package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/goodtune/worktimer/internal/api"
	"github.com/goodtune/worktimer/internal/approval"
	"github.com/goodtune/worktimer/internal/config"
	"github.com/goodtune/worktimer/internal/events"
	"github.com/goodtune/worktimer/internal/metrics"
	"github.com/goodtune/worktimer/internal/policy"
	"github.com/goodtune/worktimer/internal/systemd"
	"github.com/goodtune/worktimer/internal/timer"
	"github.com/goodtune/worktimer/internal/timersync"
	"github.com/goodtune/worktimer/internal/upload"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start worktimer server",
	Long:  `Start the worktimer HTTP API and metrics endpoints.`,
	RunE:  runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	log.Logger = logger

	logger.Info().
		Str("version", version).
		Str("config", configPath).
		Msg("Starting worktimer")

	// Check for systemd socket activation
	sdListeners, err := systemd.GetListeners()
	if err != nil {
		return fmt.Errorf("failed to get systemd listeners: %w", err)
	}
	if sdListeners.Activated {
		logger.Info().Msg("Running with systemd socket activation")
	}

	st, err := openStores(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close storage")
		}
	}()

	logger.Info().
		Str("type", cfg.Storage.Type).
		Str("local_path", cfg.Storage.LocalPath).
		Str("database", cfg.Database.Driver).
		Msg("Storage initialized")

	policyEngine, err := policy.NewEngine(cfg.Policy, cfg.Approval, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize Policy Engine: %w", err)
	}

	approvalCfg, err := approval.ConfigFrom(cfg.Approval)
	if err != nil {
		return fmt.Errorf("invalid approval configuration: %w", err)
	}
	approvals := approval.NewService(st.remote.Approvals(), policyEngine, approvalCfg, logger)

	bus := events.NewBus()
	hub := timersync.NewHub(timersync.Deps{
		Remote: st.remote.Timers(),
		Logs:   st.db,
		Local:  st.local,
		Bus:    bus,
		Clock:  timer.RealClock{},
		Logger: logger,
	}, timersync.ConfigFrom(cfg.Timer, cfg.Sync))
	defer func() {
		if err := hub.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to stop sync engines")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go logEvents(ctx, bus, logger)
	go systemd.RunWatchdog(ctx, logger)

	apiServer, err := api.NewServer(cfg, api.Deps{
		Hub:       hub,
		Approvals: approvals,
		Policy:    policyEngine,
		Uploads:   upload.NewClient(cfg.Upload, st.db, logger),
		Logs:      st.db,
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize API server: %w", err)
	}
	if err := apiServer.Start(sdListeners.API); err != nil {
		return fmt.Errorf("failed to start API server: %w", err)
	}

	metricsAddr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.MetricsPort)
	metricsServer := metrics.NewServer(metricsAddr, logger)
	if sdListeners.Metrics != nil {
		metricsServer.SetListener(sdListeners.Metrics)
	}
	if err := metricsServer.Start(); err != nil {
		return fmt.Errorf("failed to start Metrics Server: %w", err)
	}

	logger.Info().
		Int("api_port", cfg.Server.APIPort).
		Int("metrics_port", cfg.Server.MetricsPort).
		Msg("worktimer startup complete")

	if err := systemd.NotifyReady(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd ready notification")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	for sig := range sigChan {
		if sig != syscall.SIGHUP {
			logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received, gracefully stopping...")
			break
		}

		logger.Info().Msg("SIGHUP received, reloading policies...")
		_ = systemd.NotifyReloading()
		if err := policyEngine.Reload(); err != nil {
			logger.Error().Err(err).Msg("Failed to reload policies")
		}
		_ = systemd.NotifyReady()
	}

	if err := systemd.NotifyStopping(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd stopping notification")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := apiServer.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Error stopping API server")
	}
	if err := metricsServer.Stop(); err != nil {
		logger.Error().Err(err).Msg("Error stopping Metrics Server")
	}

	logger.Info().Msg("worktimer stopped")
	return nil
}

// logEvents records the transitions an operator cares about. Ticks are
// left out.
func logEvents(ctx context.Context, bus *events.Bus, logger zerolog.Logger) {
	sub := bus.Subscribe(256,
		events.TypeStarted,
		events.TypeStopped,
		events.TypeBudgetExhausted,
		events.TypeConflict,
		events.TypeConflictResolved,
		events.TypeRolledBack,
		events.TypeOffline,
		events.TypeOnline,
	)
	defer sub.Close()

	logger = logger.With().Str("component", "events").Logger()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			entry := logger.Info()
			if ev.Type == events.TypeConflict || ev.Type == events.TypeRolledBack {
				entry = logger.Warn()
			}
			if ev.Timer != nil {
				entry = entry.Str("timer_id", ev.Timer.ID).Int64("sync_version", ev.Timer.SyncVersion)
			}
			entry.
				Str("type", string(ev.Type)).
				Str("user_id", ev.UserID).
				Str("device_id", ev.DeviceID).
				Str("detail", ev.Detail).
				Msg("Timer event")
		}
	}
}
