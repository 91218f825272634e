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

	"github.com/docfold/docfold/internal/admin"
	"github.com/docfold/docfold/internal/config"
	"github.com/docfold/docfold/internal/engine"
	"github.com/docfold/docfold/internal/metrics"
	"github.com/docfold/docfold/internal/quota"
	"github.com/docfold/docfold/internal/session"
	"github.com/docfold/docfold/internal/stage"
	"github.com/docfold/docfold/internal/storage"
	"github.com/docfold/docfold/internal/storage/bolt"
	"github.com/docfold/docfold/internal/storage/redis"
	"github.com/docfold/docfold/internal/systemd"
	"github.com/docfold/docfold/internal/transport"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the docfold server",
	Long:  `Start the docfold server with the session manager, quota tracker, admin API and metrics endpoints.`,
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
		Msg("Starting docfold")

	// Check for systemd socket activation
	sdListeners, err := systemd.GetListeners()
	if err != nil {
		return fmt.Errorf("failed to get systemd listeners: %w", err)
	}
	if sdListeners.Activated {
		logger.Info().Msg("Running with systemd socket activation")
	}

	loc, err := time.LoadLocation(cfg.Quota.Timezone)
	if err != nil {
		return fmt.Errorf("invalid quota timezone: %w", err)
	}

	// The durable store shares the reference zone so its calendar-day
	// queries agree with the tracker's day keys.
	store, err := bolt.Open(cfg.Storage.Path, loc)
	if err != nil {
		return fmt.Errorf("failed to open durable store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close durable store")
		}
	}()
	logger.Info().Str("path", cfg.Storage.Path).Msg("Durable store opened")

	// The fast tier is optional; without it every admission counts the
	// durable log directly.
	var counters storage.CounterStore
	if cfg.Storage.Redis.Enabled {
		counters, err = redis.Open(cfg.Storage.Redis)
		if err != nil {
			logger.Error().Err(err).Msg("Fast counter tier unreachable, continuing on the durable log")
		} else {
			defer func() {
				if err := counters.Close(); err != nil {
					logger.Error().Err(err).Msg("Failed to close fast counter tier")
				}
			}()
			logger.Info().
				Str("host", cfg.Storage.Redis.Host).
				Int("port", cfg.Storage.Redis.Port).
				Msg("Fast counter tier connected")
		}
	}

	policy := quota.Policy{
		FreeDailyLimit:    cfg.Quota.FreeDailyLimit,
		PremiumDailyLimit: cfg.Quota.PremiumDailyLimit,
	}
	tracker := quota.NewTracker(counters, store.Operations(), store.Users(), policy, loc, logger)
	logger.Info().
		Int64("free_limit", policy.FreeDailyLimit).
		Int64("premium_limit", policy.PremiumDailyLimit).
		Str("timezone", cfg.Quota.Timezone).
		Msg("Quota tracker initialized")

	stager, err := stage.New(
		cfg.Stage.Dir,
		cfg.Session.MaxFileSizeBytes,
		parseDuration(cfg.Stage.RetentionWindow, 24*time.Hour),
		parseDuration(cfg.Stage.SweepInterval, 10*time.Minute),
		logger,
	)
	if err != nil {
		return fmt.Errorf("failed to initialize file stager: %w", err)
	}
	stager.Start()
	logger.Info().Str("dir", cfg.Stage.Dir).Msg("File stager initialized")

	eng := engine.New(logger)

	// The chat frontend registers its own notifier when it embeds the
	// manager; standalone the sink logs deliveries.
	notifier := loggingNotifier(logger)
	manager := session.NewManager(
		session.Config{
			IdleTimeout:      parseDuration(cfg.Session.IdleTimeout, 15*time.Minute),
			MaxInputFiles:    cfg.Session.MaxInputFiles,
			MaxFileSizeBytes: cfg.Session.MaxFileSizeBytes,
		},
		stager, eng, tracker, store.Users(), notifier, logger,
	)
	manager.Start()
	logger.Info().Msg("Session manager started")

	var adminServer *admin.Server
	if cfg.Admin.Enabled {
		adminServer, err = admin.NewServer(
			admin.Config{
				ListenAddr:      fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.AdminPort),
				Username:        cfg.Admin.InitialUsername,
				Password:        cfg.Admin.InitialPassword,
				JWTSecret:       cfg.Admin.JWTSecret,
				TokenExpiration: parseDuration(cfg.Admin.SessionTimeout, 24*time.Hour),
			},
			store, tracker, logger,
		)
		if err != nil {
			return fmt.Errorf("failed to initialize admin server: %w", err)
		}
		if sdListeners.Admin != nil {
			adminServer.SetListener(sdListeners.Admin)
		}
		if err := adminServer.Start(); err != nil {
			return fmt.Errorf("failed to start admin server: %w", err)
		}
	}

	metricsServer := metrics.NewServer(fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.MetricsPort), logger)
	if sdListeners.Metrics != nil {
		metricsServer.SetListener(sdListeners.Metrics)
	}
	if err := metricsServer.Start(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	prunerStop := startLogPruner(store.Operations(), cfg.Logging.OperationLogRetentionDays, logger)

	if err := systemd.NotifyReady(); err != nil {
		logger.Warn().Err(err).Msg("Failed to notify systemd readiness")
	}
	logger.Info().Msg("docfold startup complete")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info().Msg("Shutdown signal received, gracefully stopping...")
	if err := systemd.NotifyStopping(); err != nil {
		logger.Warn().Err(err).Msg("Failed to notify systemd stopping")
	}

	close(prunerStop)
	manager.Stop()
	stager.Stop()

	if adminServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := adminServer.Stop(ctx); err != nil {
			logger.Error().Err(err).Msg("Error stopping admin server")
		}
		cancel()
	}
	if err := metricsServer.Stop(); err != nil {
		logger.Error().Err(err).Msg("Error stopping metrics server")
	}

	logger.Info().Msg("docfold stopped")
	return nil
}

// loggingNotifier is the stand-in outbound sink for standalone runs.
func loggingNotifier(logger zerolog.Logger) transport.Notifier {
	outLog := logger.With().Str("component", "notifier").Logger()
	return transport.NotifierFunc(func(n transport.Notification) {
		outLog.Info().
			Str("user", n.UserID).
			Str("kind", string(n.Kind)).
			Int("files", len(n.Files)).
			Str("message", n.Message).
			Msg("Outbound notification")
	})
}

// startLogPruner deletes operation log entries older than the retention
// window, once at startup and then daily.
func startLogPruner(oplog storage.OperationLogStore, retentionDays int, logger zerolog.Logger) chan struct{} {
	stop := make(chan struct{})
	prunerLog := logger.With().Str("component", "pruner").Logger()

	prune := func() {
		cutoff := time.Now().AddDate(0, 0, -retentionDays)
		n, err := oplog.DeleteBefore(context.Background(), cutoff)
		if err != nil {
			prunerLog.Error().Err(err).Msg("Failed to prune operation log")
			return
		}
		if n > 0 {
			prunerLog.Info().Int("count", n).Time("cutoff", cutoff).Msg("Pruned operation log")
		}
	}

	go func() {
		prune()
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				prune()
			}
		}
	}()

	return stop
}

// setupLogger configures the logger based on configuration
func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}

	zerolog.SetGlobalLevel(level)

	if cfg.Format == "text" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Default to JSON
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// parseDuration parses a duration string with a fallback
func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
