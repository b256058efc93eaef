package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/teranos/otto/config"
	"github.com/teranos/otto/engine"
	"github.com/teranos/otto/gateway"
	"github.com/teranos/otto/kernel"
	"github.com/teranos/otto/logger"
	"github.com/teranos/otto/outbox"
	"github.com/teranos/otto/schedule"
)

// RunCmd starts the otto daemon
var RunCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the scheduler and delivery daemon",
	Long: `Start the otto daemon in foreground mode.

The daemon will:
- Tick the scheduler kernel, claiming and executing due jobs
- Drain the outbound delivery queue through the configured transport
- Watch the config file for notification policy changes
- Run until interrupted (Ctrl+C) with graceful shutdown`,
	RunE: runDaemon,
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	database, err := openDatabase()
	if err != nil {
		return err
	}
	defer database.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to resolve home directory: %w", err)
	}

	jobStore := schedule.NewStore(database)
	runStore := schedule.NewRunStore(database)
	outboxStore := outbox.NewStore(database)
	sessionStore := gateway.NewSessionStore(database)

	gatewayClient := gateway.NewClient(gateway.Config{
		BaseURL: cfg.Gateway.BaseURL,
		Token:   cfg.Gateway.Token,
		Agent:   cfg.Gateway.Agent,
		Timeout: time.Duration(cfg.Gateway.TimeoutSeconds) * time.Second,
	})

	watchdog := engine.NewWatchdog(runStore, outboxStore, logger.Logger)
	executor := engine.NewExecutor(jobStore, runStore, sessionStore, gatewayClient, watchdog, engine.ExecutorConfig{
		Home:         home,
		GatewayRate:  rate.Limit(cfg.Gateway.RequestsPerMinute / 60),
		GatewayBurst: 1,
		Watchdog: engine.WatchdogConfig{
			Lookback:  time.Duration(cfg.Watchdog.LookbackMinutes) * time.Minute,
			Threshold: cfg.Watchdog.Threshold,
			Notify:    cfg.Watchdog.Notify,
			ChatID:    cfg.Notify.ChatID,
		},
	}, logger.Logger)

	// Live notification policy: config file edits apply without a restart.
	// Falls back to the policy loaded at startup if the watcher cannot run.
	staticPolicy, err := cfg.Notify.NotificationPolicy()
	if err != nil {
		return err
	}
	policyProvider := func() *outbox.NotificationPolicy { return staticPolicy }
	if configPath, perr := config.DefaultConfigPath(); perr == nil {
		if watcher, werr := config.NewPolicyWatcher(configPath, logger.Logger); werr == nil {
			watcher.Start()
			defer watcher.Stop()
			policyProvider = watcher.Current
		} else {
			logger.Logger.Warnw("Config watcher unavailable, using static policy", logger.FieldError, werr)
		}
	}

	var transport outbox.Transport
	if cfg.Telegram.BotToken != "" {
		transport = outbox.NewTelegramTransport(cfg.Telegram.BotToken)
	} else {
		logger.Logger.Warnw("No telegram.bot_token configured, outbound delivery will fail until one is set")
		transport = outbox.NewTelegramTransport("")
	}

	dispatcher := outbox.NewDispatcher(outboxStore, transport, policyProvider, outbox.DispatcherConfig{
		Interval:    time.Duration(cfg.Outbox.DrainIntervalSeconds) * time.Second,
		MaxAttempts: cfg.Outbox.MaxAttempts,
		BaseDelay:   time.Duration(cfg.Outbox.BaseDelayMs) * time.Millisecond,
		MaxDelay:    time.Duration(cfg.Outbox.MaxDelayMs) * time.Millisecond,
		ChunkLimit:  cfg.Outbox.ChunkLimit,
	}, logger.Logger)

	k := kernel.NewKernel(jobStore, executor, kernel.Config{
		Interval:  time.Duration(cfg.Scheduler.TickIntervalSeconds) * time.Second,
		BatchSize: cfg.Scheduler.BatchSize,
		Lease:     time.Duration(cfg.Scheduler.LeaseSeconds) * time.Second,
	}, logger.Logger)

	dispatcher.Start(ctx)
	k.Start(ctx)

	fmt.Println("otto daemon started")
	fmt.Printf("  Database:       %s\n", cfg.Database.Path)
	fmt.Printf("  Tick interval:  %ds\n", cfg.Scheduler.TickIntervalSeconds)
	fmt.Printf("  Drain interval: %ds\n", cfg.Outbox.DrainIntervalSeconds)
	fmt.Printf("  Gateway:        %s\n", cfg.Gateway.BaseURL)
	fmt.Println("\nPress Ctrl+C to shut down")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	fmt.Println("\nShutting down...")

	k.Stop()
	dispatcher.Stop()
	cancel()

	fmt.Println("otto daemon stopped")
	return nil
}
