/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the settlement service.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags (defaults come from the environment)
  2. Initialize SQLite store
  3. Start dispatch queues for notifications and remote pushes
  4. Build the ledger service and authenticator
  5. Seed the ADMIN account, apply the commission rate if given
  6. Start the periodic sync when a mirror is configured
  7. Configure HTTP router and start server with graceful shutdown

COMMAND-LINE FLAGS (ENVIRONMENT):
  -port            PORT              HTTP port (default: 8080)
  -db              DB_PATH           SQLite path (default: settlement.db)
                                     Use ":memory:" for in-memory database
  -commission      COMMISSION_RATE   Rate to apply on start, 0-100 (default: keep)
  -platform        PLATFORM_ACCOUNT  Commission account (default: first ADMIN)
  -admin-phone     ADMIN_PHONE       Seeded ADMIN phone
  -admin-password  ADMIN_PASSWORD    Seeded ADMIN password
  -mirror-dsn      MIRROR_DSN        Postgres DSN for the advisory mirror
  -telegram-token  TELEGRAM_TOKEN    Bot token for operator notifications
  -telegram-chat   TELEGRAM_CHAT_ID  Chat receiving them
  -sync-interval   SYNC_INTERVAL     Full mirror sync interval (default: 5m)
  -log-format      LOG_FORMAT        "json" or "text" (default: text)
  -cors-origins    CORS_ORIGINS      Comma-separated allowed origins
  -scenarios                         Enable POST /api/scenarios/load

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the sync scheduler, drain the dispatch queues
  4. Close database connections
  5. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/settlement.db"

  # Demo mode with in-memory database
  ./server -db=":memory:" -scenarios

SEE ALSO:
  - api/server.go: Router configuration
  - ledger/service.go: Settlement core
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/wusul/settlement-engine/api"
	"github.com/wusul/settlement-engine/auth"
	"github.com/wusul/settlement-engine/dispatch"
	"github.com/wusul/settlement-engine/ledger"
	"github.com/wusul/settlement-engine/notify"
	"github.com/wusul/settlement-engine/remote"
	"github.com/wusul/settlement-engine/store/sqlite"
)

type config struct {
	port          int
	dbPath        string
	commission    int
	platform      string
	adminPhone    string
	adminPassword string
	mirrorDSN     string
	telegramToken string
	telegramChat  int64
	syncInterval  time.Duration
	logFormat     string
	corsOrigins   string
	scenarios     bool
}

func main() {
	var cfg config
	flag.IntVar(&cfg.port, "port", envInt("PORT", 8080), "HTTP server port")
	flag.StringVar(&cfg.dbPath, "db", envString("DB_PATH", "settlement.db"), "SQLite database path")
	flag.IntVar(&cfg.commission, "commission", envInt("COMMISSION_RATE", -1), "commission rate to apply on start (0-100, -1 keeps the stored one)")
	flag.StringVar(&cfg.platform, "platform", envString("PLATFORM_ACCOUNT", ""), "account receiving commissions")
	flag.StringVar(&cfg.adminPhone, "admin-phone", envString("ADMIN_PHONE", "0900000000"), "seeded ADMIN phone")
	flag.StringVar(&cfg.adminPassword, "admin-password", envString("ADMIN_PASSWORD", ""), "seeded ADMIN password")
	flag.StringVar(&cfg.mirrorDSN, "mirror-dsn", envString("MIRROR_DSN", ""), "Postgres DSN of the advisory mirror")
	flag.StringVar(&cfg.telegramToken, "telegram-token", envString("TELEGRAM_TOKEN", ""), "Telegram bot token")
	flag.Int64Var(&cfg.telegramChat, "telegram-chat", int64(envInt("TELEGRAM_CHAT_ID", 0)), "Telegram chat id")
	flag.DurationVar(&cfg.syncInterval, "sync-interval", envDuration("SYNC_INTERVAL", 5*time.Minute), "full mirror sync interval")
	flag.StringVar(&cfg.logFormat, "log-format", envString("LOG_FORMAT", "text"), "log format: json or text")
	flag.StringVar(&cfg.corsOrigins, "cors-origins", envString("CORS_ORIGINS", ""), "comma-separated allowed origins")
	flag.BoolVar(&cfg.scenarios, "scenarios", false, "enable demo scenario loading")
	flag.Parse()

	logger := newLogger(cfg.logFormat)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg config, logger *slog.Logger) error {
	ctx := context.Background()

	// Initialize store
	store, err := sqlite.New(cfg.dbPath)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer store.Close()

	// Notifications: inbox for the API, log, optional Telegram
	inbox := notify.NewInbox(notify.DefaultInboxSize)
	notifiers := dispatch.MultiNotifier{inbox, notify.Log{Logger: logger}}
	if cfg.telegramToken != "" {
		tg, err := notify.NewTelegram(cfg.telegramToken, cfg.telegramChat)
		if err != nil {
			logger.Warn("telegram disabled", "error", err)
		} else {
			notifiers = append(notifiers, tg)
		}
	}
	notifyQueue := dispatch.New(dispatch.Config{Name: "notify", Workers: 2, Logger: logger})
	notifyQueue.Start()
	defer notifyQueue.Stop()

	opts := []ledger.Option{
		ledger.WithLogger(logger),
		ledger.WithNotifier(dispatch.Notifier{Next: notifiers, Queue: notifyQueue}),
	}
	if cfg.platform != "" {
		id, err := auth.NormalizePhone(cfg.platform)
		if err != nil {
			return fmt.Errorf("platform account: %w", err)
		}
		opts = append(opts, ledger.WithPlatformAccount(id))
	}

	// Advisory remote mirror
	var mirror *remote.PostgresMirror
	if cfg.mirrorDSN != "" {
		mirror, err = remote.OpenPostgresMirror(ctx, cfg.mirrorDSN, remote.DefaultMirrorTable, logger)
		if err != nil {
			logger.Warn("mirror disabled", "error", err)
			mirror = nil
		} else {
			defer mirror.Close()
		}
	}
	if mirror != nil {
		syncQueue := dispatch.New(dispatch.Config{Name: "sync", Size: 1024, Logger: logger})
		syncQueue.Start()
		defer syncQueue.Stop()
		opts = append(opts, ledger.WithSyncer(dispatch.Syncer{Next: mirror, Queue: syncQueue}))
	}

	svc := ledger.NewService(store, opts...)
	sessions := auth.NewSessions(auth.DefaultSessionTTL)
	authn := auth.NewAuthenticator(svc, sessions, logger)

	seedAdmin := func(ctx context.Context) error {
		if cfg.adminPassword == "" {
			logger.Warn("ADMIN_PASSWORD not set; no ADMIN account seeded")
			return nil
		}
		_, err := authn.EnsureAccount(ctx, cfg.adminPhone, "Platform", cfg.adminPassword, ledger.RoleAdmin)
		return err
	}
	if err := seedAdmin(ctx); err != nil {
		return fmt.Errorf("seed admin: %w", err)
	}
	if cfg.commission >= 0 {
		if _, err := svc.SetCommissionRate(ctx, ledger.SystemActor, cfg.commission); err != nil {
			return fmt.Errorf("commission rate: %w", err)
		}
	}

	if mirror != nil {
		scheduler := remote.NewSyncScheduler(svc, mirror, logger)
		scheduler.Interval = cfg.syncInterval
		scheduler.Start()
		defer scheduler.Stop()
	}

	// Sweep expired sessions
	sweepDone := make(chan struct{})
	defer close(sweepDone)
	go func() {
		t := time.NewTicker(time.Hour)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				if n := sessions.Sweep(); n > 0 {
					logger.Info("sessions swept", "expired", n)
				}
			case <-sweepDone:
				return
			}
		}
	}()

	// Initialize handler
	handler := api.NewHandler(svc, authn, logger)
	handler.Inbox = inbox
	if cfg.scenarios {
		handler.Store = store
		handler.OnReset = seedAdmin
	}

	routerCfg := api.DefaultRouterConfig()
	if cfg.corsOrigins != "" {
		routerCfg.AllowedOrigins = strings.Split(cfg.corsOrigins, ",")
	}
	router := api.NewRouter(handler, routerCfg)

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	errc := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", server.Addr, "db", cfg.dbPath)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errc:
		return err
	}

	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("forced shutdown: %w", err)
	}

	processed, failed, dropped := notifyQueue.Stats()
	logger.Info("server stopped", "notifications", processed, "failed", failed, "dropped", dropped)
	return nil
}

func newLogger(format string) *slog.Logger {
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, nil))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, nil))
}

// =============================================================================
// ENVIRONMENT
// =============================================================================

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
