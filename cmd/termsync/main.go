// Command termsync runs the terminal state synchronization engine for one
// trading account.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quantgate/termsync/config"
	"github.com/quantgate/termsync/internal/clock"
	"github.com/quantgate/termsync/internal/hashing"
	"github.com/quantgate/termsync/internal/health"
	"github.com/quantgate/termsync/internal/history"
	"github.com/quantgate/termsync/internal/infra/persistence/migrations"
	"github.com/quantgate/termsync/internal/infra/persistence/postgres"
	"github.com/quantgate/termsync/internal/observability"
	"github.com/quantgate/termsync/internal/state"
	"github.com/quantgate/termsync/internal/syncer"
	"github.com/quantgate/termsync/internal/transport"
	"github.com/quantgate/termsync/internal/transport/ws"
	"github.com/quantgate/termsync/lib/telemetry"
)

const (
	loggerPrefix             = "termsync "
	hubWorkers               = 8
	shutdownTimeout          = 30 * time.Second
	historyFlushTimeout      = 10 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
	storageConnectTimeout    = 15 * time.Second
)

type runFlags struct {
	configPath   string
	accountID    string
	family       string
	historyStart string
}

func main() {
	flags := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	logger := log.New(os.Stdout, loggerPrefix, log.LstdFlags|log.Lmicroseconds)
	observability.SetLogger(&runtimeLogger{out: logger})

	accountID := resolveAccountID(flags.accountID)
	if accountID == "" {
		logger.Fatal("account id required: pass -account or set TERMSYNC_ACCOUNT_ID")
	}

	settings := config.FromEnv()
	syncCfg, err := config.LoadSync(flags.configPath)
	if err != nil {
		logger.Fatalf("load sync config: %v", err)
	}
	logger.Printf("configuration initialised: env=%s, account=%s, family=%s",
		settings.Environment, accountID, flags.family)

	historyStart, err := parseHistoryStart(flags.historyStart)
	if err != nil {
		logger.Fatalf("parse history start: %v", err)
	}

	provider, telemetryShutdown, err := telemetry.Init(ctx, settings.Telemetry, "termsync")
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}
	if settings.Telemetry.Endpoint != "" {
		observability.SetMetrics(telemetry.NewCollector(provider))
		logger.Printf("telemetry initialized: endpoint=%s", settings.Telemetry.Endpoint)
	} else {
		logger.Print("telemetry disabled")
	}

	storage, pool, err := openStorage(ctx, logger, settings.Postgres)
	if err != nil {
		logger.Fatalf("initialise history storage: %v", err)
	}

	clk := clock.System{}
	sched := clock.NewTimerScheduler()
	engine := hashing.NewEngine(syncCfg.Hashing.Family(flags.family))

	store := state.NewStore(accountID, clk, syncCfg.Tombstone.TTL, engine)
	reconciler := history.NewReconciler(ctx, accountID, storage, sched, syncCfg.History)
	if err := reconciler.Load(ctx); err != nil {
		logger.Fatalf("load history: %v", err)
	}
	logger.Printf("history loaded: last deal %s, last order %s",
		formatCursor(reconciler.LastDealTime()), formatCursor(reconciler.LastHistoryOrderTime()))

	hub := transport.NewHub(hubWorkers)
	var driver *syncer.Driver
	client := ws.NewClient(ctx, settings.Transport, hub, func() {
		if driver != nil {
			driver.OnTransportReconnected()
		}
	})
	driver = syncer.NewDriver(ctx, accountID, store, reconciler, client, sched, syncCfg, historyStart)
	hub.Add("syncer", driver)

	monitor := health.NewMonitor(store, driver, clk, syncCfg.Health)

	if err := client.Start(); err != nil {
		logger.Fatalf("connect stream: %v", err)
	}
	logger.Printf("stream connected: %s", settings.Transport.URL)

	monitor.Start()

	logger.Print("termsync started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		client:            client,
		monitor:           monitor,
		driver:            driver,
		reconciler:        reconciler,
		sched:             sched,
		store:             store,
		pool:              pool,
		telemetryShutdown: telemetryShutdown,
	})
	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

func parseFlags() runFlags {
	var flags runFlags
	flag.StringVar(&flags.configPath, "config", "", "Path to synchronization configuration file")
	flag.StringVar(&flags.accountID, "account", "", "Trading account id to mirror")
	flag.StringVar(&flags.family, "family", "cloud", "Account family selecting hashing behaviour")
	flag.StringVar(&flags.historyStart, "history-start", "", "RFC3339 floor for history transfers")
	flag.Parse()
	return flags
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func resolveAccountID(flagValue string) string {
	if v := strings.TrimSpace(flagValue); v != "" {
		return v
	}
	return strings.TrimSpace(os.Getenv("TERMSYNC_ACCOUNT_ID"))
}

func parseHistoryStart(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid -history-start %q: %w", raw, err)
	}
	return ts.UTC(), nil
}

func formatCursor(ts time.Time) string {
	if ts.IsZero() {
		return "none"
	}
	return ts.UTC().Format(time.RFC3339)
}

// openStorage selects durable Postgres history storage when a DSN is
// configured, falling back to an in-memory store otherwise. The returned pool
// is nil in the in-memory case.
func openStorage(ctx context.Context, logger *log.Logger, cfg config.PostgresSettings) (history.Storage, *pgxpool.Pool, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		logger.Print("no postgres DSN configured; history kept in memory")
		return history.NewMemoryStorage(), nil, nil
	}

	connectCtx, cancel := context.WithTimeout(ctx, storageConnectTimeout)
	defer cancel()

	if err := migrations.Apply(connectCtx, cfg.DSN, cfg.MigrationsDir); err != nil {
		return nil, nil, fmt.Errorf("apply migrations: %w", err)
	}
	pool, err := pgxpool.New(connectCtx, cfg.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("ping postgres: %w", err)
	}
	logger.Print("postgres history storage ready")
	return postgres.NewHistoryStore(pool), pool, nil
}

type gracefulShutdownConfig struct {
	client            *ws.Client
	monitor           *health.Monitor
	driver            *syncer.Driver
	reconciler        *history.Reconciler
	sched             *clock.TimerScheduler
	store             *state.Store
	pool              *pgxpool.Pool
	telemetryShutdown func(context.Context) error
}

func performGracefulShutdown(ctx context.Context, logger *log.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Printf("shutdown: %s...", name)
		if err := fn(stepCtx); err != nil {
			logger.Printf("shutdown: %s failed: %v", name, err)
		} else {
			logger.Printf("shutdown: %s completed", name)
		}
	}

	shutdownStep("flushing history", historyFlushTimeout, cfg.reconciler.FlushNow)

	logger.Print("shutdown: stopping stream client")
	cfg.client.Stop()
	logger.Print("shutdown: stopping health monitor")
	cfg.monitor.Stop()
	logger.Print("shutdown: stopping synchronization driver")
	cfg.driver.Close()
	cfg.sched.Close()
	cfg.store.Close()

	if cfg.pool != nil {
		logger.Print("shutdown: closing postgres pool")
		cfg.pool.Close()
	}

	shutdownStep("shutting down telemetry", telemetryShutdownTimeout, cfg.telemetryShutdown)
}

// runtimeLogger adapts the process log.Logger to the structured logging
// surface used across packages.
type runtimeLogger struct {
	out *log.Logger
}

func (l *runtimeLogger) Debug(msg string, fields ...observability.Field) { l.emit("DEBUG", msg, fields) }
func (l *runtimeLogger) Info(msg string, fields ...observability.Field)  { l.emit("INFO", msg, fields) }
func (l *runtimeLogger) Error(msg string, fields ...observability.Field) { l.emit("ERROR", msg, fields) }

func (l *runtimeLogger) emit(level, msg string, fields []observability.Field) {
	var sb strings.Builder
	sb.WriteString(level)
	sb.WriteString(" ")
	sb.WriteString(msg)
	for _, field := range fields {
		fmt.Fprintf(&sb, " %s=%v", field.Key, field.Value)
	}
	l.out.Print(sb.String())
}
