// Command voicewarden runs the voice channel role override engine.
// It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs migrations, or falls back to an in-memory
//     ledger with no rules when DB_DSN is empty.
//   - Replays role operations a previous run left pending.
//   - Connects to the Discord gateway and feeds voice state changes into the
//     presence processor.
//   - Exposes an HTTP server with /healthz, /readyz, /metrics and the admin API.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/onnwee/voicewarden/config"
	"github.com/onnwee/voicewarden/db"
	"github.com/onnwee/voicewarden/discord"
	"github.com/onnwee/voicewarden/dispatch"
	"github.com/onnwee/voicewarden/ledger"
	"github.com/onnwee/voicewarden/presence"
	"github.com/onnwee/voicewarden/rules"
	"github.com/onnwee/voicewarden/server"
	"github.com/onnwee/voicewarden/telemetry"
)

const version = "1.0.0"

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load(".env")

	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", map[bool]string{true: "json", false: "text"}[format == "json"]))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	if err := cfg.ValidateGatewayReady(); err != nil {
		slog.Error("discord not configured", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()
	shutdown, err := telemetry.InitTracing(telemetry.TracingConfig{
		ServiceName:    "voicewarden",
		ServiceVersion: version,
		Endpoint:       cfg.OTLPEndpoint,
		SampleRatio:    cfg.TraceSampleRatio,
		Insecure:       cfg.OTLPInsecure,
	})
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	database, src, editor, sessions, err := openStorage(ctx, cfg)
	if err != nil {
		slog.Error("storage init failed", slog.Any("err", err))
		os.Exit(1)
	}
	if database != nil {
		defer func() {
			if err := database.Close(); err != nil {
				slog.Error("failed to close database", slog.Any("err", err))
			}
		}()
	}

	session, err := discord.NewSession(cfg.DiscordToken)
	if err != nil {
		slog.Error("discord session init failed", slog.Any("err", err))
		os.Exit(1)
	}
	members := discord.NewMembers(session)

	store := rules.NewStore(src, cfg.RuleCacheTTL, cfg.RuleCacheSize)
	dispatcher := dispatch.New(members, dispatch.Config{
		MaxAttempts:   cfg.DispatchMaxAttempts,
		BackoffBase:   cfg.DispatchBackoffBase,
		BackoffMax:    cfg.DispatchBackoffMax,
		CallTimeout:   cfg.DispatchCallTimeout,
		RatePerSecond: cfg.DispatchRatePerSecond,
		Burst:         cfg.DispatchBurst,
	})
	proc := presence.New(store, sessions, members, dispatcher, presence.Config{
		Workers:       cfg.PresenceWorkers,
		QueueSize:     cfg.PresenceQueueSize,
		DeferAttempts: cfg.PresenceDeferAttempts,
		DeferBackoff:  cfg.PresenceDeferBackoff,
		RetryInterval: cfg.PresenceRetryInterval,
	})
	gateway := discord.NewGateway(session, proc, cfg.IgnoreBots)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return proc.Run(gctx) })

	// Pending operations belong to sessions committed before the last shutdown;
	// they must land before new events for the same members are processed.
	if n, err := proc.Recover(gctx); err != nil {
		slog.Error("replay of pending role operations failed", slog.Any("err", err))
	} else if n > 0 {
		slog.Info("pending role operations replayed", slog.Int("count", n))
	}

	g.Go(func() error { return gateway.Run(gctx) })
	g.Go(func() error {
		return server.Start(gctx, server.Deps{
			DB:        database,
			Processor: proc,
			Rules:     editor,
			Cache:     store,
			Sessions:  sessions,
			Gateway:   gateway,
		}, cfg)
	})

	// Enable pprof profiling endpoints in debug mode (ENABLE_PPROF=1)
	if os.Getenv("ENABLE_PPROF") == "1" {
		pprofAddr := os.Getenv("PPROF_ADDR")
		if pprofAddr == "" {
			pprofAddr = "localhost:6060"
		}
		go func() {
			slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
			srv := &http.Server{
				Addr:              pprofAddr,
				Handler:           nil, // default mux exposes /debug/pprof
				ReadHeaderTimeout: 5 * time.Second,
				ReadTimeout:       10 * time.Second,
				WriteTimeout:      10 * time.Second,
				IdleTimeout:       60 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil {
				slog.Error("pprof server error", slog.Any("err", err))
			}
		}()
	}

	if err := g.Wait(); err != nil {
		slog.Error("voicewarden exited with error", slog.Any("err", err))
		stop()
		os.Exit(1)
	}
	slog.Info("shutting down")
}

// openStorage wires the rule source and session ledger. Without DB_DSN both
// live in memory: no rules are configured until added over the admin API and
// sessions are lost on restart.
func openStorage(ctx context.Context, cfg *config.Config) (*sql.DB, rules.Source, rules.Editor, ledger.Ledger, error) {
	if cfg.DBDsn == "" {
		slog.Warn("DB_DSN not set - running with in-memory rules and sessions; restoration state is lost on restart")
		src := rules.NewMemorySource()
		return nil, src, src, ledger.NewMemory(), nil
	}

	database, err := db.Connect(ctx, cfg.DBDsn)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	// Versioned migrations first; the idempotent embedded SQL covers databases
	// whose schema predates schema_migrations.
	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.RunMigrations(database); err != nil {
		slog.Warn("versioned migrations failed, attempting fallback to embedded SQL",
			slog.Any("err", err),
			slog.String("component", "db_migrate"))
		if err := db.Migrate(ctx, database); err != nil {
			_ = database.Close()
			return nil, nil, nil, nil, err
		}
	}

	src := rules.NewPostgresSource(database)
	return database, src, src, ledger.NewPostgres(database), nil
}
