// Command lurkerwatch is the main entrypoint for the sweep conductor and API.
// It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs idempotent migrations.
//   - Starts background jobs: the sweep scheduler, co-occurrence compaction,
//     periodic classification, and account enrichment.
//   - Exposes an HTTP server with sweep control, /suspects, /healthz,
//     /readyz, /status, and /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/onnwee/lurkerwatch/aggregate"
	"github.com/onnwee/lurkerwatch/classify"
	"github.com/onnwee/lurkerwatch/config"
	"github.com/onnwee/lurkerwatch/db"
	"github.com/onnwee/lurkerwatch/discovery"
	"github.com/onnwee/lurkerwatch/enrich"
	"github.com/onnwee/lurkerwatch/limiter"
	"github.com/onnwee/lurkerwatch/roster"
	"github.com/onnwee/lurkerwatch/scan"
	"github.com/onnwee/lurkerwatch/server"
	"github.com/onnwee/lurkerwatch/telemetry"
	"github.com/onnwee/lurkerwatch/twitchapi"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load(".env")

	// Configure logging (level + format). Defaults: level=info, format=text.
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
		// keep default
	default:
		// unknown level -> keep info but note once using temporary logger
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

	// Config
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	// Metrics / telemetry init
	telemetry.Init()

	// Initialize OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdownTracing, err := telemetry.InitTracing("lurkerwatch", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdownTracing()

	// Helix app token source (client credentials). Discovery and enrichment
	// need it; IRC roster fetches run anonymously unless bot creds are set.
	if err := cfg.ValidateDiscoveryReady(); err != nil {
		slog.Error("discovery credentials missing", slog.Any("err", err))
		os.Exit(1)
	}
	tokenSource := &twitchapi.TokenSource{ClientID: cfg.TwitchClientID, ClientSecret: cfg.TwitchClientSecret}
	{
		// Best-effort early fetch so a bad secret fails loudly at startup.
		ctx2, cancel := context.WithTimeout(context.Background(), 8*time.Second)
		if tok, err := tokenSource.Get(ctx2); err != nil {
			slog.Warn("twitch app token fetch failed", slog.Any("err", err))
		} else if len(tok) > 6 {
			slog.Info("twitch app token acquired", slog.String("tail", "***"+tok[len(tok)-6:]))
		}
		cancel()
	}
	helix := &twitchapi.HelixClient{AppTokenSource: tokenSource, ClientID: cfg.TwitchClientID}

	// DB
	database, err := db.Connect()
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()

	// Run database migrations: versioned (golang-migrate) first, embedded SQL
	// as the fallback for deployments predating the schema_migrations table.
	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.RunMigrations(database); err != nil {
		slog.Warn("versioned migrations failed, attempting fallback to embedded SQL",
			slog.Any("err", err),
			slog.String("component", "db_migrate"))
		if err := db.Migrate(database); err != nil {
			slog.Error("failed to migrate db (both versioned and embedded SQL failed)", slog.Any("err", err))
			os.Exit(1)
		}
		slog.Info("embedded SQL migration completed", slog.String("component", "db_migrate"))
	} else {
		slog.Info("versioned migrations completed", slog.String("component", "db_migrate"))
	}

	st := db.NewStore(database)

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Join rate limiter. The redis backend shares the join window across
	// processes; memory is single-process only.
	var counterStore limiter.CounterStore
	switch cfg.LimiterBackend {
	case "redis":
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			slog.Error("redis unreachable", slog.String("addr", cfg.RedisAddr), slog.Any("err", err))
			os.Exit(1)
		}
		defer func() {
			if err := rdb.Close(); err != nil {
				slog.Warn("failed to close redis client", slog.Any("err", err))
			}
		}()
		counterStore = limiter.NewRedisStore(rdb, "lurkerwatch:joins", cfg.JoinRateLimit, cfg.JoinRateWindow)
		slog.Info("join limiter initialized", slog.String("backend", "redis"), slog.Int("ceiling", cfg.JoinRateLimit))
	default:
		counterStore = limiter.NewMemoryStore(cfg.JoinRateLimit, cfg.JoinRateWindow)
		slog.Info("join limiter initialized", slog.String("backend", "memory"), slog.Int("ceiling", cfg.JoinRateLimit))
	}
	joinLimiter := limiter.New(ctx, counterStore, limiter.Config{})

	// Fetcher pool. Each worker holds one IRC connection for its lifetime.
	pool := &roster.Pool{
		Limiter: joinLimiter,
		NewSession: func(sctx context.Context) (roster.Session, error) {
			sess := roster.NewIRCSession(cfg.TwitchBotUsername, cfg.TwitchOAuthToken)
			if err := sess.Connect(sctx); err != nil {
				return nil, err
			}
			return sess, nil
		},
		Config: roster.PoolConfig{
			Size:          cfg.FetcherPoolSize,
			RosterTimeout: cfg.RosterTimeout,
			MaxAttempts:   cfg.FetchMaxAttempts,
		},
	}

	// Pipeline stages.
	disc := discovery.NewService(helix)
	disc.MaxRetries = cfg.DiscoveryMaxRetries

	agg := aggregate.New(st, cfg.CooccurrenceWindow)
	go agg.StartCompaction(ctx, cfg.CompactionInterval)

	classifier := classify.New(st)
	classifier.MinSightings = cfg.ClassifyMinSightings
	classifier.Weights = classify.Weights{
		Breadth:       cfg.ClassifyWeightBreadth,
		AccountAge:    cfg.ClassifyWeightAccountAge,
		FollowRatio:   cfg.ClassifyWeightFollowRatio,
		NeverStreamed: cfg.ClassifyWeightNeverStreamed,
	}
	go classifier.Start(ctx, cfg.ClassifyInterval)

	enricher := enrich.New(st, helix)
	enricher.StaleAfter = cfg.EnrichStaleAfter
	go enricher.Start(ctx, cfg.EnrichInterval)

	conductor := scan.New(st, disc, pool, agg, scan.Config{
		CategoryID:  cfg.DiscoveryCategoryID,
		Language:    cfg.DiscoveryLanguage,
		MinViewers:  cfg.DiscoveryMinViewers,
		MaxChannels: cfg.DiscoveryMaxChannels,
		JitterMax:   cfg.SweepJitter,
		Interval:    cfg.SweepInterval,
	})
	go conductor.Run(ctx)

	// Enable pprof profiling endpoints in debug mode (ENABLE_PPROF=1)
	if os.Getenv("ENABLE_PPROF") == "1" {
		pprofAddr := os.Getenv("PPROF_ADDR")
		if pprofAddr == "" {
			pprofAddr = "localhost:6060"
		}
		go func() {
			slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
			// Use an http.Server with timeouts to satisfy G114 and avoid DoS risks
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

	// HTTP server (sweep control, suspects, health, metrics)
	handlers := server.NewHandlers(st, conductor, classifier, database)
	go func() {
		if err := server.Start(ctx, handlers, cfg.HTTPAddr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	// Block until shutdown signal
	<-ctx.Done()
	slog.Info("shutting down")
}
