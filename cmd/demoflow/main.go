package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron"
	"golang.org/x/sync/errgroup"

	"github.com/symbolicai/demoflow/api"
	"github.com/symbolicai/demoflow/internal/auth"
	"github.com/symbolicai/demoflow/internal/config"
	"github.com/symbolicai/demoflow/internal/integrity"
	"github.com/symbolicai/demoflow/internal/mcp"
	"github.com/symbolicai/demoflow/internal/ratelimit"
	"github.com/symbolicai/demoflow/internal/server"
	"github.com/symbolicai/demoflow/internal/service/demoruns"
	"github.com/symbolicai/demoflow/internal/service/submissions"
	"github.com/symbolicai/demoflow/internal/statuscache"
	"github.com/symbolicai/demoflow/internal/storage"
	"github.com/symbolicai/demoflow/internal/telemetry"
	"github.com/symbolicai/demoflow/internal/webhook"
	"github.com/symbolicai/demoflow/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	// The level is raised or lowered once LOG_LEVEL has been loaded.
	level := new(slog.LevelVar)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger, level); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger, level *slog.LevelVar) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		logger.Warn("unknown LOG_LEVEL, using info", "value", cfg.LogLevel)
	}

	slog.Info("demoflow starting", "version", version, "port", cfg.Port, "environment", cfg.Environment)

	otelShutdown, err := telemetry.Init(ctx, telemetry.Config{
		Endpoint:    cfg.OTELEndpoint,
		Insecure:    cfg.OTELInsecure,
		ServiceName: cfg.ServiceName,
		Version:     version,
		Environment: cfg.Environment,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}

	db, err := storage.New(ctx, cfg.DatabaseURL, cfg.NotifyURL, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer db.Close(context.Background())
	// RunMigrations tracks applied files in schema_migrations and skips
	// duplicates, so an error here is a real failure.
	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	verifier, err := auth.NewVerifier(cfg.SupabaseJWTSecret, cfg.SupabaseJWTIssuer)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	signer, err := integrity.NewSigner(cfg.CallbackSigningSecret, cfg.CallbackMaxSkew)
	if err != nil {
		return fmt.Errorf("integrity: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	// Status cache. The postgres backend fans updates out to every instance.
	var cache statuscache.Cache
	var memCache *statuscache.Memory
	switch cfg.StatusCacheBackend {
	case "postgres":
		if !db.HasNotifyConn() {
			return errors.New("status cache: postgres backend needs a notify connection")
		}
		pg := statuscache.NewPostgres(db, cfg.StatusCacheTTL, logger)
		memCache = pg.Memory
		cache = pg
		g.Go(func() error { return pg.Run(gctx) })
		logger.Info("status cache: postgres (LISTEN/NOTIFY)")
	default:
		memCache = statuscache.NewMemory(cfg.StatusCacheTTL)
		cache = memCache
		logger.Info("status cache: memory (single instance)")
	}

	resolver := webhook.NewResolver(webhook.ResolverConfig{
		DefaultURL: cfg.N8NWebhookURL,
		Username:   cfg.N8NWebhookUsername,
		Password:   cfg.N8NWebhookPassword,
		PerDemo:    cfg.DemoWebhookURLs,
		ChatbotURL: cfg.ChatbotWebhookURL,
		LeadAPIKey: cfg.LeadWebhookAPIKey,
	})

	runs := demoruns.New(demoruns.Config{
		Store:      db,
		Limiter:    ratelimit.NewWindow(db, logger),
		Cache:      cache,
		Maintainer: db,
		Logger:     logger,
		Rule: ratelimit.Rule{
			Action: ratelimit.ActionDemoExecution,
			Limit:  cfg.DemoExecutionLimit,
			Window: cfg.DemoExecutionWindow,
		},
		LenientTransitions: cfg.LenientTransitions,
		SweepBatchSize:     cfg.SweepBatchSize,
		IdempotencyTTL:     cfg.IdempotencyTTL,
	})
	dispatcher := webhook.NewDispatcher(webhook.DispatcherConfig{
		Resolver:  resolver,
		Keys:      signer,
		BaseURL:   cfg.BaseURL,
		OnFailure: runs,
		Logger:    logger,
	})
	runs.SetDispatcher(dispatcher)

	subs := submissions.New(webhook.NewRelay(nil, cfg.RelayTimeout), resolver, logger)

	callbackLimiter := ratelimit.NewMemoryLimiter(ratelimit.Rule{
		Action: ratelimit.ActionCallback,
		Limit:  cfg.CallbackLimit,
		Window: cfg.CallbackWindow,
	})
	defer func() { _ = callbackLimiter.Close() }()

	mcpSrv := mcp.New(runs, logger, version)

	srv := server.New(server.ServerConfig{
		Runs:                runs,
		Verifier:            verifier,
		Signer:              signer,
		Logger:              logger,
		Submissions:         subs,
		Idempotency:         db,
		DB:                  db,
		CallbackLimiter:     callbackLimiter,
		MCPServer:           mcpSrv.MCPServer(),
		OpenAPISpec:         api.OpenAPISpec,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Environment:         cfg.Environment,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		CORSAllowedOrigins:  cfg.CORSAllowedOrigins,
		LegacyAuthErrors:    cfg.LegacyAuthErrors,
	})

	// Timeout sweep and table maintenance.
	sched := cron.New()
	if err := sched.AddFunc(cfg.SweepSchedule, sweepJob(gctx, runs, memCache, logger)); err != nil {
		return fmt.Errorf("sweep schedule %q: %w", cfg.SweepSchedule, err)
	}
	sched.Start()

	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	// Wait for shutdown signal or a background failure.
	<-gctx.Done()

	// Graceful shutdown. Each phase gets its own timeout so early completion
	// doesn't steal budget from later phases.
	// Order: (1) stop accepting HTTP requests and drain in-flight ones (they
	// may still dispatch runs), (2) wait for outstanding webhook deliveries,
	// (3) stop the sweep, (4) flush telemetry. The pool closes last via defer.
	slog.Info("demoflow shutting down")

	httpCtx, httpCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	httpCancel()

	dispatchCtx, dispatchCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	if err := dispatcher.Wait(dispatchCtx); err != nil {
		slog.Warn("webhook deliveries abandoned at shutdown", "error", err)
	}
	dispatchCancel()

	sched.Stop()

	otelCtx, otelCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := otelShutdown(otelCtx); err != nil {
		slog.Warn("telemetry flush error", "error", err)
	}
	otelCancel()

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	slog.Info("demoflow stopped")
	return nil
}

// sweepJob fails runs that outlived their timeout and prunes bookkeeping
// tables. A tick that fires while the previous one is still running is skipped.
func sweepJob(ctx context.Context, runs *demoruns.Service, cache *statuscache.Memory, logger *slog.Logger) func() {
	var mu sync.Mutex
	return func() {
		if !mu.TryLock() {
			logger.Debug("sweep still running, skipping tick")
			return
		}
		defer mu.Unlock()
		if ctx.Err() != nil {
			return
		}

		n, err := runs.SweepExpired(ctx)
		if err != nil {
			logger.Warn("timeout sweep failed", "error", err)
		} else if n > 0 {
			logger.Info("timed out runs failed", "count", n)
		}
		if err := runs.Maintain(ctx); err != nil {
			logger.Warn("maintenance failed", "error", err)
		}
		if pruned := cache.Prune(); pruned > 0 {
			logger.Debug("status cache pruned", "count", pruned)
		}
	}
}
