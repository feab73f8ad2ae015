// Package ollyllm is the public API for embedding the ollyllm server.
//
// The server accepts telemetry spans and test execution requests over gRPC,
// persists them in Postgres and hands queued tests to workers:
//
//	app, err := ollyllm.New(ctx,
//	    ollyllm.WithVersion(version),
//	    ollyllm.WithLogger(logger),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The root package imports internal/*; internal/* never imports the root.
package ollyllm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/ollyllm/ollyllm/internal/config"
	"github.com/ollyllm/ollyllm/internal/ratelimit"
	"github.com/ollyllm/ollyllm/internal/server"
	"github.com/ollyllm/ollyllm/internal/service/queue"
	"github.com/ollyllm/ollyllm/internal/storage"
	"github.com/ollyllm/ollyllm/internal/telemetry"
	"github.com/ollyllm/ollyllm/migrations"
)

var (
	_ server.Gateway  = (*storage.DB)(nil)
	_ queue.Abandoner = (*storage.DB)(nil)
)

// App is the ollyllm server lifecycle. Construct with New, run with Run.
type App struct {
	cfg          config.Config
	db           *storage.DB
	srv          *server.Server
	reaper       *queue.Reaper
	limiter      ratelimit.Limiter
	listener     net.Listener // nil means listen on cfg.GRPCAddr
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string

	shutdownOnce sync.Once
	shutdownErr  error
}

// New initialises the server. It connects to the database, runs migrations
// and wires every subsystem. It does not start goroutines or accept
// connections; call Run for that.
func New(ctx context.Context, opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	o.apply(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	version := o.version
	if version == "" {
		version = "dev"
	}
	logger.Info("ollyllm starting", "version", version, "addr", cfg.GRPCAddr)

	otelShutdown, err := telemetry.Init(ctx, telemetry.Options{
		Endpoint:    cfg.OTELEndpoint,
		ServiceName: cfg.ServiceName,
		Version:     version,
		Insecure:    cfg.OTELInsecure,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	db, err := storage.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("storage: %w", err)
	}
	closeAll := func() {
		db.Close()
		_ = otelShutdown(context.Background())
	}

	if cfg.SkipMigrations {
		logger.Info("embedded migrations skipped by config")
	} else if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		closeAll()
		return nil, fmt.Errorf("migrations: %w", err)
	}
	for i, extraFS := range o.extraMigrations {
		if err := db.RunMigrations(ctx, extraFS); err != nil {
			closeAll()
			return nil, fmt.Errorf("extra migrations[%d]: %w", i, err)
		}
	}
	db.RegisterMetrics()

	var limiter ratelimit.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	} else {
		logger.Info("rate limiting: disabled")
	}

	srv := server.New(server.ServerConfig{
		Gateway:         db,
		Logger:          logger,
		Limiter:         limiter,
		Addr:            cfg.GRPCAddr,
		MaxRecvMsgBytes: cfg.MaxRecvMsgBytes,
		MaxBatchSpans:   cfg.MaxBatchSpans,
		Version:         version,
	})

	return &App{
		cfg:          cfg,
		db:           db,
		srv:          srv,
		reaper:       queue.NewReaper(db, logger, cfg.ReapInterval, cfg.ClaimTimeout),
		limiter:      limiter,
		listener:     o.listener,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Run starts the claim reaper and the gRPC server, then blocks until ctx is
// cancelled or the server fails. Shutdown is called before Run returns.
func (a *App) Run(ctx context.Context) error {
	a.reaper.Start(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if a.listener != nil {
			err = a.srv.Serve(a.listener)
		} else {
			err = a.srv.Start()
		}
		if err != nil {
			return fmt.Errorf("grpc serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return a.Shutdown(context.Background())
	})
	return g.Wait()
}

// Shutdown stops the server in phases:
// (1) stop accepting calls and drain in-flight RPCs,
// (2) stop the claim reaper,
// then closes the rate limiter, database pool and OTEL providers.
// Safe to call more than once; later calls return the first result.
func (a *App) Shutdown(ctx context.Context) error {
	a.shutdownOnce.Do(func() { a.shutdownErr = a.shutdown(ctx) })
	return a.shutdownErr
}

func (a *App) shutdown(ctx context.Context) error {
	a.logger.Info("ollyllm shutting down")
	var errs []error

	// Phase 1: RPC drain.
	rpcCtx, rpcCancel := context.WithTimeout(ctx, a.cfg.ShutdownTimeout)
	if err := a.srv.Shutdown(rpcCtx); err != nil {
		a.logger.Error("grpc shutdown error", "error", err)
		errs = append(errs, err)
	}
	rpcCancel()

	// Phase 2: reaper.
	reapCtx, reapCancel := context.WithTimeout(ctx, 5*time.Second)
	a.reaper.Drain(reapCtx)
	reapCancel()

	if a.limiter != nil {
		_ = a.limiter.Close()
	}
	if err := a.otelShutdown(context.Background()); err != nil {
		a.logger.Warn("telemetry shutdown error", "error", err)
	}
	a.db.Close()

	a.logger.Info("ollyllm stopped")
	return errors.Join(errs...)
}

// Version returns the version string the App was built with.
func (a *App) Version() string {
	return a.version
}
