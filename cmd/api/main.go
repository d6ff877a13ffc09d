package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"

	"call-service/internal/audit"
	"call-service/internal/auth"
	"call-service/internal/calls"
	"call-service/internal/config"
	"call-service/internal/dispatch"
	"call-service/internal/history"
	"call-service/internal/registry"
	"call-service/internal/signaling"
	"call-service/pkg/logger"
	"call-service/pkg/utils"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr()})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	// Core wiring: every call write goes through the evented store so
	// in-process subscribers (dispatchers) observe inserts and updates.
	store := calls.NewEventedStore(calls.NewPostgresStore(db))
	reg := registry.New()
	auditSvc := audit.NewService(audit.NewMemoryRepo())
	lifecycle := calls.NewLifecycle(store,
		calls.WithAuditor(calls.NewAuditAdapter(auditSvc)),
		calls.WithActiveTracker(reg),
	)
	channel := signaling.NewRedisChannel(store, rdb, log)
	presence := dispatch.NewRedisPresence(rdb, cfg.Call.PresenceTTL)
	directory := dispatch.NewRedisDirectory(rdb)
	historySvc := history.NewService(store)

	// Offline callees get rings as pushes.
	if cfg.Push.Enabled() {
		notifier := dispatch.NewHTTPNotifier(cfg.Push.GatewayURL, cfg.Push.APIKey)
		fanout := dispatch.NewFanout(store, directory, notifier, presence, log)
		fanout.Start(rootCtx)
		defer fanout.Stop()
	}

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	deps := routeDeps{
		Auth:      authManager,
		Lifecycle: lifecycle,
		History:   historySvc,
		Registry:  reg,
		Channel:   channel,
		Presence:  presence,
		Directory: directory,
		Call:      cfg.Call,
		ICE:       cfg.ICE,
		Log:       log,
	}
	registerRoutes(r, deps)

	// Ring-timeout sweeper: calls nobody answered become missed.
	go sweepMissed(rootCtx, lifecycle, cfg.Call.RingTimeout, log)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}

	_ = logger.ShutdownFlush(shutdownCtx, 2*time.Second)
}

// sweepMissed periodically marks stale ringing calls as missed. The sweep
// interval is a fraction of the ring timeout so a call never rings much
// longer than configured.
func sweepMissed(ctx context.Context, lc *calls.Lifecycle, ringTimeout time.Duration, log *slog.Logger) {
	interval := ringTimeout / 3
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := lc.SweepMissed(ctx, ringTimeout, time.Now()); n > 0 {
				log.Info("marked stale ringing calls missed", "count", n)
			}
		}
	}
}
