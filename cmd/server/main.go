package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/d60-Lab/crm-realtime/config"
	"github.com/d60-Lab/crm-realtime/internal/api"
	"github.com/d60-Lab/crm-realtime/internal/api/handler"
	"github.com/d60-Lab/crm-realtime/internal/coordinator"
	"github.com/d60-Lab/crm-realtime/internal/lock"
	"github.com/d60-Lab/crm-realtime/internal/presence"
	"github.com/d60-Lab/crm-realtime/internal/repository"
	"github.com/d60-Lab/crm-realtime/internal/service"
	"github.com/d60-Lab/crm-realtime/internal/transport"
	"github.com/d60-Lab/crm-realtime/pkg/cache"
	"github.com/d60-Lab/crm-realtime/pkg/database"
	"github.com/d60-Lab/crm-realtime/pkg/logger"
	"github.com/d60-Lab/crm-realtime/pkg/tracing"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Log.Level, cfg.Log.Format); err != nil {
		return err
	}
	defer logger.Sync()

	if cfg.Sentry.DSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.Sentry.DSN,
			Environment:      cfg.Sentry.Environment,
			SampleRate:       cfg.Sentry.SampleRate,
			AttachStacktrace: true,
		}); err != nil {
			logger.Warn("sentry init failed", zap.Error(err))
		} else {
			defer sentry.Flush(2 * time.Second)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, cfg)
	if err != nil {
		return err
	}

	db, err := database.InitDB(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = database.Close(db) }()
	if err := database.AutoMigrate(db); err != nil {
		return err
	}

	// Redis 不可用时退化为单实例：内存在线表、无保护的锁、本地广播
	var rdb redis.UniversalClient
	if client, err := cache.NewRedis(ctx, cfg); err != nil {
		logger.Warn("redis unavailable, running single-instance", zap.Error(err))
	} else if client != nil {
		rdb = client
		defer func() { _ = client.Close() }()
	}
	coord := coordinator.New(rdb, cfg.Redis.KeyPrefix)
	locker := lock.New(coord)

	backend := presence.NewBackend(coord, presence.Options{
		TTL:           cfg.Presence.TTL,
		IndexTTL:      cfg.Presence.IndexTTL,
		SweepInterval: cfg.Presence.SweepInterval,
	})
	backend.Start(ctx)
	defer backend.Stop()
	logger.Info("presence backend ready", zap.String("kind", backend.Kind))

	hub := transport.NewHub()
	var bus transport.Broadcaster = hub
	if coord.Enabled() {
		adapter := transport.NewRedisBroadcaster(hub, coord, cfg.Redis.Channel)
		if err := adapter.Start(ctx); err != nil {
			return err
		}
		defer func() { _ = adapter.Close() }()
		bus = adapter
	}
	ws := transport.NewServer(hub, bus, backend.Presence, backend.Editing, transport.ServerOptions{
		AllowOrigins: cfg.Server.AllowOrigins,
		MessageRate:  cfg.Presence.MessageRate,
		MessageBurst: cfg.Presence.MessageBurst,
	})

	outbox := repository.NewOutboxRepository(db, repository.WithMaxAttempts(cfg.Realtime.MaxAttempts))
	publisher := service.NewOutboxPublisher(db, outbox, bus,
		service.WithBatchSize(cfg.Realtime.BatchSize),
		service.WithInterval(cfg.Realtime.PublishInterval),
		service.WithBackoff(cfg.Realtime.Backoff),
	)
	stopPublisher := publisher.Start(ctx)

	sweeper := service.NewRetentionSweeper(outbox, locker, cfg.Realtime.RetentionDays, cfg.Realtime.RetentionCron)
	if err := sweeper.Start(ctx); err != nil {
		return err
	}

	h := handler.New(handler.Deps{
		Outbox:      outbox,
		Audit:       repository.NewAuditRepository(db),
		Bus:         bus,
		WS:          ws,
		Presence:    backend,
		ResumeLimit: cfg.Realtime.ResumeLimit,
	})
	router := api.NewRouter(h, api.RouterOptions{
		Mode:        cfg.Server.Mode,
		ServiceName: cfg.Tracing.ServiceName,
		Tracing:     cfg.Tracing.Enabled,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.Error("http server failed", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	hub.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	if err := stopPublisher(shutdownCtx); err != nil {
		logger.Warn("publisher stop", zap.Error(err))
	}
	if err := sweeper.Stop(shutdownCtx); err != nil {
		logger.Warn("retention sweeper stop", zap.Error(err))
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("tracing shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
	return nil
}
