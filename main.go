package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"ecb-maintenance/api"
	"ecb-maintenance/config"
	"ecb-maintenance/domain"
	"ecb-maintenance/outbox"
	"ecb-maintenance/state"
	"ecb-maintenance/storage"
)

type boardBackend interface {
	LoadBoard(ctx context.Context) (domain.Snapshot, bool, error)
	SaveBoard(ctx context.Context, snapshot domain.Snapshot) error
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := log.StandardLogger()
	if cfg.Debug {
		logger.SetLevel(log.DebugLevel)
	}

	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)

	store, err := storage.New(cfg.Storage.ConnectionString, cfg.Storage.BoardTable, cfg.Storage.ChangeQueue)
	if err != nil {
		log.Fatalf("storage: %v", err)
	}

	var (
		backend boardBackend = store
		deduper api.Deduper
		rc      *redis.Client
	)
	if cfg.Redis.ConnectionString != "" {
		opts, err := config.RedisOptions(cfg.Redis.ConnectionString)
		if err != nil {
			log.Fatalf("redis: %v", err)
		}
		rc = redis.NewClient(opts)
		backend = storage.NewCache(store, rc, cfg.Redis.CacheTTL, cfg.Redis.UpdatesChannel, logger)
		deduper = api.NewRedisDeduper(rc, cfg.Redis.DeduperTTL)
	} else {
		logger.Warn("REDIS_CONNECTION_STRING not set, using in-process idempotency keys and no board cache")
		deduper = api.NewMemoryDeduper(cfg.Redis.DeduperTTL)
	}

	ob, err := outbox.Open(outbox.Config{
		Dir:            cfg.Outbox.Dir,
		Workers:        cfg.Outbox.Workers,
		BatchSize:      cfg.Outbox.BatchSize,
		BufferSize:     cfg.Outbox.BufferSize,
		FlushInterval:  cfg.Outbox.FlushInterval,
		SaveTimeout:    cfg.Outbox.SaveTimeout,
		HandoffTimeout: cfg.Outbox.HandoffTimeout,
		RetryInitial:   cfg.Outbox.RetryInitial,
		RetryMax:       cfg.Outbox.RetryMax,
		SegmentBytes:   cfg.Outbox.SegmentBytes(),
		SyncEvery:      cfg.Outbox.SyncEvery,
		SyncInterval:   cfg.Outbox.SyncInterval,
	}, backend, logger)
	if err != nil {
		log.Fatalf("outbox: %v", err)
	}

	initial, version, err := loadInitialBoard(context.Background(), backend, ob)
	if err != nil {
		log.Fatalf("load board: %v", err)
	}
	board := state.New(initial, version, ob, logger)
	logger.WithFields(log.Fields{"version": version, "lists": len(initial.Lists)}).Info("board loaded")

	var (
		auth *api.Auth
		jwks *keyfunc.JWKS
	)
	if cfg.Auth.SharedSecretMode() {
		auth = api.NewSharedSecretAuth(cfg.Auth.SharedSecret(), cfg.Auth.Audience, issuerFor(cfg.Auth))
	} else {
		jwks, err = keyfunc.Get(cfg.Auth.JWKSURL(), keyfunc.Options{
			RefreshInterval:   time.Hour,
			RefreshUnknownKID: true,
			RefreshErrorHandler: func(err error) {
				logger.WithError(err).Warn("jwks refresh failed")
			},
		})
		if err != nil {
			log.Fatalf("jwks: %v", err)
		}
		auth = api.NewAuth(jwks, cfg.Auth.Audience, cfg.Auth.Issuer(), cfg.Auth.JWKSCacheTTL)
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, echo.HeaderContentEncoding},
	}))
	e.Use(middleware.BodyLimit(cfg.HTTP.BodyLimit))
	e.Use(api.DecompressRequest(api.MaxBodyBytes))

	api.Register(e, board, auth, deduper, ob, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if rc != nil && cfg.Redis.UpdatesChannel != "" {
		go storage.SubscribeUpdates(ctx, rc, cfg.Redis.UpdatesChannel, logger, func(s domain.Snapshot) {
			board.Adopt(s)
		})
	}

	go func() {
		if err := e.Start(":" + cfg.HTTP.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("http server failed")
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("http shutdown")
	}
	if err := ob.Close(); err != nil {
		logger.WithError(err).Error("outbox close")
	}
	if jwks != nil {
		jwks.EndBackground()
	}
	if rc != nil {
		_ = rc.Close()
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("tracer shutdown")
	}
}

// loadInitialBoard prefers journaled snapshots that never reached storage over the stored row.
func loadInitialBoard(ctx context.Context, backend boardBackend, ob *outbox.Outbox) (domain.Board, uint64, error) {
	snap, ok, err := backend.LoadBoard(ctx)
	if err != nil {
		return domain.Board{}, 0, err
	}
	if pending, found := ob.Pending(); found && (!ok || pending.Version > snap.Version) {
		snap, ok = pending, true
	}
	if !ok {
		return domain.DefaultBoard(), 0, nil
	}
	return domain.Board{Lists: snap.Lists}, snap.Version, nil
}

// Local HS256 tokens carry the configured issuer only when an Auth0 domain is set.
func issuerFor(a config.AuthConfig) string {
	if a.Domain == "" {
		return ""
	}
	return a.Issuer()
}
