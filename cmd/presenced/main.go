// @title           Presence API
// @version         1.0
// @description     Account session admission, eviction and presence for devices.
// @BasePath        /
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
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

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/pokeroster/presence/internal/api"
	"github.com/pokeroster/presence/internal/core/ports"
	"github.com/pokeroster/presence/internal/core/service"
	"github.com/pokeroster/presence/internal/infrastructure/config"
	"github.com/pokeroster/presence/internal/infrastructure/db/memory"
	"github.com/pokeroster/presence/internal/infrastructure/db/mongo"
	"github.com/pokeroster/presence/internal/infrastructure/db/redis"
	"github.com/pokeroster/presence/pkg/logger"
)

const (
	shutdownTimeout     = 10 * time.Second
	deviceSweepInterval = time.Minute
)

// backend bundles the store, its change feed and the cleanup for one driver.
type backend struct {
	store   ports.AccountStore
	feed    ports.ChangeFeed
	pingers map[string]ports.Pinger
	close   func(context.Context) error
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	log := logger.Init(logger.Options{
		Level:   cfg.LogLevel,
		Pretty:  cfg.IsDevelopment(),
		Service: "presenced",
	})

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal().Err(err).Msg("presence service stopped")
	}
}

func run(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	be, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := be.close(closeCtx); err != nil {
			log.Error().Err(err).Msg("failed to close store")
		}
	}()

	sessions := service.NewSessionService(
		be.store,
		service.NewCredentialVerifier(bcrypt.DefaultCost),
		cfg.Session.Capacity,
		logger.Component("sessions"),
	)
	watcher := service.NewPresenceWatcher(be.feed, logger.Component("presence"))
	devices := service.NewDeviceRegistry(sessions, watcher, logger.Component("lifecycle"))
	defer devices.Close()
	go devices.Run(ctx, deviceSweepInterval)

	secret := cfg.JWTSecret
	if secret == "" {
		log.Warn().Msg("JWT_SECRET not set, using an insecure development secret")
		secret = "development-secret"
	}

	e := api.NewRouter(api.Dependencies{
		Devices:        devices,
		Tokens:         service.NewTokenService(secret, cfg.TokenTTL, clockwork.NewRealClock()),
		Accounts:       be.store,
		Readiness:      be.pingers,
		JWTSecret:      secret,
		LoginRateLimit: cfg.Session.LoginRateLimit,
		Log:            log,
	})

	errCh := make(chan error, 1)
	go func() {
		log.Info().
			Str("port", cfg.Port).
			Str("store_driver", cfg.StoreDriver).
			Int("session_capacity", cfg.Session.Capacity).
			Msg("presence service listening")
		if err := e.Start(":" + cfg.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutdown signal received, cleaning up")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}

func openBackend(ctx context.Context, cfg *config.Config) (*backend, error) {
	switch cfg.StoreDriver {
	case config.DriverMongo:
		client, db, err := mongo.Connect(ctx, mongo.Config{URI: cfg.Mongo.URI, Database: cfg.Mongo.Database})
		if err != nil {
			return nil, err
		}
		repo := mongo.NewAccountRepository(db)
		if err := repo.EnsureIndexes(ctx); err != nil {
			_ = client.Disconnect(ctx)
			return nil, fmt.Errorf("mongo indexes: %w", err)
		}
		return &backend{
			store:   repo,
			feed:    mongo.NewChangeFeed(repo, logger.Component("mongo_feed")),
			pingers: map[string]ports.Pinger{"mongodb": repo},
			close:   client.Disconnect,
		}, nil

	case config.DriverRedis:
		client, err := redis.Connect(ctx, redis.Config{Addr: cfg.Redis.Addr, DB: cfg.Redis.DB})
		if err != nil {
			return nil, err
		}
		store := redis.NewAccountStore(client)
		return &backend{
			store:   store,
			feed:    redis.NewChangeFeed(store, logger.Component("redis_feed")),
			pingers: map[string]ports.Pinger{"redis": store},
			close:   func(context.Context) error { return client.Close() },
		}, nil

	default:
		storeCtx, cancel := context.WithCancel(context.Background())
		store := memory.NewAccountStore(storeCtx, cfg.Session.FeedWorkers, logger.Component("memory_store"))
		return &backend{
			store:   store,
			feed:    store,
			pingers: map[string]ports.Pinger{"memory": store},
			close: func(context.Context) error {
				cancel()
				return nil
			},
		}, nil
	}
}
