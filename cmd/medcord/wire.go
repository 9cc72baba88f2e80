package main

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kimhsiao/medcord/backend/internal/config"
	"github.com/kimhsiao/medcord/backend/internal/crypto"
	"github.com/kimhsiao/medcord/backend/internal/logging"
	"github.com/kimhsiao/medcord/backend/internal/messaging"
	"github.com/kimhsiao/medcord/backend/internal/remote"
	"github.com/kimhsiao/medcord/backend/internal/remote/gormremote"
	"github.com/kimhsiao/medcord/backend/internal/remote/redisnotify"
	"github.com/kimhsiao/medcord/backend/internal/store"
	"github.com/kimhsiao/medcord/backend/internal/store/kvstore"
	"github.com/kimhsiao/medcord/backend/internal/store/sqlitestore"
	"github.com/kimhsiao/medcord/backend/internal/sync/conflict"
)

const shutdownTimeout = 10 * time.Second

func redisOptions(cfg *config.Config) *redis.Options {
	return &redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}
}

// fallbackOpener returns the opener for the configured fallback backend.
func fallbackOpener(cfg *config.Config) store.Opener {
	return kvstore.Opener(func(ctx context.Context) (kvstore.Backend, error) {
		switch cfg.Storage.FallbackBackend {
		case "file":
			return openFileBackend(cfg)
		case "redis":
			return kvstore.DialRedis(ctx, redisOptions(cfg), cfg.Redis.ChannelPrefix+"kv:")
		default:
			return kvstore.NewMemoryBackend(cfg.Storage.CapacityBytes), nil
		}
	})
}

// openFileBackend opens the file fallback, sealed when a storage key is set.
func openFileBackend(cfg *config.Config) (kvstore.Backend, error) {
	if cfg.Storage.EncryptionKey == "" {
		return kvstore.OpenFileBackend(cfg.FallbackPath())
	}
	sealer, err := crypto.NewSealer(cfg.Storage.EncryptionKey)
	if err != nil {
		return nil, err
	}
	return kvstore.OpenSealedFileBackend(cfg.FallbackPath(), sealer)
}

// openNotifier connects the redis notifier when redis.addr is set. A
// failed dial falls back to in-process delivery.
func openNotifier(ctx context.Context, cfg *config.Config) remote.Notifier {
	if cfg.Redis.Addr == "" {
		return remote.NewLocalNotifier()
	}
	n, err := redisnotify.Dial(ctx, redisOptions(cfg), cfg.Redis.ChannelPrefix)
	if err != nil {
		logging.Warn("Redis notifier unavailable, using in-process delivery", map[string]interface{}{
			"component": "cli",
			"addr":      cfg.Redis.Addr,
			"error":     err.Error(),
		})
		return remote.NewLocalNotifier()
	}
	return n
}

// buildOptions maps cfg onto service options. The returned closers release
// the remote connections once the service has shut down.
func buildOptions(ctx context.Context, cfg *config.Config) (messaging.Options, []io.Closer, error) {
	strategy, _ := conflict.ParseStrategy(cfg.Sync.ConflictPolicy)
	opts := messaging.Options{
		Primary:         sqlitestore.Opener(cfg.Storage.DataDir),
		Fallback:        fallbackOpener(cfg),
		Capacity:        cfg.Storage.CapacityBytes,
		Retention:       cfg.Retention(),
		MaxPushAttempts: cfg.Sync.MaxPushAttempts,
		Strategy:        strategy,
		SyncInterval:    cfg.SyncInterval(),
		ProbeInterval:   cfg.ProbeInterval(),
	}

	notifier := openNotifier(ctx, cfg)
	switch strings.ToLower(cfg.Remote.Driver) {
	case "postgres", "postgresql", "mysql":
		rs, err := gormremote.Open(ctx, cfg.Remote.Driver, cfg.Remote.DSN, notifier)
		if err != nil {
			notifier.Close()
			return messaging.Options{}, nil, err
		}
		opts.Remote = rs
		return opts, []io.Closer{rs}, nil
	default:
		opts.Remote = remote.NewMemoryStore(notifier)
		return opts, []io.Closer{notifier}, nil
	}
}

// openService builds and initializes a service for the configured
// participant. The returned func drains background work and releases
// every resource.
func openService(ctx context.Context, cfg *config.Config) (*messaging.Service, func(), error) {
	opts, closers, err := buildOptions(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	release := func() {
		for _, c := range closers {
			if err := c.Close(); err != nil {
				logging.Warn("Close failed", map[string]interface{}{"component": "cli", "error": err.Error()})
			}
		}
	}

	svc := messaging.NewService(opts)
	if err := svc.Init(ctx, cfg.LocalParticipant()); err != nil {
		release()
		return nil, nil, err
	}
	if !cfg.Sync.Enabled {
		svc.SetOnline(false)
	}

	return svc, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := svc.Shutdown(shutdownCtx); err != nil {
			logging.Error("Service shutdown failed", err, map[string]interface{}{"component": "cli"})
		}
		release()
	}, nil
}

// withService runs fn against a freshly opened service.
func (a *app) withService(ctx context.Context, fn func(*messaging.Service) error) error {
	svc, closeFn, err := openService(ctx, a.cfg)
	if err != nil {
		return err
	}
	defer closeFn()
	return fn(svc)
}
