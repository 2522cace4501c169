package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/oriys/marconibroker/internal/config"
	"github.com/oriys/marconibroker/internal/store"
)

// buildControlBackend constructs the store.Backend that owns pools,
// catalogue, and (when no pools file is supplied) the data plane itself,
// per cfg.StoreKind.
func buildControlBackend(ctx context.Context, cfg *config.Config) (store.Backend, error) {
	switch cfg.StoreKind {
	case config.StoreRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		return store.NewRedisBackend(client), nil
	case config.StorePostgres, "":
		pool, err := pgxpool.New(ctx, cfg.Postgres.DSN)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		backend := store.NewPostgresBackend(pool)
		if err := backend.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("ensure schema: %w", err)
		}
		return backend, nil
	default:
		return nil, fmt.Errorf("unknown store kind %q", cfg.StoreKind)
	}
}

// buildBackendFromURI constructs a pool shard's Backend from a pool entry's
// URI, where the scheme names the backend kind: postgres://... or
// redis://host:port/db.
func buildBackendFromURI(ctx context.Context, uri string) (store.Backend, error) {
	switch {
	case strings.HasPrefix(uri, "postgres://") || strings.HasPrefix(uri, "postgresql://"):
		pool, err := pgxpool.New(ctx, uri)
		if err != nil {
			return nil, fmt.Errorf("connect postgres pool %q: %w", uri, err)
		}
		backend := store.NewPostgresBackend(pool)
		if err := backend.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("ensure schema for pool %q: %w", uri, err)
		}
		return backend, nil
	case strings.HasPrefix(uri, "redis://"):
		opts, err := redis.ParseURL(uri)
		if err != nil {
			return nil, fmt.Errorf("parse redis pool uri %q: %w", uri, err)
		}
		return store.NewRedisBackend(redis.NewClient(opts)), nil
	default:
		return nil, fmt.Errorf("pool uri %q has no recognized scheme (postgres://, redis://)", uri)
	}
}
