package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"

	"github.com/oriys/marconibroker/internal/broker"
	"github.com/oriys/marconibroker/internal/cache"
	"github.com/oriys/marconibroker/internal/clock"
	"github.com/oriys/marconibroker/internal/codec"
	"github.com/oriys/marconibroker/internal/config"
	"github.com/oriys/marconibroker/internal/domain"
	"github.com/oriys/marconibroker/internal/logging"
	"github.com/oriys/marconibroker/internal/metrics"
	"github.com/oriys/marconibroker/internal/observability"
	"github.com/oriys/marconibroker/internal/queue"
	"github.com/oriys/marconibroker/internal/router"
	"github.com/oriys/marconibroker/internal/store"
	transporthttp "github.com/oriys/marconibroker/internal/transport/http"
	"github.com/oriys/marconibroker/internal/validation"
)

func daemonCmd() *cobra.Command {
	var (
		httpAddr         string
		logLevel         string
		poolsFile        string
		notifyKind       string
		distributedCache string
	)

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the broker HTTP daemon",
		Long:  "Run the broker as an HTTP daemon serving the queue/message/claim/pool API.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultConfig()
			if configFile != "" {
				var err error
				cfg, err = config.LoadFromFile(configFile)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
			}
			config.LoadFromEnv(cfg)

			if cmd.Flags().Changed("http") {
				cfg.Daemon.HTTPAddr = httpAddr
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Daemon.LogLevel = logLevel
			}

			logging.SetLevelFromString(cfg.Daemon.LogLevel)
			logging.InitStructured(cfg.Observability.Logging.Format, cfg.Observability.Logging.Level)

			if err := observability.Init(context.Background(), observability.Config{
				Enabled:     cfg.Observability.Tracing.Enabled,
				Exporter:    cfg.Observability.Tracing.Exporter,
				Endpoint:    cfg.Observability.Tracing.Endpoint,
				ServiceName: cfg.Observability.Tracing.ServiceName,
				SampleRate:  cfg.Observability.Tracing.SampleRate,
			}); err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer observability.Shutdown(context.Background())

			if cfg.Observability.Metrics.Enabled {
				metrics.Init(cfg.Observability.Metrics.Namespace)
			}

			ctx := context.Background()

			control, err := buildControlBackend(ctx, cfg)
			if err != nil {
				return fmt.Errorf("build control backend: %w", err)
			}

			pools := map[string]store.Backend{"control": control}
			if poolsFile != "" {
				entries, err := loadPoolsFile(poolsFile)
				if err != nil {
					return fmt.Errorf("load pools file %q: %w", poolsFile, err)
				}
				for _, entry := range entries {
					backend, err := buildBackendFromURI(ctx, entry.URI)
					if err != nil {
						return fmt.Errorf("build backend for pool %q: %w", entry.ID, err)
					}
					if err := control.RegisterPool(ctx, entry); err != nil {
						return fmt.Errorf("register pool %q: %w", entry.ID, err)
					}
					pools[entry.ID] = backend
					logging.Op().Info("seeded pool from pools file", "pool_id", entry.ID, "uri", entry.URI, "weight", entry.Weight)
				}
			} else {
				if err := control.RegisterPool(ctx, poolEntryForControl()); err != nil {
					return fmt.Errorf("register control pool: %w", err)
				}
			}

			routerCfg := router.Config{
				CatalogueCacheTTL: cfg.Router.CatalogueCacheTTL,
				NegativeCacheTTL:  cfg.Router.NegativeCacheTTL,
			}

			var rt *router.Router
			var invalidatorClient *redis.Client
			if distributedCache != "" {
				invalidatorClient = redis.NewClient(&redis.Options{Addr: distributedCache})
				l2 := cache.NewRedisCacheFromClient(invalidatorClient, "brkr:catalogue:")
				tiered := cache.NewTieredCache(cache.NewInMemoryCache(), l2, cfg.Router.CatalogueCacheTTL/4)
				rt = router.NewWithCache(control, pools, routerCfg, clock.New(), tiered)
				inv := cache.NewCacheInvalidator(tiered, invalidatorClient)
				rt.SetInvalidator(inv)
				go inv.Start(ctx)
				defer invalidatorClient.Close()
				logging.Op().Info("catalogue cache running in distributed mode", "redis_addr", distributedCache)
			} else {
				rt = router.New(control, pools, routerCfg, clock.New())
			}

			healthCtx, cancelHealth := context.WithCancel(ctx)
			defer cancelHealth()
			rt.StartHealthChecks(healthCtx, 15*time.Second)

			notifier := buildNotifier(notifyKind, cfg)

			limits := validation.Limits{
				MaxProjectIDLength: cfg.Limits.MaxProjectIDLength,
				MaxMessageSize:     cfg.Limits.MaxMessageSize,
				MaxMessagesPerPage: cfg.Limits.MaxMessagesPerPage,
				MaxBulkIDs:         cfg.Limits.MaxBulkIDs,
				MaxListLimit:       cfg.Limits.MaxListLimit,
				MinMessageTTL:      cfg.Limits.MinMessageTTL,
				MaxMessageTTL:      cfg.Limits.MaxMessageTTL,
				MinClaimTTL:        cfg.Limits.MinClaimTTL,
				MaxClaimTTL:        cfg.Limits.MaxClaimTTL,
				MinClaimGrace:      cfg.Limits.MinClaimGrace,
				MaxClaimGrace:      cfg.Limits.MaxClaimGrace,
			}

			br := broker.New(rt, clock.New(), limits, cfg.Backoff, cfg.Router, notifier)

			handler := transporthttp.NewHandler(br, codec.NewRegistry(), limits, clock.New())
			mux := http.NewServeMux()
			handler.RegisterRoutes(mux)

			var httpServer *http.Server
			if cfg.Daemon.HTTPAddr != "" {
				httpServer = &http.Server{
					Addr:    cfg.Daemon.HTTPAddr,
					Handler: observability.HTTPMiddleware(mux),
				}
				go func() {
					if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						logging.Op().Error("http server stopped", "error", err)
					}
				}()
				logging.Op().Info("broker HTTP API started", "addr", cfg.Daemon.HTTPAddr, "store_kind", string(cfg.StoreKind))
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			ticker := time.NewTicker(30 * time.Second)
			defer ticker.Stop()

			for {
				select {
				case <-sigCh:
					logging.Op().Info("shutdown signal received")
					if httpServer != nil {
						shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Daemon.ShutdownGrace)
						httpServer.Shutdown(shutdownCtx)
						cancel()
					}
					rt.Close()
					logging.Default().Close()
					return nil
				case <-ticker.C:
					snapshot := rt.HealthSnapshot()
					logging.Op().Debug("pool health snapshot", "pools", snapshot)
				}
			}
		},
	}

	cmd.Flags().StringVar(&httpAddr, "http", "", "HTTP listen address, e.g. :8888")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level")
	cmd.Flags().StringVar(&poolsFile, "pools-file", "", "YAML file seeding additional pool shards at startup")
	cmd.Flags().StringVar(&notifyKind, "notify", "noop", "Post/claim-release notifier: noop, channel, or redis")
	cmd.Flags().StringVar(&distributedCache, "cache-redis-addr", "", "Redis address for a shared L2 catalogue cache, enabling multi-instance placement consistency")

	return cmd
}

// poolEntryForControl registers the control backend itself as pool "control"
// with weight 100, so a single-backend deployment (no --pools-file) resolves
// every queue onto it without operator setup.
func poolEntryForControl() domain.PoolEntry {
	return domain.PoolEntry{ID: "control", URI: "control", Weight: 100}
}

func buildNotifier(kind string, cfg *config.Config) queue.Notifier {
	switch kind {
	case "channel":
		return queue.NewChannelNotifier()
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		return queue.NewRedisNotifier(client)
	default:
		return queue.NewNoopNotifier()
	}
}
