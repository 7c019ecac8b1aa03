package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/yanggf8/cct-sub007/internal/cache"
	"github.com/yanggf8/cct-sub007/internal/config"
	"github.com/yanggf8/cct-sub007/internal/logging"
	"github.com/yanggf8/cct-sub007/internal/metrics"
	"github.com/yanggf8/cct-sub007/internal/resilience"
	"github.com/yanggf8/cct-sub007/internal/server"
)

func main() {
	var (
		configFile = flag.String("config", "", "path to server configuration file")
		envPrefix  = flag.String("env-prefix", "CCT", "environment variable prefix")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loader := config.NewLoader(*envPrefix, *configFile)
	cfg, err := loader.Load(ctx)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger, err := logging.New(cfg.Server.Logging)
	if err != nil {
		log.Fatalf("failed to configure logger: %v", err)
	}

	promRegistry := prometheus.NewRegistry()
	recorder := metrics.NewRecorder(promRegistry)

	store := buildStore(logger.With(slog.String("agent", "store_factory")), cfg.Server.Cache)

	callers := resilience.NewRegistry(resilience.DefaultCallerConfig(), logger)
	for name, origin := range cfg.Origins {
		callers.Configure(name, origin.CallerConfig())
	}

	manager, err := cache.NewManager(cache.Options{
		Store:           store,
		Logger:          logger,
		Metrics:         recorder,
		Callers:         callers,
		MaxHotEntries:   cfg.Server.Cache.MaxHotEntries,
		CleanupInterval: time.Duration(cfg.Server.Cache.CleanupSeconds) * time.Second,
		Promotion: cache.PromotionConfig{
			Enabled:  cfg.Server.Cache.Promotion.Enabled,
			TopN:     cfg.Server.Cache.Promotion.TopN,
			Interval: time.Duration(cfg.Server.Cache.Promotion.IntervalSeconds) * time.Second,
		},
	})
	if err != nil {
		logger.Error("unable to construct cache manager", slog.Any("error", err))
		os.Exit(1)
	}
	if err := applyPolicies(manager, cfg, logger); err != nil {
		logger.Error("namespace policy rejected", slog.Any("error", err))
		os.Exit(1)
	}
	go manager.Run(ctx)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := manager.Close(shutdownCtx); err != nil {
			logger.Error("cache shutdown failed", slog.Any("error", err))
		}
	}()

	if *configFile != "" {
		watcher, err := config.Watch(*configFile, loader, logger, func(next config.Config) {
			if err := applyPolicies(manager, next, logger); err != nil {
				logger.Error("reloaded policy rejected", slog.Any("error", err))
			}
			for name, origin := range next.Origins {
				callers.Configure(name, origin.CallerConfig())
			}
		}, nil)
		if err != nil {
			logger.Error("config watcher setup failed", slog.Any("error", err))
		} else {
			defer watcher.Stop()
		}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", recorder.Handler())
	mux.Handle("/", server.NewHandler(manager, logger))

	srv, err := server.New(cfg, logger, mux)
	if err != nil {
		logger.Error("unable to construct server", slog.Any("error", err))
		os.Exit(1)
	}

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server terminated unexpectedly", slog.Any("error", err))
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger.Info("server shutdown complete")
}

func applyPolicies(manager *cache.Manager, cfg config.Config, logger *slog.Logger) error {
	for name, ns := range cfg.Namespaces {
		pol, err := ns.Policy()
		if err != nil {
			return fmt.Errorf("namespace %s: %w", name, err)
		}
		if err := manager.Configure(name, pol); err != nil {
			return fmt.Errorf("namespace %s: %w", name, err)
		}
		logger.Info("namespace policy applied",
			slog.String("namespace", name),
			slog.Duration("l1_ttl", pol.L1TTL),
			slog.Duration("refresh_threshold", pol.RefreshThreshold))
	}
	return nil
}

func buildStore(logger *slog.Logger, cfg config.CacheConfig) cache.Store {
	backend := strings.TrimSpace(strings.ToLower(cfg.Backend))
	switch backend {
	case "", "memory":
		logger.Info("using memory durable store")
		return cache.NewMemoryStore()
	case "valkey":
		store, err := cache.NewValkeyStore(cache.ValkeyConfig{
			Address:   cfg.Valkey.Address,
			Username:  cfg.Valkey.Username,
			Password:  cfg.Valkey.Password,
			DB:        cfg.Valkey.DB,
			KeyPrefix: cfg.Valkey.KeyPrefix,
			TLS: cache.ValkeyTLSConfig{
				Enabled: cfg.Valkey.TLS.Enabled,
				CAFile:  cfg.Valkey.TLS.CAFile,
			},
		})
		if err != nil {
			logger.Error("valkey store initialization failed", slog.Any("error", err))
			logger.Info("falling back to memory store")
			return cache.NewMemoryStore()
		}
		logger.Info("using valkey durable store", slog.String("address", cfg.Valkey.Address))
		return store
	default:
		logger.Warn("unsupported cache backend, defaulting to memory", slog.String("backend", cfg.Backend))
		return cache.NewMemoryStore()
	}
}
