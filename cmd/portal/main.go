package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/securecookie"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"finitefield.org/campus-portal/internal/portal/apiclient"
	"finitefield.org/campus-portal/internal/portal/browsersession"
	"finitefield.org/campus-portal/internal/portal/config"
	"finitefield.org/campus-portal/internal/portal/guard"
	"finitefield.org/campus-portal/internal/portal/httpserver"
	"finitefield.org/campus-portal/internal/portal/observability"
	"finitefield.org/campus-portal/internal/portal/policy"
	"finitefield.org/campus-portal/internal/portal/tab"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	baseLogger, err := observability.NewLogger(cfg.Log.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()
	logger := baseLogger.Named("portal")

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(registry)

	baseURL := apiclient.ResolveBaseURL(cfg.API.BaseURL, cfg.API.PublicHost)
	api, err := apiclient.New(baseURL, &http.Client{
		Timeout:   cfg.API.Timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	})
	if err != nil {
		logger.Fatal("failed to initialise api client", zap.Error(err))
	}

	hashKey := cfg.Browser.HashKey
	if len(hashKey) == 0 {
		logger.Warn("PORTAL_SESSION_HASH_KEY not set; using an ephemeral key")
		hashKey = securecookie.GenerateRandomKey(32)
	}
	sessions, err := browsersession.NewManager(browsersession.Config{
		CookieName:   cfg.Browser.CookieName,
		HashKey:      hashKey,
		BlockKey:     cfg.Browser.BlockKey,
		CookieSecure: cfg.Browser.CookieSecure,
		IdleTimeout:  cfg.Browser.IdleTimeout,
		Lifetime:     cfg.Browser.Lifetime,
	})
	if err != nil {
		logger.Fatal("failed to initialise browser sessions", zap.Error(err))
	}

	var rdb redis.UniversalClient
	if cfg.Redis.Enabled() {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer func() {
			if err := rdb.Close(); err != nil {
				logger.Warn("redis close error", zap.Error(err))
			}
		}()
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			logger.Fatal("redis unreachable", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
		}
		logger.Info("browser storage in redis", zap.String("addr", cfg.Redis.Addr))
	}

	p := policy.New(policy.WithExtraProtected(cfg.Guard.ExtraProtected...))
	tabs := tab.NewRegistry(cfg.Tabs.CacheSize, cfg.Tabs.TTL, tab.NewFactory(tab.FactoryConfig{
		API:    api,
		Redis:  rdb,
		Policy: p,
		Guard: guard.Config{
			Debounce:    cfg.Guard.Debounce,
			MinInterval: cfg.Guard.MinInterval,
		},
		Metrics: metrics,
		Logger:  logger.Named("tab"),
	}), metrics, logger.Named("tabs"))
	defer tabs.Close()

	server := httpserver.New(httpserver.Config{
		Address:      cfg.Server.Address,
		Environment:  cfg.Server.Environment,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
		Sessions:     sessions,
		Tabs:         tabs,
		Policy:       p,
		Metrics:      metrics,
		Gatherer:     registry,
		Logger:       logger.Named("http"),
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("campus portal listening",
			zap.String("environment", cfg.Server.Environment),
			zap.String("api", baseURL),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received; draining requests")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}
