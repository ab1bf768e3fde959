package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fpr1m3/pai-orchestrator/internal/auth"
	"github.com/fpr1m3/pai-orchestrator/internal/circuitbreaker"
	"github.com/fpr1m3/pai-orchestrator/internal/config"
	"github.com/fpr1m3/pai-orchestrator/internal/db"
	"github.com/fpr1m3/pai-orchestrator/internal/delivery"
	"github.com/fpr1m3/pai-orchestrator/internal/health"
	"github.com/fpr1m3/pai-orchestrator/internal/httpapi"
	"github.com/fpr1m3/pai-orchestrator/internal/pipeline"
	"github.com/fpr1m3/pai-orchestrator/internal/policy"
	"github.com/fpr1m3/pai-orchestrator/internal/runstore"
	"github.com/fpr1m3/pai-orchestrator/internal/server"
	"github.com/fpr1m3/pai-orchestrator/internal/streaming"
	"github.com/fpr1m3/pai-orchestrator/internal/tracing"
)

func main() {
	ctx := context.Background()

	configPath := config.Path()
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := config.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	if cfg.Source == "" {
		logger.Warn("Configuration file not found, using defaults", zap.String("path", configPath))
	}

	shutdownTracing, err := tracing.Initialize(cfg.Tracing, logger)
	if err != nil {
		logger.Warn("Tracing initialization failed", zap.Error(err))
	}

	// Policy engine is optional; a nil interface keeps the router permissive.
	var policyEngine policy.Engine
	var opaEngine *policy.OPAEngine
	if cfg.Policy.Enabled {
		opaEngine, err = policy.NewOPAEngine(&cfg.Policy, logger)
		if err != nil {
			logger.Fatal("Failed to initialize policy engine", zap.Error(err))
		}
		policyEngine = opaEngine
	}

	streams := streaming.NewManager(cfg.Server.StreamCapacity, 0, logger)

	p, err := pipeline.Build(cfg, logger, pipeline.Options{
		Events: streams,
		Policy: policyEngine,
	})
	if err != nil {
		logger.Fatal("Failed to build pipeline", zap.Error(err))
	}

	hm := health.NewManager(logger)
	_ = hm.RegisterChecker(health.NewRegistryChecker(p.Registry))

	serviceOpts := []server.Option{server.WithEvents(streams)}

	var cache *runstore.Store
	if cfg.Redis.Enabled {
		dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		cache, err = runstore.Dial(dialCtx, cfg.Redis, logger)
		cancel()
		if err != nil {
			logger.Warn("Redis unavailable, run cache disabled", zap.Error(err))
		} else {
			serviceOpts = append(serviceOpts, server.WithCache(cache))
			_ = hm.RegisterChecker(health.NewPingChecker("redis", cache, false))
		}
	}

	var dbClient *db.Client
	if cfg.Database.Enabled {
		dbClient, err = db.NewClient(&cfg.Database, logger)
		if err != nil {
			logger.Warn("Database unavailable, run history disabled", zap.Error(err))
		} else {
			serviceOpts = append(serviceOpts, server.WithHistory(dbClient))
			_ = hm.RegisterChecker(health.NewPingChecker("database", dbClient, false))
		}
	}

	var publisher *delivery.AMQPPublisher
	if cfg.Delivery.Enabled {
		publisher, err = delivery.Dial(cfg.Delivery, logger)
		if err != nil {
			logger.Warn("Broker unavailable, report delivery disabled", zap.Error(err))
		} else {
			serviceOpts = append(serviceOpts, server.WithPublisher(publisher))
		}
	}

	if p.Breaker != nil {
		breaker := p.Breaker
		_ = hm.RegisterChecker(health.NewCustomHealthChecker("executor_breaker", false, time.Second,
			func(context.Context) health.CheckResult {
				state := breaker.State()
				result := health.CheckResult{
					Status:  health.StatusHealthy,
					Message: "circuit " + state.String(),
					Details: map[string]interface{}{"counts": breaker.Counts()},
				}
				if state == circuitbreaker.StateOpen || state == circuitbreaker.StateHalfOpen {
					result.Status = health.StatusDegraded
				}
				return result
			}))
	}

	svc := server.NewService(p.Router, logger, serviceOpts...)
	authMW := auth.NewMiddleware(cfg.Auth)
	if !cfg.Auth.Enabled {
		logger.Warn("Authentication disabled, all requests run as the local operator")
	}

	mux := http.NewServeMux()
	health.NewHTTPHandler(hm, logger).RegisterRoutes(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	limiter := httpapi.NewRateLimiter(cfg.Server.RateLimit.RPS, cfg.Server.RateLimit.Burst)
	httpapi.NewAPIHandler(svc, authMW, limiter, logger).RegisterRoutes(mux)
	httpapi.NewAuthHTTPHandler(authMW, logger).RegisterRoutes(mux)
	httpapi.NewStreamingHandler(streams, authMW, logger).RegisterRoutes(mux)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	// Hot reload of routing thresholds and policies
	var watcher *config.Watcher
	if cfg.Source != "" {
		watcher, err = config.NewWatcher(cfg.Source, cfg, logger)
		if err != nil {
			logger.Warn("Config watcher unavailable", zap.Error(err))
		} else {
			watcher.OnChange(func(prev, next *config.Config) {
				if config.RoutingChanged(prev, next) {
					p.Router.SetThresholds(next.Routing.Thresholds())
					logger.Info("Routing thresholds reloaded",
						zap.Float64("min_score", next.Routing.MinScore),
						zap.Float64("ambiguity_margin", next.Routing.AmbiguityMargin),
					)
				}
			})
			if opaEngine != nil {
				watcher.WatchPolicies(cfg.Policy.Path, opaEngine.LoadPolicies)
			}
			if err := watcher.Start(); err != nil {
				logger.Warn("Failed to start config watcher", zap.Error(err))
			}
		}
	}

	go func() {
		logger.Info("HTTP server listening",
			zap.Int("port", cfg.Server.Port),
			zap.Int("skills", p.Registry.Count()),
			zap.String("executor", cfg.Executor.Kind),
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("Shutting down orchestrator service")

	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", zap.Error(err))
	}
	if watcher != nil {
		_ = watcher.Stop()
	}
	if publisher != nil {
		if err := publisher.Close(); err != nil {
			logger.Warn("Failed to close publisher", zap.Error(err))
		}
	}
	// Close drains queued history writes.
	if dbClient != nil {
		if err := dbClient.Close(); err != nil {
			logger.Warn("Failed to close database", zap.Error(err))
		}
	}
	if cache != nil {
		_ = cache.Close()
	}
	if shutdownTracing != nil {
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("Failed to flush traces", zap.Error(err))
		}
	}
}
