package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/controlhub/controlhub/pkg/api"
	"github.com/controlhub/controlhub/pkg/audit"
	"github.com/controlhub/controlhub/pkg/auth"
	"github.com/controlhub/controlhub/pkg/config"
	"github.com/controlhub/controlhub/pkg/flags"
	"github.com/controlhub/controlhub/pkg/governance"
	"github.com/controlhub/controlhub/pkg/middleware"
	"github.com/controlhub/controlhub/pkg/observability"
	"github.com/controlhub/controlhub/pkg/oidc"
	"github.com/controlhub/controlhub/pkg/serviceaccounts"
	"github.com/controlhub/controlhub/pkg/storage"
	"github.com/controlhub/controlhub/pkg/store"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	obsLog := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
	logger := obsLog.Slog()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Database
	st, err := store.Open(cfg.Database)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer st.Close()
	if err := st.EnsureSchema(ctx); err != nil {
		log.Fatalf("Failed to ensure schema: %v", err)
	}

	// Redis backs the token blocklist and the public rate limiter. Both
	// fail open, so a down Redis degrades rather than blocks startup.
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})
	defer redisClient.Close()
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		obsLog.WithError(err).Warn("Redis unreachable, token revocation and rate limiting degraded")
	}
	cancel()

	issuer, err := auth.NewIssuer(auth.IssuerConfig{
		Secret:     []byte(cfg.Auth.JWTSecret),
		AccessTTL:  cfg.Auth.AccessTokenTTL,
		RefreshTTL: cfg.Auth.RefreshTokenTTL,
	})
	if err != nil {
		log.Fatalf("Failed to create token issuer: %v", err)
	}
	blocklist := auth.NewBlocklist(redisClient, logger)

	blobs, err := storage.Open(cfg.Storage)
	if err != nil {
		log.Fatalf("Failed to open blob storage: %v", err)
	}

	// Audit sink: database always, NDJSON file alongside when configured.
	dbSink, err := audit.NewDBLogger(st.DB())
	if err != nil {
		log.Fatalf("Failed to create audit logger: %v", err)
	}
	var sink audit.Logger = dbSink
	if cfg.Audit.FilePath != "" {
		fileSink, err := audit.NewFileLogger(cfg.Audit.FilePath)
		if err != nil {
			log.Fatalf("Failed to open audit file %s: %v", cfg.Audit.FilePath, err)
		}
		defer fileSink.Close()
		sink = audit.NewMultiLogger(dbSink, fileSink)
	}

	flagStore, err := flags.Load(cfg.FlagFile, logger)
	if err != nil {
		log.Fatalf("Failed to load feature flags: %v", err)
	}

	// Governance: the engine gates actions, the registry executes them
	// once approved, the workflow collects decisions.
	engine := governance.NewEngine(st, sink, logger)
	registry := governance.NewRegistry()
	for _, executor := range []governance.Executor{
		governance.NewUploadDeleteExecutor(st, blobs, logger),
		governance.NewUserRoleChangeExecutor(st, logger),
		governance.NewUserDisableExecutor(st, logger),
		governance.NewJobCancelExecutor(st, logger),
	} {
		if err := registry.Register(executor); err != nil {
			log.Fatalf("Failed to register executor: %v", err)
		}
	}
	workflow := governance.NewWorkflow(st, registry, sink, logger)

	accounts := serviceaccounts.NewService(st, sink, logger)

	var remote middleware.RemoteVerifier
	var resolver middleware.IdentityResolver
	if cfg.Cognito.Enabled {
		verifier, err := oidc.NewVerifier(ctx, oidc.VerifierConfig{
			IssuerURL: cfg.Cognito.IssuerURL,
			ClientID:  cfg.Cognito.ClientID,
		}, logger)
		if err != nil {
			log.Fatalf("Failed to configure Cognito verifier: %v", err)
		}
		remote = verifier
		resolver = oidc.NewLinker(st, flagStore, sink, logger)
		obsLog.Infof("Cognito logins enabled for issuer %s", cfg.Cognito.IssuerURL)
	}

	promReg := prometheus.NewRegistry()
	var metrics *observability.Metrics
	if cfg.Observability.MetricsEnabled {
		metrics = observability.NewMetrics(promReg)
	}

	var otelProviders *observability.OTelProviders
	if cfg.Observability.OTelEnabled {
		otelProviders, err = observability.InitOTel(ctx, observability.OTelConfig{
			Enabled:        true,
			Endpoint:       cfg.Observability.OTelEndpoint,
			ServiceName:    cfg.Observability.OTelServiceName,
			ServiceVersion: cfg.Observability.OTelServiceVersion,
			Insecure:       cfg.Observability.OTelInsecure,
		}, obsLog)
		if err != nil {
			log.Fatalf("Failed to initialize OpenTelemetry: %v", err)
		}
	}

	rateLimit := middleware.NewDistributedRateLimitMiddleware(redisClient, logger)

	server := api.NewServer(api.ServerConfig{
		Store:     st,
		Issuer:    issuer,
		Revoker:   blocklist,
		Remote:    remote,
		Resolver:  resolver,
		Engine:    engine,
		Cache:     engine,
		Workflow:  workflow,
		Registry:  registry,
		Accounts:  accounts,
		Blobs:     blobs,
		Flags:     flagStore,
		Sink:      sink,
		Searcher:  dbSink,
		Metrics:   metrics,
		RateLimit: rateLimit.Handler,
		Logger:    logger,
	})

	apiSrv := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      server,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Health and metrics live on their own listener so probes keep
	// working during maintenance mode.
	healthMux := http.NewServeMux()
	checker := observability.NewHealthChecker(st.DB(), redisClient, blobs)
	observability.RegisterHealthRoutes(healthMux, checker)
	if cfg.Observability.MetricsEnabled {
		observability.RegisterMetricsEndpoint(healthMux, promReg)
	}
	healthSrv := &http.Server{
		Addr:    cfg.Server.Host + ":" + cfg.Server.HealthPort,
		Handler: healthMux,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		obsLog.Infof("ControlHub API listening on %s", apiSrv.Addr)
		if err := apiSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		obsLog.Infof("Health and metrics listening on %s", healthSrv.Addr)
		if err := healthSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		defer observability.RecoverPanic(obsLog, "flag watcher")
		return flagStore.Watch(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		obsLog.Info("Shutting down")
		if err := apiSrv.Shutdown(shutdownCtx); err != nil {
			obsLog.WithError(err).Error("API server shutdown error")
		}
		if err := healthSrv.Shutdown(shutdownCtx); err != nil {
			obsLog.WithError(err).Error("Health server shutdown error")
		}
		if otelProviders != nil {
			if err := observability.ShutdownOTel(shutdownCtx, otelProviders, obsLog); err != nil {
				obsLog.WithError(err).Error("OpenTelemetry shutdown error")
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Fatalf("Server error: %v", err)
	}
	obsLog.Info("Shutdown complete")
}
