package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/mernickets/portal/internal/app"
	"github.com/mernickets/portal/internal/auth"
	"github.com/mernickets/portal/internal/backend"
	"github.com/mernickets/portal/internal/guard"
	"github.com/mernickets/portal/internal/identity"
	jobmetrics "github.com/mernickets/portal/internal/jobs"
	"github.com/mernickets/portal/internal/observability"
	"github.com/mernickets/portal/internal/pages"
	"github.com/mernickets/portal/internal/platform/cache"
	"github.com/mernickets/portal/internal/platform/httpclient"
	"github.com/mernickets/portal/internal/session"
	"github.com/mernickets/portal/internal/shared"
	"github.com/mernickets/portal/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	redisClient, err := cache.New(ctx, cache.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	shutdownTracing, err := app.InitTracing(ctx, cfg, "portal")
	if err != nil {
		logger.Error("init tracing", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("tracing shutdown", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	breakerMetrics := httpclient.NewBreakerMetrics(metrics.Registerer())

	backendClient := app.NewBackendClient(cfg, logger, breakerMetrics)
	publicAPI := backend.NewPublic(backendClient, cfg.BackendURL)

	provider, err := app.NewIdentityProvider(cfg, redisClient, logger, breakerMetrics)
	if err != nil {
		logger.Error("identity provider", slog.Any("error", err))
		os.Exit(1)
	}
	binding := identity.NewBinding(provider, logger)

	store := session.NewRedisStore(redisClient, cfg.SessionTTL)
	synchronizer := session.NewSynchronizer(store, publicAPI, logger, session.Options{
		Timeout: cfg.BackendTimeout,
		Metrics: session.NewMetrics(metrics.Registerer()),
	})
	synchronizer.Start(binding)
	defer synchronizer.Close()

	secureAPI, err := backend.NewSecure(backendClient, cfg.BackendURL, synchronizer, logger)
	if err != nil {
		logger.Error("secure backend client", slog.Any("error", err))
		os.Exit(1)
	}

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB}
	jobClient := jobs.NewClient(redisOpts)
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()
	inspector := asynq.NewInspector(redisOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("job inspector close", slog.Any("error", err))
		}
	}()

	reconciler := jobs.NewReconciler(redisClient, jobClient, inspector, logger, jobmetrics.NewMetrics(metrics.Registerer()))
	jobHandler := jobs.NewHandler(inspector, reconciler, logger)

	sessionManager := shared.NewSessionManager(redisClient, "portal_session", cfg.SessionSecret, cfg.SessionTTL, cfg.IsProduction())
	csrfManager := shared.NewCSRFManager(cfg.CSRFSecret)

	authService := auth.NewService(binding, publicAPI, reconciler, logger)
	authHandler := auth.NewHandler(logger, authService, synchronizer, sessionManager, csrfManager)

	guards := guard.Middleware{
		States: synchronizer,
		KeyOf:  shared.ClientKey,
		Wait:   cfg.GuardWait,
		Logger: logger,
	}
	pagesHandler := pages.NewHandler(guards)

	router := app.NewRouter(app.RouterParams{
		Logger:         logger,
		Config:         cfg,
		SessionManager: sessionManager,
		CSRFManager:    csrfManager,
		Guard:          guards,
		AuthHandler:    authHandler,
		PagesHandler:   pagesHandler,
		JobHandler:     jobHandler,
		Secure:         secureAPI,
		Metrics:        metrics,
	})

	server := app.NewServer(cfg, router)
	if err := app.Serve(ctx, server, logger); err != nil {
		logger.Error("http server", slog.Any("error", err))
		os.Exit(1)
	}
}
