package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/solucity-dev/solucity-sub000/internal/di"
	"github.com/solucity-dev/solucity-sub000/internal/handlers"
	"github.com/solucity-dev/solucity-sub000/internal/platform/auth"
	"github.com/solucity-dev/solucity-sub000/internal/platform/config"
	"github.com/solucity-dev/solucity-sub000/internal/platform/idempotency"
	"github.com/solucity-dev/solucity-sub000/internal/platform/metrics"
	"github.com/solucity-dev/solucity-sub000/internal/platform/observability"
	"github.com/solucity-dev/solucity-sub000/internal/platform/requestctx"
	"github.com/solucity-dev/solucity-sub000/internal/platform/secrets"
	"github.com/solucity-dev/solucity-sub000/internal/services"
)

const shutdownTimeout = 10 * time.Second

func main() {
	baseLogger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("orders-api")
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(requestctx.WithLogger(ctx, logger), logger); err != nil {
		logger.Error("orders api stopped with error", zap.Error(err))
		_ = baseLogger.Sync()
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *zap.Logger) error {
	startedAt := time.Now().UTC()

	envValues, err := config.EnvironmentValues()
	if err != nil {
		return fmt.Errorf("read environment values: %w", err)
	}

	fetcher, err := secrets.NewFetcher(ctx,
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithDefaultProject(firstNonEmpty(envValues["API_SECRETS_PROJECT_ID"], envValues["API_FIREBASE_PROJECT_ID"])),
	)
	if err != nil {
		return fmt.Errorf("initialise secret fetcher: %w", err)
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx, config.WithSecretResolver(fetcher))
	if err != nil {
		var validation *config.ValidationError
		if errors.As(err, &validation) {
			logger.Error("invalid configuration", zap.Strings("fields", validation.Fields()))
		}
		return fmt.Errorf("load configuration: %w", err)
	}

	buildInfo := buildInfoFromEnv(envValues, cfg, startedAt)
	metricsRegistry := metrics.NewRegistry()

	container, err := di.NewContainer(ctx, cfg,
		di.WithLogger(logger),
		di.WithBuildInfo(buildInfo),
		di.WithMetrics(metricsRegistry),
	)
	if err != nil {
		return fmt.Errorf("build container: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := container.Close(closeCtx); err != nil {
			logger.Warn("container close error", zap.Error(err))
		}
	}()

	firebaseVerifier, err := auth.NewFirebaseVerifier(ctx, cfg.Firebase)
	if err != nil {
		return fmt.Errorf("initialise firebase verifier: %w", err)
	}
	authenticator := auth.NewAuthenticator(firebaseVerifier, auth.WithMetrics(metricsRegistry))

	authLogger := observability.NewPrintfAdapter(logger.Named("auth"))
	jwks := auth.NewJWKSCache(cfg.Security.OIDC.JWKSURL, auth.WithJWKSLogger(authLogger))
	oidcValidator := auth.NewOIDCValidator(jwks,
		auth.WithOIDCLogger(authLogger),
		auth.WithOIDCMetrics(metricsRegistry),
	)
	oidcMiddleware := oidcValidator.RequireOIDC(cfg.Security.OIDC.Audience, cfg.Security.OIDC.Issuers)

	idempotencyMiddleware := idempotency.Middleware(
		container.Idempotency,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
	)

	orderHandlers := handlers.NewOrderHandlers(authenticator, container.Services.Orders,
		handlers.WithOrderRateLimit(cfg.RateLimits.AuthenticatedPerMinute, time.Minute),
		handlers.WithOrderIdempotency(idempotencyMiddleware),
		handlers.WithMaxAcceptWindow(cfg.Orders.MaxAcceptWindow),
	)
	internalHandlers := handlers.NewInternalHandlers(container.Services.Sweeper)

	projectID := traceProjectID(cfg)
	middlewares := []func(http.Handler) http.Handler{
		observability.InjectLoggerMiddleware(logger.Named("http")),
		observability.TraceMiddleware(projectID),
		observability.RecoveryMiddleware(logger.Named("http")),
		observability.RequestLoggerMiddleware(projectID),
	}
	if cfg.Metrics.Enabled {
		middlewares = append(middlewares, metricsRegistry.Middleware)
	}

	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthBuildInfo(buildInfo),
		handlers.WithHealthSystemService(container.Services.System),
	)

	opts := []handlers.Option{
		handlers.WithRequestTimeout(cfg.Server.WriteTimeout),
		handlers.WithMiddlewares(middlewares...),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithOrderRoutes(orderHandlers.Routes),
		handlers.WithInternalRoutes(internalHandlers.Routes),
		handlers.WithInternalMiddlewares(oidcMiddleware),
	}
	if cfg.Metrics.Enabled {
		opts = append(opts, handlers.WithMetricsHandler(metricsRegistry.Handler()))
	}

	router := handlers.NewRouter(opts...)
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	bgCtx, bgCancel := context.WithCancel(ctx)
	var bg sync.WaitGroup
	if cfg.Sweep.Enabled {
		bg.Add(1)
		go func() {
			defer bg.Done()
			runSweepLoop(bgCtx, container.Services.Sweeper, cfg.Sweep.Interval, logger.Named("sweep"))
		}()
	}
	if cfg.Idempotency.CleanupInterval > 0 {
		bg.Add(1)
		go func() {
			defer bg.Done()
			idempotency.RunCleanup(bgCtx, container.Idempotency, cfg.Idempotency.CleanupInterval, cfg.Idempotency.CleanupBatchSize, logger.Named("idempotency"))
		}()
	}

	serveErr := make(chan error, 1)
	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("orders api listening",
			zap.String("store", cfg.Store.Driver),
			zap.String("events", cfg.Events.Driver),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received; draining requests")
	case err := <-serveErr:
		runErr = fmt.Errorf("http server: %w", err)
	}

	bgCancel()
	bg.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
	return runErr
}

// runSweepLoop expires overdue PENDING orders on a fixed interval until ctx ends.
func runSweepLoop(ctx context.Context, sweeper services.OrderSweeper, interval time.Duration, logger *zap.Logger) {
	if sweeper == nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// the sweeper logs its own summary
			if _, err := sweeper.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("order sweep failed", zap.Error(err))
			}
		}
	}
}

func buildInfoFromEnv(env map[string]string, cfg config.Config, started time.Time) services.BuildInfo {
	return services.BuildInfo{
		Version:     firstNonEmpty(strings.TrimSpace(env["API_BUILD_VERSION"]), "dev"),
		CommitSHA:   firstNonEmpty(strings.TrimSpace(env["API_BUILD_COMMIT_SHA"]), "unknown"),
		Environment: firstNonEmpty(strings.TrimSpace(cfg.Security.Environment), "local"),
		StartedAt:   started,
	}
}

func traceProjectID(cfg config.Config) string {
	return firstNonEmpty(cfg.Firestore.ProjectID, cfg.Firebase.ProjectID)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
