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

	"go.uber.org/zap"

	"github.com/lalithlochan/classpush/internal/api"
	"github.com/lalithlochan/classpush/internal/circuitbreaker"
	"github.com/lalithlochan/classpush/internal/config"
	"github.com/lalithlochan/classpush/internal/db"
	"github.com/lalithlochan/classpush/internal/liveactivity"
	"github.com/lalithlochan/classpush/internal/observ"
	"github.com/lalithlochan/classpush/internal/push"
	"github.com/lalithlochan/classpush/internal/redis"
	"github.com/lalithlochan/classpush/internal/report"
	"github.com/lalithlochan/classpush/internal/scheduler"
	"github.com/lalithlochan/classpush/internal/sns"
)

const poolStatsInterval = 15 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting classpush server",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Server.Port),
		zap.String("store", cfg.Store.Driver),
		zap.String("push", cfg.Push.Driver),
		zap.String("timezone", cfg.Schedule.Timezone),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Redis backs rate limiting and idempotency, and the token store when
	// STORE_DRIVER=redis.
	var redisClient *redis.Client
	if cfg.Redis.Enabled() {
		redisClient, err = redis.New(ctx, redis.Config{
			Host:     cfg.Redis.Host,
			Port:     cfg.Redis.Port,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}, logger)
		if err != nil {
			if cfg.Store.Driver == "redis" {
				return fmt.Errorf("failed to connect to redis: %w", err)
			}
			logger.Warn("redis unavailable, rate limiting and idempotency disabled",
				zap.Error(err),
				zap.String("host", cfg.Redis.Host),
			)
			redisClient = nil
		} else {
			defer redisClient.Close()
		}
	}

	var (
		store      liveactivity.TokenStore
		poolReport []func()
		checks     = make(map[string]api.ReadinessCheck)
	)
	switch cfg.Store.Driver {
	case "redis":
		store = redis.NewTokenStore(redisClient, logger)
	default:
		database, err := db.New(ctx, db.Config{
			URL:      cfg.Database.URL,
			Host:     cfg.Database.Host,
			Port:     cfg.Database.Port,
			User:     cfg.Database.User,
			Password: cfg.Database.Password,
			Database: cfg.Database.Name,
			SSLMode:  cfg.Database.SSLMode,
			MaxConns: cfg.Database.MaxConns,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer database.Close()
		store = db.NewTokenRepository(database, logger)
		poolReport = append(poolReport, database.ReportPoolStats)
		checks["postgres"] = database.Health
	}
	if redisClient != nil {
		poolReport = append(poolReport, redisClient.ReportPoolStats)
		checks["redis"] = redisClient.Ping
	}

	var gateway push.Gateway
	switch cfg.Push.Driver {
	case "log":
		logger.Warn("PUSH_DRIVER=log: pushes are logged, not sent")
		gateway = push.NewLogGateway(logger)
	default:
		fcm, err := push.NewFCMGateway(ctx, push.FCMConfig{
			ProjectID:       cfg.Push.ProjectID,
			ClientEmail:     cfg.Push.ClientEmail,
			PrivateKey:      cfg.Push.PrivateKey,
			CredentialsFile: cfg.Push.CredentialsFile,
			SendTimeout:     cfg.Push.SendTimeout,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to create fcm gateway: %w", err)
		}
		gateway = fcm
	}

	breaker := circuitbreaker.New(circuitbreaker.Config{
		Name:                cfg.Push.Driver,
		MaxFailures:         cfg.Breaker.MaxFailures,
		RecoveryTimeout:     cfg.Breaker.RecoveryTimeout,
		HalfOpenMaxRequests: 1,
	}, logger)
	protected := circuitbreaker.NewProtectedGateway(gateway, breaker, logger)
	logger.Info("push gateway ready", zap.Stringer("breaker", protected.Breaker()))

	windowCfg, err := cfg.Schedule.Window()
	if err != nil {
		return fmt.Errorf("invalid schedule: %w", err)
	}
	window, err := scheduler.NewScheduleWindow(windowCfg)
	if err != nil {
		return fmt.Errorf("invalid schedule: %w", err)
	}

	var reporters []report.Reporter
	if cfg.AWS.SNSTopicARN != "" {
		publisher, err := sns.NewPublisher(ctx, cfg.AWS.SNSTopicARN, cfg.AWS.Region, cfg.AWS.EndpointURL, logger)
		if err != nil {
			logger.Warn("sns reporter unavailable, cycles will only be logged", zap.Error(err))
		} else {
			reporters = append(reporters, publisher)
		}
	}
	if cfg.Report.WebhookURL != "" {
		reporters = append(reporters, report.NewWebhookReporter(logger, report.WebhookConfig{
			URL:     cfg.Report.WebhookURL,
			Timeout: cfg.Report.WebhookTimeout,
			Secret:  cfg.Report.WebhookSecret,
		}))
	}

	var opts []scheduler.Option
	if len(reporters) > 0 {
		multi := report.NewMulti(logger, reporters...)
		logger.Info("cycle reporters configured", zap.Int("reporters", multi.Len()))
		opts = append(opts, scheduler.WithReporter(multi))
	}

	sched := scheduler.New(store, protected, window, scheduler.Config{
		Concurrency:   cfg.Push.FanOutConcurrency,
		ReportTimeout: cfg.Report.Timeout,
	}, logger, opts...)

	var schedErr error
	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		schedErr = sched.Start(ctx)
	}()

	go reportPoolStats(ctx, poolReport)

	var (
		handler     *api.Handler
		rateLimiter *redis.RateLimiter
	)
	if redisClient != nil {
		handler = api.NewHandlerWithIdempotency(logger, store, sched, redis.NewIdempotencyService(redisClient, logger))
		rateLimiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  cfg.Server.RegisterRateLimit,
			Window: cfg.Server.RegisterRateWindow,
		})
	} else {
		handler = api.NewHandler(logger, store, sched)
	}

	for name, check := range checks {
		handler.AddReadinessCheck(name, check)
	}
	handler.SetGatewayBreaker(protected.Breaker())

	if cfg.Server.AdminAPIKey == "" {
		logger.Warn("ADMIN_API_KEY not set: control endpoints are unauthenticated")
	}

	srv := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: api.NewRouter(handler, api.RouterConfig{
			AllowedOrigins: cfg.Server.AllowedOrigins,
			AdminAPIKey:    cfg.Server.AdminAPIKey,
			RateLimiter:    rateLimiter,
		}, logger),
		ReadTimeout: 15 * time.Second,
		// A manual fan-out waits for every send.
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		stop()
		<-schedDone
		return fmt.Errorf("server error: %w", err)
	case <-schedDone:
		if schedErr != nil {
			return fmt.Errorf("scheduler stopped: %w", schedErr)
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		_ = srv.Close()
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	// In-flight cron cycles finish before the stores close.
	<-schedDone
	if schedErr != nil && !errors.Is(schedErr, context.Canceled) {
		logger.Warn("scheduler stopped with error", zap.Error(schedErr))
	}

	logger.Info("server stopped gracefully")
	return nil
}

func reportPoolStats(ctx context.Context, reporters []func()) {
	if len(reporters) == 0 {
		return
	}
	ticker := time.NewTicker(poolStatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, report := range reporters {
				report()
			}
		}
	}
}
