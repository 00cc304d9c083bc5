// Package app wires configuration, storage and HTTP routes into a runnable handler.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"

	"member-auth/internal/auth"
	"member-auth/internal/config"
	"member-auth/internal/db"
	"member-auth/internal/maintenance"
	"member-auth/internal/notify"
	"member-auth/internal/observability"
	"member-auth/internal/reset"
	"member-auth/internal/token"
)

type Options struct {
	LoadDotEnv    bool
	RunMigrations bool
}

type Runtime struct {
	Config  config.Config
	Handler http.Handler
	Close   func() error
}

func Build(options Options) (*Runtime, error) {
	if options.LoadDotEnv {
		config.LoadDotEnv()
	}

	logger := observability.NewLogger()

	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	if err := observability.InitSentry(cfg.SentryDSN, cfg.Environment, cfg.Release); err != nil {
		logger.Error("init_sentry_failed", map[string]any{"error": err.Error()})
	}

	database, err := openDatabase(cfg)
	if err != nil {
		return nil, err
	}
	closers := []func() error{database.Close}
	closeAll := func() error {
		var errs []error
		for i := len(closers) - 1; i >= 0; i-- {
			errs = append(errs, closers[i]())
		}
		return errors.Join(errs...)
	}
	fail := func(err error) (*Runtime, error) {
		_ = closeAll()
		return nil, err
	}

	if options.RunMigrations || cfg.RunMigrationsOnBoot {
		applied, err := db.RunMigrations(context.Background(), database)
		if err != nil {
			return fail(fmt.Errorf("run migrations: %w", err))
		}
		if len(applied) > 0 {
			logger.Info("migrations_applied", map[string]any{"versions": applied})
		}
	}

	codec, err := token.NewCodec(token.Config{
		Secret:     cfg.JWTSecret,
		Issuer:     cfg.JWTIssuer,
		AccessTTL:  cfg.AccessTokenTTL,
		RefreshTTL: cfg.RefreshTokenTTL,
	})
	if err != nil {
		return fail(fmt.Errorf("init token codec: %w", err))
	}

	notifier, err := buildNotifier(cfg, logger)
	if err != nil {
		return fail(err)
	}

	resetRepo := reset.NewPostgresRepository(database)
	resetStore, err := reset.NewStore(resetRepo, notifier, reset.Config{ResetURL: cfg.ResetURL, TTL: cfg.ResetTokenTTL})
	if err != nil {
		return fail(fmt.Errorf("init reset store: %w", err))
	}

	metrics := observability.NewMetrics()
	loginHistory := auth.NewPostgresLoginHistory(database)
	authService, err := auth.NewService(auth.Dependencies{
		Members:  auth.NewRepository(database),
		Codec:    codec,
		Lockout:  auth.NewLockoutTracker(auth.LockoutPolicy{MaxAttempts: cfg.LoginMaxAttempts, LockDuration: cfg.LoginLockout}),
		Verifier: auth.NewBcryptVerifier(cfg.BcryptCost),
		Resets:   resetStore,
		Notifier: notifier,
		Logger:   logger,
		History:  loginHistory,
	}, auth.WithObserver(metrics))
	if err != nil {
		return fail(fmt.Errorf("init auth service: %w", err))
	}

	if err := authService.BootstrapMember(context.Background(), cfg.BootstrapEmail, cfg.BootstrapPassword); err != nil {
		return fail(fmt.Errorf("bootstrap member: %w", err))
	}

	cleanupTasks := []maintenance.Task{
		{Name: "reset_tokens", Store: resetRepo, Retention: cfg.ResetTokenRetention},
		{Name: "login_history", Store: loginHistory, Retention: cfg.LoginHistoryRetention},
	}

	var ipLimiter auth.IPLimiter
	var redisClient *redis.Client
	switch cfg.RateLimitBackend {
	case config.RateLimitMemory:
		ipLimiter = auth.NewMemoryIPLimiter(cfg.RateLimitMax, cfg.RateLimitWindow)
	case config.RateLimitRedis:
		redisClient, err = openRedis(cfg.RedisURL)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, redisClient.Close)
		ipLimiter = auth.NewRedisIPLimiter(redisClient, "auth:login-ip", cfg.RateLimitMax, cfg.RateLimitWindow)
	default:
		pgLimiter := auth.NewPostgresIPLimiter(database, cfg.RateLimitMax, cfg.RateLimitWindow)
		ipLimiter = pgLimiter
		cleanupTasks = append(cleanupTasks, maintenance.Task{
			Name:      "login_ip_limits",
			Store:     pgLimiter,
			Retention: cfg.LoginIPLimitRetention,
		})
	}
	loginLimiter := auth.NewLoginRateLimiter(ipLimiter, logger)

	authHandler := auth.NewHandler(authService, auth.HandlerConfig{
		SecureCookies:    cfg.SecureCookies,
		RefreshCookieTTL: cfg.RefreshTokenTTL,
	})
	cleanupHandler := maintenance.NewCleanupHandler(logger, cfg.CronSecret, cfg.CleanupBatchSize, cleanupTasks...)

	mux := http.NewServeMux()
	mux.Handle("POST /auth/login", loginLimiter.Middleware(http.HandlerFunc(authHandler.Login)))
	mux.HandleFunc("POST /auth/refresh", authHandler.Refresh)
	mux.HandleFunc("GET /auth/validate", authHandler.Validate)
	mux.HandleFunc("POST /auth/logout", authHandler.Logout)
	mux.Handle("POST /auth/password/change", loginLimiter.Middleware(http.HandlerFunc(authHandler.ChangePassword)))
	mux.Handle("POST /auth/password/reset-request", loginLimiter.Middleware(http.HandlerFunc(authHandler.RequestPasswordReset)))
	mux.HandleFunc("POST /auth/password/reset", authHandler.ResetPassword)
	mux.Handle("GET /auth/me", auth.Middleware(authService, http.HandlerFunc(authHandler.Me)))
	mux.Handle("GET /auth/me/logins", auth.Middleware(authService, http.HandlerFunc(authHandler.LoginHistory)))
	mux.HandleFunc("GET /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.HandleFunc("POST /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.Handle("GET /metrics", metrics.Handler())
	checks := map[string]healthCheck{"database": database.PingContext}
	if redisClient != nil {
		checks["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
	}
	mux.HandleFunc("GET /health", healthHandler(checks))

	handler := observability.RecoverMiddleware(logger,
		observability.RequestLoggingMiddleware(logger, metrics.Instrument(mux)))

	return &Runtime{
		Config:  cfg,
		Handler: handler,
		Close: func() error {
			observability.FlushSentry()
			return closeAll()
		},
	}, nil
}

func openDatabase(cfg config.Config) (*sql.DB, error) {
	database, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	database.SetMaxOpenConns(cfg.DBMaxOpenConns)
	database.SetMaxIdleConns(cfg.DBMaxIdleConns)
	database.SetConnMaxLifetime(cfg.DBConnMaxLifetime)
	database.SetConnMaxIdleTime(cfg.DBConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := database.PingContext(ctx); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return database, nil
}

func openRedis(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return client, nil
}

func buildNotifier(cfg config.Config, logger *observability.Logger) (notify.Notifier, error) {
	if cfg.SMTPHost == "" {
		// config.Validate rejects this in production.
		logger.Warn("smtp_not_configured", map[string]any{"fallback": "log", "environment": cfg.Environment})
		return notify.NewLogNotifier(logger), nil
	}

	notifier, err := notify.NewSMTPNotifier(notify.SMTPConfig{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		Timeout:  cfg.SMTPTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("init smtp notifier: %w", err)
	}
	return notifier, nil
}
