package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/BradenHooton/warden/internal/auth"
	"github.com/BradenHooton/warden/internal/background"
	"github.com/BradenHooton/warden/internal/config"
	"github.com/BradenHooton/warden/internal/database"
	"github.com/BradenHooton/warden/internal/events"
	"github.com/BradenHooton/warden/internal/handlers"
	"github.com/BradenHooton/warden/internal/metrics"
	middlewareCustom "github.com/BradenHooton/warden/internal/middleware"
	"github.com/BradenHooton/warden/internal/repositories"
	"github.com/BradenHooton/warden/internal/routes"
	"github.com/BradenHooton/warden/internal/services"
	pkgauth "github.com/BradenHooton/warden/pkg/auth"
	pkghttp "github.com/BradenHooton/warden/pkg/http"
	pkglogger "github.com/BradenHooton/warden/pkg/logger"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

// revokedTokenGrace keeps revoked refresh credentials around long enough
// for reuse to be classified on the audit trail
const revokedTokenGrace = 24 * time.Hour

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.Server.LogLevel)}))
	slog.SetDefault(logger)
	logger.Info("configuration loaded", slog.String("env", cfg.Server.Env))

	// Initialize database
	db, err := database.NewConnection(&cfg.Database, logger)
	if err != nil {
		logger.Error("failed to connect to database", slog.Any("error", err))
		os.Exit(1)
	}
	defer db.Close()

	migrateCtx, migrateCancel := context.WithTimeout(context.Background(), time.Minute)
	err = database.Migrate(migrateCtx, db.Pool)
	migrateCancel()
	if err != nil {
		logger.Error("failed to apply migrations", slog.Any("error", err))
		os.Exit(1)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	// Metrics
	authMetrics, err := metrics.NewAuthMetrics(metrics.Options{})
	if err != nil {
		logger.Error("failed to register auth metrics", slog.Any("error", err))
		os.Exit(1)
	}
	httpMetrics, err := metrics.NewHTTPMetrics(metrics.Options{})
	if err != nil {
		logger.Error("failed to register http metrics", slog.Any("error", err))
		os.Exit(1)
	}
	if err := metrics.RegisterPoolStats(metrics.Options{}, func() metrics.PoolStat { return db.Stats() }); err != nil {
		logger.Error("failed to register database pool metrics", slog.Any("error", err))
		os.Exit(1)
	}

	// Initialize repositories
	accountRepo := repositories.NewAccountRepository(db)
	attemptRepo := repositories.NewLoginAttemptRepository(db)
	refreshRepo := repositories.NewRefreshTokenRepository(db)
	sessionRepo := repositories.NewSessionRepository(db)
	eventRepo := repositories.NewSecurityEventRepository(db)
	blockRepo := repositories.NewOriginBlockRepository(rdb)
	formTokenRepo := repositories.NewFormTokenRepository(rdb)

	// Security event sinks
	var publisher events.Publisher = events.NoopPublisher{}
	if len(cfg.Kafka.Brokers) > 0 {
		kp, err := events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, logger)
		if err != nil {
			logger.Error("failed to create security event publisher", slog.Any("error", err))
			os.Exit(1)
		}
		publisher = kp
		logger.Info("security event stream enabled", slog.String("topic", cfg.Kafka.Topic))
	}
	defer publisher.Close()

	var notifier services.Notifier = services.NoopNotifier{}
	if cfg.Email.Enabled {
		sesCtx, sesCancel := context.WithTimeout(context.Background(), 10*time.Second)
		emailService, err := services.NewAWSSESEmailService(sesCtx, cfg.Email.AWSRegion, cfg.Email.FromAddress, logger)
		sesCancel()
		if err != nil {
			logger.Error("failed to initialize email service", slog.Any("error", err))
			os.Exit(1)
		}
		notifier = emailService
	}

	// Initialize services
	policy := cfg.Policy
	hasher := pkgauth.NewHasher(pkgauth.DefaultArgon2Params)
	tokenManager := auth.NewTokenManager(cfg.Auth.JWTSecret, policy.AccessTokenTTL())

	auditService := services.NewAuditService(eventRepo, publisher, pkglogger.NewAuditLogger(logger), logger)
	lockoutService := services.NewLockoutService(attemptRepo, auditService, notifier, authMetrics, policy, logger)
	riskService := services.NewRiskService(attemptRepo, blockRepo, auditService, authMetrics, policy, logger)
	sessionService := services.NewSessionService(refreshRepo, sessionRepo, accountRepo, tokenManager, authMetrics, policy, logger)
	formTokenService := services.NewFormTokenService(formTokenRepo, policy.FormTokenTTL(), authMetrics, logger)
	accountService := services.NewAccountService(accountRepo, sessionService, auditService, hasher, logger)

	authService, err := services.NewAuthService(services.AuthServiceConfig{
		Accounts: accountRepo,
		Lockout:  lockoutService,
		Risk:     riskService,
		Sessions: sessionService,
		Audit:    auditService,
		Hasher:   hasher,
		Timing: auth.NewTimingDelay(auth.TimingConfig{
			BaseDelayMs:   cfg.Auth.TimingDelayBaseMs,
			RandomDelayMs: cfg.Auth.TimingDelayRandomMs,
		}),
		Metrics:             authMetrics,
		Logger:              logger,
		QueryTimeout:        cfg.Database.QueryTimeout,
		OriginBlockDuration: policy.OriginBlockDuration(),
	})
	if err != nil {
		logger.Error("failed to initialize auth service", slog.Any("error", err))
		os.Exit(1)
	}

	// Bootstrap first admin account if configured
	ensureAdmin(accountService, logger)

	ipConfig, err := pkghttp.NewIPConfig(cfg.Server.TrustedProxies)
	if err != nil {
		logger.Error("invalid trusted proxy configuration", slog.Any("error", err))
		os.Exit(1)
	}

	// Initialize handlers
	cookies := auth.CookieConfig{Secure: cfg.Server.CookieSecure}
	authHandler := handlers.NewAuthHandler(authService, ipConfig, cookies, policy.RefreshTokenTTL())
	formHandler := handlers.NewFormHandler(formTokenService)
	adminHandler := handlers.NewAdminHandler(accountService, ipConfig)
	originBlockHandler := handlers.NewOriginBlockHandler(riskService, ipConfig)

	// Setup router. RealIP is not used: client addresses come from
	// pkghttp.ExtractClientIP, which only trusts configured proxies.
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(httpMetrics.Middleware)
	router.Use(middlewareCustom.SecurityHeaders(middlewareCustom.SecurityHeadersConfig{Env: cfg.Server.Env}))
	router.Use(middlewareCustom.CORS(middlewareCustom.DefaultCORSConfig(cfg.Server.AllowedOrigins)))
	router.Use(middlewareCustom.SecureLogger(logger))
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(60 * time.Second))

	rateLimit := middlewareCustom.DefaultAuthRateLimit(ipConfig)
	rateLimit.RequestsPerMinute = cfg.Auth.LoginRateLimitPerMinute

	routes.RegisterRoutes(router, routes.Dependencies{
		AuthHandler:  authHandler,
		FormHandler:  formHandler,
		AdminHandler: adminHandler,
		OriginBlocks: originBlockHandler,
		Validator:    authService,
		FormTokens:   formTokenService,
		RateLimit:    rateLimit,
		Health: map[string]routes.HealthChecker{
			"database": db,
			"redis":    redisHealth{rdb},
		},
		Metrics: promhttp.Handler(),
		Logger:  logger,
	})

	// Create server
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start cleanup task
	cleanupManager := background.NewCleanupManager([]background.Task{
		{Name: "refresh_tokens", Retention: revokedTokenGrace, Prune: refreshRepo.DeleteStale},
		{Name: "sessions", Retention: revokedTokenGrace, Prune: sessionRepo.DeleteEndedBefore},
		{Name: "login_attempts", Retention: cfg.Auth.RetentionPeriod, Prune: attemptRepo.DeleteOlderThan},
		{Name: "security_events", Retention: cfg.Auth.RetentionPeriod, Prune: eventRepo.DeleteOlderThan},
	}, logger, cfg.Auth.CleanupInterval)

	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	defer cleanupCancel()

	go cleanupManager.Start(cleanupCtx)

	// Start server
	go func() {
		logger.Info("starting server", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", slog.Any("error", err))
			os.Exit(1)
		}
	}()

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received")

	cleanupCancel()
	cleanupManager.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("server stopped gracefully")
}

// ensureAdmin creates the first admin account if ADMIN_USERNAME and ADMIN_PASSWORD are set
func ensureAdmin(accounts *services.AccountService, logger *slog.Logger) {
	username := os.Getenv("ADMIN_USERNAME")
	password := os.Getenv("ADMIN_PASSWORD")
	if username == "" || password == "" {
		logger.Info("no ADMIN_USERNAME or ADMIN_PASSWORD set, skipping admin account creation")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	account, created, err := accounts.EnsureAdmin(ctx, username, password)
	if err != nil {
		logger.Error("failed to ensure admin account", slog.Any("error", err))
		return
	}
	if created {
		logger.Info("admin account created", slog.String("account_id", account.ID))
		return
	}
	logger.Info("admin account already exists")
}

// redisHealth adapts the redis client to routes.HealthChecker
type redisHealth struct {
	client *redis.Client
}

func (h redisHealth) HealthCheck(ctx context.Context) error {
	return h.client.Ping(ctx).Err()
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
