package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/lifthub/carpool/internal/audit"
	"github.com/lifthub/carpool/internal/auth"
	"github.com/lifthub/carpool/internal/idempotency"
	"github.com/lifthub/carpool/internal/matching"
	"github.com/lifthub/carpool/internal/notifications"
	"github.com/lifthub/carpool/internal/payments"
	"github.com/lifthub/carpool/internal/realtime"
	"github.com/lifthub/carpool/internal/scheduler"
	"github.com/lifthub/carpool/internal/trips"
	"github.com/lifthub/carpool/pkg/cache"
	"github.com/lifthub/carpool/pkg/common"
	"github.com/lifthub/carpool/pkg/config"
	"github.com/lifthub/carpool/pkg/database"
	"github.com/lifthub/carpool/pkg/errors"
	"github.com/lifthub/carpool/pkg/eventbus"
	"github.com/lifthub/carpool/pkg/logger"
	"github.com/lifthub/carpool/pkg/middleware"
	"github.com/lifthub/carpool/pkg/ratelimit"
	redisclient "github.com/lifthub/carpool/pkg/redis"
	"github.com/lifthub/carpool/pkg/security"
	"github.com/lifthub/carpool/pkg/validation"
)

const (
	serviceName = "carpool-api"
	version     = "1.0.0"
)

func main() {
	cfg, err := config.Load(serviceName)
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	if err := logger.Init(cfg.Server.Environment); err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	logger.Info("starting carpool api",
		zap.String("service", serviceName),
		zap.String("version", version),
		zap.String("environment", cfg.Server.Environment),
	)

	if err := errors.InitSentry(errors.SentryConfig{
		DSN:         cfg.SentryDSN,
		Environment: cfg.Server.Environment,
		ServerName:  serviceName,
	}); err != nil {
		logger.Warn("sentry init failed, continuing without error tracking", zap.Error(err))
	} else if cfg.SentryDSN != "" {
		defer errors.Flush(2 * time.Second)
	}

	rootCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()

	if cfg.Server.MigrateOnStart {
		if err := database.RunMigrations(&cfg.Database, "migrations"); err != nil {
			logger.Fatal("migrations failed", zap.Error(err))
		}
		logger.Info("migrations applied")
	}

	db, err := database.NewPostgresPool(&cfg.Database)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer database.Close(db)

	redisClient, err := redisclient.NewRedisClient(&cfg.Redis)
	if err != nil {
		logger.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close failed", zap.Error(err))
		}
	}()

	cipher, err := security.NewCipher(cfg.Security.EncryptionKey, cfg.Security.LookupHashKey)
	if err != nil {
		logger.Fatal("failed to initialise pii cipher", zap.Error(err))
	}

	var bus eventbus.Bus
	switch cfg.EventBus.Driver {
	case "nats":
		natsBus, err := eventbus.NewNATSBus(cfg.EventBus.NATSAddr, cfg.EventBus.QueueDepth)
		if err != nil {
			logger.Fatal("failed to connect to nats", zap.Error(err))
		}
		bus = natsBus
		logger.Info("event bus: nats", zap.String("addr", cfg.EventBus.NATSAddr))
	default:
		bus = eventbus.NewMemoryBus(cfg.EventBus.QueueDepth)
		logger.Info("event bus: in-process")
	}
	defer bus.Close()

	cacheManager := cache.NewManager(redisClient)
	ledger := idempotency.NewLedger(redisClient, idempotency.NewRepository(db))
	auditLog := audit.NewRepository(db)
	notifWriter := notifications.NewRepository(db)

	// Matching.
	matchRepo := matching.NewRepository(db)
	engine := matching.NewEngine(matching.NewStatsCollector())
	matchService := matching.NewService(matchRepo, engine, cacheManager, bus, auditLog)
	matchHandler := matching.NewHandler(matchService)

	// Trips and bookings.
	tripRepo := trips.NewRepository(db)
	tripService := trips.NewService(tripRepo, bus, notifWriter, cipher)
	tripHandler := trips.NewHandler(tripService, ledger)

	// Payments. A missing provider key leaves the client nil and the intent
	// endpoint answering 503.
	var stripeClient payments.StripeClient
	if cfg.Stripe.Configured() {
		stripeClient = payments.NewResilientClient(payments.NewClient(cfg.Stripe.SecretKey), nil)
		logger.Info("stripe client configured")
	} else {
		logger.Warn("stripe is not configured; payment intents will answer 503")
	}
	paymentRepo := payments.NewRepository(db)
	paymentService := payments.NewService(paymentRepo, stripeClient, ledger, bus, notifWriter, auditLog, cfg.Stripe, cfg.IsProduction())
	paymentHandler := payments.NewHandler(paymentService)

	// Identity.
	authRepo := auth.NewRepository(db)
	authService := auth.NewService(authRepo, cipher, redisClient, cfg.JWT, cfg.AppURL)
	authHandler := auth.NewHandler(authService)

	realtimeHandler := realtime.NewHandler(bus)

	worker := scheduler.NewWorker(time.Minute, idempotency.WebhookTTL, matchRepo, tripRepo, idempotency.NewRepository(db), authRepo)
	go worker.Run(rootCtx)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	validation.RegisterGinTagValidators()

	router := gin.New()
	router.Use(middleware.RecoveryWithSentry())
	router.Use(middleware.SentryMiddleware())
	router.Use(middleware.CorrelationID())
	router.Use(middleware.RequestTimeout(time.Duration(cfg.Server.RequestTimeout) * time.Second))
	router.Use(middleware.RequestLogger(serviceName))
	router.Use(middleware.CORS(cfg.Server.CORSOrigins))
	router.Use(middleware.Metrics())

	router.GET("/healthz", common.HealthCheck(serviceName, version))
	router.GET("/health/ready", common.ReadinessProbe(serviceName, version, map[string]func() error{
		"database": func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return db.Ping(ctx)
		},
		"redis": func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return redisClient.Ping(ctx)
		},
	}))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Public surface: auth (rate limited) and the provider webhook, which
	// authenticates via its signature.
	public := router.Group("/api/v1")
	paymentHandler.RegisterWebhookRoutes(public)

	authGroup := router.Group("/api/v1")
	if cfg.RateLimit.Enabled {
		limiter := ratelimit.NewLimiter(redisClient, cfg.RateLimit)
		authGroup.Use(ratelimit.Middleware(limiter, "auth", cfg.RateLimit.AuthLimit))
	}
	authHandler.RegisterRoutes(authGroup)

	// Everything else requires a bearer token.
	protected := router.Group("/api/v1")
	protected.Use(middleware.AuthMiddleware(cfg.JWT.Secret))
	protected.Use(middleware.IdempotencyKey())
	authHandler.RegisterProtectedRoutes(protected)
	matchHandler.RegisterRoutes(protected)
	tripHandler.RegisterRoutes(protected)
	paymentHandler.RegisterRoutes(protected)
	realtimeHandler.RegisterRoutes(protected)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	stopWorkers()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Fatal("forced shutdown", zap.Error(err))
	}

	logger.Info("server stopped")
}
