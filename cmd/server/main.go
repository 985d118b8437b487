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

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/requestid"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"ledger-api/internal/cache"
	"ledger-api/internal/config"
	"ledger-api/internal/controller"
	"ledger-api/internal/database"
	"ledger-api/internal/engine"
	"ledger-api/internal/external"
	"ledger-api/internal/messaging"
	"ledger-api/internal/middleware"
	"ledger-api/internal/money"
	"ledger-api/internal/monitoring"
	"ledger-api/internal/scheduler"
	"ledger-api/internal/service"
	"ledger-api/pkg/logger"
)

// Set at build time with -ldflags "-X main.version=...".
var version = "dev"

// @title Ledger API
// @version 1.0
// @description Balance ledger and settlement engine: seamless game wallet, PIX deposits and withdrawals, rewards.

// @host localhost:8080
// @BasePath /

// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
// @description Type "Bearer" followed by a space and JWT token.
func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger.Init(cfg.Logging)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, err := initializeDependencies(ctx, cfg)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to initialize dependencies")
	}
	defer deps.cleanup()

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      setupRouter(cfg, deps),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	deps.startBackground(ctx, cfg)

	go func() {
		logrus.WithFields(logrus.Fields{
			"addr":    server.Addr,
			"version": version,
		}).Info("Starting Ledger API server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithError(err).Fatal("Failed to start server")
		}
	}()

	<-ctx.Done()
	logrus.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Error("Server forced to shutdown")
	}
	deps.stopBackground(shutdownCtx)

	logrus.Info("Server exited")
}

type dependencies struct {
	database      *database.Database
	metrics       monitoring.MetricsService
	registry      *prometheus.Registry
	healthChecker monitoring.HealthChecker
	messageQueue  external.MessageQueue
	consumer      *messaging.ConversionConsumer
	scheduler     *scheduler.Scheduler

	seamlessController *controller.SeamlessController
	webhookController  *controller.WebhookController
	paymentController  *controller.PaymentController
	adminController    *controller.AdminController
	auth               *middleware.AuthMiddleware

	stopMetrics chan struct{}
}

func initializeDependencies(ctx context.Context, cfg *config.Config) (*dependencies, error) {
	deps := &dependencies{
		registry:    prometheus.NewRegistry(),
		stopMetrics: make(chan struct{}),
	}
	deps.registry.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	deps.metrics = monitoring.NewPrometheusMetrics(deps.registry)
	deps.healthChecker = monitoring.NewHealthChecker(version)

	db, err := database.Initialize(ctx, cfg)
	if err != nil {
		return nil, err
	}
	deps.database = db
	repos := db.Repositories

	redisCache := cache.NewRedisCache(db.RedisDB, "ledger:")
	settings := cache.NewSettingsCache(redisCache, repos.Settings, cfg.Redis.SettingsTTL, cfg.Redis.LocalTTL)

	deps.healthChecker.RegisterCheck("database", monitoring.NewDatabaseChecker("mongodb", db.PingMongo))
	deps.healthChecker.RegisterCheck("cache", monitoring.NewCacheChecker("redis", redisCache))
	deps.healthChecker.RegisterCheck("memory", monitoring.NewMemoryChecker("memory", 1<<30))
	deps.healthChecker.RegisterCheck("outbox", monitoring.NewOutboxBacklogChecker("outbox", repos.Outbox, cfg.Monitoring.OutboxBacklogLimit))

	if cfg.RabbitMQ.Enabled {
		mq, err := external.NewMessageQueue(external.MessageQueueConfigFrom(cfg.RabbitMQ))
		if err != nil {
			return nil, fmt.Errorf("failed to initialize message queue: %w", err)
		}
		deps.messageQueue = mq
		deps.healthChecker.RegisterCheck("message_queue", monitoring.NewMessageQueueChecker("rabbitmq", mq))
	}

	// Engines
	updater := engine.NewAggregateUpdater(repos.User, repos.Referral, settings, db)
	followUp := engine.AsyncFollowUp(updater, cfg.Seamless.FollowUpTimeout)

	seamless := engine.NewSeamlessEngine(repos.User, repos.GameTransaction, db, cfg.Seamless.Live, followUp, deps.metrics)
	settlement := engine.NewSettlementEngine(repos.User, repos.PaymentOrder, repos.Outbox, settings, db, followUp, deps.metrics)
	reconciliation := engine.NewReconciliationEngine(repos.User, repos.PaymentOrder, repos.GameTransaction, updater)

	// Services
	gateway := external.NewPixGateway(external.GatewayConfigFrom(cfg.Gateway), deps.metrics)
	auditService := service.NewAuditService(repos.Audit, logger.AuditLogger(cfg.Logging))
	paymentService := service.NewPaymentService(repos.User, repos.PaymentOrder, gateway, settlement, db, cfg.Gateway.DepositTTL)
	webhookService := service.NewWebhookService(settlement, repos.Deliveries, auditService, deps.metrics, cfg.Redis.WebhookDedupe)
	adminService := service.NewAdminService(settlement, reconciliation, settings, auditService)

	deps.seamlessController = controller.NewSeamlessController(seamless, money.Unit(cfg.Seamless.BalanceUnit))
	deps.webhookController = controller.NewWebhookController(webhookService, cfg.Gateway.WebhookTimeout)
	deps.paymentController = controller.NewPaymentController(paymentService)
	deps.adminController = controller.NewAdminController(adminService, auditService)
	deps.auth = middleware.NewAuthMiddleware(cfg.Auth.JWTSecret, cfg.Auth.JWTIssuer)

	if cfg.RabbitMQ.Enabled && cfg.Conversion.Enabled {
		tracker := external.NewConversionTracker(cfg.Conversion, deps.metrics)
		consumer, err := messaging.NewConversionConsumer(messaging.ConsumerConfig{
			URL:                cfg.RabbitMQ.URL,
			Exchange:           cfg.RabbitMQ.Exchange,
			DeadLetterExchange: cfg.RabbitMQ.DeadLetterExchange,
			Queue:              cfg.RabbitMQ.ConversionQueue,
			PrefetchCount:      cfg.RabbitMQ.PrefetchCount,
		}, tracker, repos.Deliveries, logrus.StandardLogger())
		if err != nil {
			return nil, fmt.Errorf("failed to initialize conversion consumer: %w", err)
		}
		deps.consumer = consumer
		deps.healthChecker.RegisterCheck("conversion_consumer", monitoring.NewMessageQueueChecker("rabbitmq_consumer", consumer))
	}

	if cfg.Scheduler.Enabled {
		var publisher scheduler.EventPublisher
		if deps.messageQueue != nil {
			publisher = deps.messageQueue
		}
		jobs := scheduler.NewJobs(repos.Outbox, publisher, repos.PaymentOrder, settlement, reconciliation, scheduler.JobsConfig{
			OutboxBatchSize: cfg.Scheduler.OutboxBatchSize,
			ReconcileBatch:  cfg.Scheduler.ReconcileBatch,
			StrandedAfter:   cfg.Scheduler.StrandedAfter,
		})
		deps.scheduler = scheduler.NewScheduler(jobs, repos.Lock, deps.metrics, cfg.Scheduler, logrus.StandardLogger())
	}

	return deps, nil
}

func (d *dependencies) startBackground(ctx context.Context, cfg *config.Config) {
	monitoring.StartSystemMetricsRecording(d.metrics, 30*time.Second, d.stopMetrics)
	d.healthChecker.StartPeriodicChecks(60 * time.Second)

	if d.scheduler != nil {
		if err := d.scheduler.Start(ctx); err != nil {
			logrus.WithError(err).Fatal("Failed to start scheduler")
		}
	}

	if d.consumer != nil {
		go func() {
			if err := d.consumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logrus.WithError(err).Error("Conversion consumer stopped")
			}
		}()
	}
}

func (d *dependencies) stopBackground(ctx context.Context) {
	if d.scheduler != nil {
		if err := d.scheduler.Stop(ctx); err != nil {
			logrus.WithError(err).Warn("Scheduler did not stop cleanly")
		}
	}
	d.healthChecker.StopPeriodicChecks()
	close(d.stopMetrics)
}

func (d *dependencies) cleanup() {
	if d.consumer != nil {
		d.consumer.Close()
	}
	if d.messageQueue != nil {
		d.messageQueue.Close()
	}
	if d.database != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := d.database.Close(ctx); err != nil {
			logrus.WithError(err).Warn("Failed to close database connections")
		}
	}
}

func setupRouter(cfg *config.Config, deps *dependencies) *gin.Engine {
	router := gin.New()
	if err := router.SetTrustedProxies(cfg.Server.TrustedProxies); err != nil {
		logrus.WithError(err).Warn("Invalid trusted proxies, trusting none")
		router.SetTrustedProxies(nil)
	}

	corsConfig := cors.DefaultConfig()
	if len(cfg.Server.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.Server.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowHeaders("Authorization", "X-Request-ID")

	logging := middleware.NewLoggingMiddleware(logrus.StandardLogger(), deps.metrics, nil)

	router.Use(gin.Recovery())
	router.Use(requestid.New())
	router.Use(logging.RequestLogger())
	router.Use(cors.New(corsConfig))

	healthPath := cfg.Monitoring.HealthCheckPath
	if healthPath == "" {
		healthPath = "/health"
	}
	router.GET(healthPath, func(c *gin.Context) {
		health := deps.healthChecker.CheckHealth(c.Request.Context())
		status := http.StatusOK
		if health.Status == monitoring.StatusUnhealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, health)
	})

	router.GET("/ready", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := deps.database.PingMongo(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready", "error": err.Error()})
			return
		}
		if err := deps.database.PingRedis(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	router.GET("/version", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"service": "ledger-api",
			"version": version,
		})
	})

	if cfg.Monitoring.EnableMetrics {
		metricsPath := cfg.Monitoring.MetricsPath
		if metricsPath == "" {
			metricsPath = "/metrics"
		}
		router.GET(metricsPath, gin.WrapH(promhttp.HandlerFor(deps.registry, promhttp.HandlerOpts{})))
	}

	api := router.Group("/api")

	// Aggregator and gateway callbacks are authenticated upstream of this service.
	api.POST("/seamless/gold_api", deps.seamlessController.Handle)
	api.POST("/seamless", deps.seamlessController.Handle)

	webhooks := api.Group("/webhooks/pix")
	{
		webhooks.POST("/deposit", deps.webhookController.Deposit)
		webhooks.POST("/withdraw", deps.webhookController.Withdraw)
	}

	payments := api.Group("/payments", deps.auth.JWTAuth())
	{
		payments.POST("/deposits", deps.paymentController.CreateDeposit)
		payments.POST("/withdrawals", deps.paymentController.RequestWithdrawal)
		payments.GET("/balance", deps.paymentController.GetBalance)
	}

	admin := api.Group("/admin", deps.auth.JWTAuth(), deps.auth.RequireAdmin())
	{
		admin.PATCH("/orders/:id/status", deps.adminController.OverrideStatus)
		admin.POST("/reconcile/:userId", deps.adminController.ReconcileUser)
		admin.POST("/reconcile", deps.adminController.ReconcileAll)
		admin.GET("/settings/rewards", deps.adminController.GetRewardSettings)
		admin.PUT("/settings/rewards", deps.adminController.UpdateRewardSettings)
		admin.GET("/webhooks/:transactionId", deps.adminController.GetWebhookTrail)
	}

	return router
}
