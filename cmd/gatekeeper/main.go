package main

import (
	"context"
	"time"

	"gatekeeper/internal/admission"
	"gatekeeper/internal/alerts"
	"gatekeeper/internal/handlers"
	"gatekeeper/internal/quota"
	"gatekeeper/internal/tenant"
	"gatekeeper/internal/threat"
	"gatekeeper/pkg/auth"
	"gatekeeper/pkg/cache"
	"gatekeeper/pkg/config"
	"gatekeeper/pkg/database"
	"gatekeeper/pkg/geoip"
	"gatekeeper/pkg/logging"
	"gatekeeper/pkg/monitoring"
	"gatekeeper/pkg/redis"
	"gatekeeper/pkg/resilience"
	"gatekeeper/pkg/server"
	"gatekeeper/pkg/version"

	goredis "github.com/redis/go-redis/v9"
)

func main() {
	// Setup logger
	logger := logging.NewLoggerWithService("gatekeeper")

	// Load environment variables
	config.LoadEnv(logger)

	logger.Info("Starting Gatekeeper (Tenant Admission Gateway)")

	ctx := context.Background()

	// Tier limits and the quota fail policy are validated up front; a
	// missing QUOTA_FAIL_MODE is a startup error, not a hidden default.
	tiers, err := quota.LoadTierConfig()
	if err != nil {
		logger.WithError(err).Fatal("Invalid tier configuration")
	}
	failMode, err := quota.ParseFailMode(config.GetEnv("QUOTA_FAIL_MODE", ""))
	if err != nil {
		logger.WithError(err).Fatal("Invalid quota fail policy")
	}

	// Shared state store. Redis makes counters and the blacklist visible
	// across gateway instances; without it the gateway falls back to
	// in-process stores, which only work for a single-instance deployment.
	var redisClient goredis.UniversalClient
	if addrs := config.GetEnvSlice("REDIS_ADDRS", nil); len(addrs) > 0 {
		redisClient, err = redis.NewUniversalClient(ctx, redis.Config{
			Mode:       redis.Mode(config.GetEnv("REDIS_MODE", string(redis.ModeSingle))),
			Addrs:      addrs,
			MasterName: config.GetEnv("REDIS_MASTER_NAME", ""),
			Password:   config.GetEnv("REDIS_PASSWORD", ""),
			DB:         config.GetEnvInt("REDIS_DB", 0),
		})
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to Redis")
		}
		defer redisClient.Close()
	} else {
		logger.Warn("REDIS_ADDRS not set; using in-memory counters (single-instance only, state lost on restart)")
	}

	// Quota ledger
	var counterStore quota.CounterStore
	var breaker *resilience.CircuitBreaker
	if redisClient != nil {
		counterStore = quota.NewRedisStore(redisClient)
		breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:   "quota-store",
			Logger: logger,
		})
	} else {
		counterStore = quota.NewMemoryStore()
	}
	ledger := quota.NewLedger(counterStore, tiers, failMode, breaker, logger)

	// GeoIP for impossible-travel scoring; optional.
	geoReader, err := geoip.NewReader(config.GetEnv("GEOIP_DB_PATH", ""))
	if err != nil {
		logger.WithError(err).Fatal("Failed to open GeoIP database")
	}
	if geoReader != nil {
		defer geoReader.Close()
	} else {
		logger.Warn("GEOIP_DB_PATH not set; travel velocity signal disabled")
	}
	geoCache := cache.New(cache.Options{
		TTL:         config.GetEnvDuration("GEOIP_CACHE_TTL", 10*time.Minute),
		NegativeTTL: time.Minute,
		MaxEntries:  50_000,
	})

	// Security alert publishing; optional.
	publisher, err := alerts.NewPublisherFromEnv(logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create alert publisher")
	}
	if publisher != nil {
		defer publisher.Close()
	}

	// Threat detection engine
	var blacklistStore threat.BlacklistStore
	var attemptStore threat.AttemptStore
	var historyStore threat.HistoryStore
	if redisClient != nil {
		blacklistStore = threat.NewRedisBlacklist(redisClient)
		attemptStore = threat.NewRedisAttempts(redisClient)
		historyStore = threat.NewRedisHistory(redisClient,
			config.GetEnvDuration("ACCOUNT_HISTORY_TTL", 90*24*time.Hour))
	} else {
		blacklistStore = threat.NewMemoryBlacklist()
		attemptStore = threat.NewMemoryAttempts()
		historyStore = threat.NewMemoryHistory()
	}
	var alertPublisher threat.AlertPublisher
	if publisher != nil {
		alertPublisher = publisher
	}
	engine := threat.NewEngine(threat.LoadConfig(), blacklistStore, attemptStore, historyStore,
		threat.NewScorer(threat.LoadScorerConfig()), geoReader, geoCache, alertPublisher, logger)
	engine.StartCompaction(ctx, config.GetEnvDuration("COMPACTION_INTERVAL", 10*time.Minute))

	// Tenant metadata. Postgres holds API keys and tiers; without it the
	// gateway still resolves header/subdomain identities at the free tier.
	var metadata tenant.MetadataStore
	if dbURL := config.GetEnv("DATABASE_URL", ""); dbURL != "" {
		dbConfig := database.DefaultConfig()
		dbConfig.URL = dbURL
		db := database.MustConnect(dbConfig, logger)
		defer db.Close()
		metadata = tenant.NewSQLStore(db)
	} else {
		logger.Warn("DATABASE_URL not set; API key resolution disabled")
		metadata = tenant.NewMemoryStore()
	}
	resolver := tenant.NewResolver(tenant.LoadResolverConfig(), metadata, logger)

	// Setup monitoring
	healthChecker := monitoring.NewHealthChecker("gatekeeper", version.Version)
	metricsCollector := monitoring.NewMetricsCollector("gatekeeper", version.Version, version.GitCommit)

	healthChecker.AddCheck("redis", monitoring.RedisHealthCheck(redisClient))
	if publisher != nil {
		healthChecker.AddCheck("kafka", monitoring.KafkaProducerHealthCheck(publisher.Client()))
	}
	healthChecker.AddCheck("config", monitoring.ConfigurationHealthCheck(map[string]string{
		"QUOTA_FAIL_MODE": string(failMode),
		"SERVICE_TOKEN":   config.GetEnv("SERVICE_TOKEN", ""),
	}))

	decisions, anomalies, blacklistGauge := metricsCollector.CreateAdmissionMetrics()

	// Admission pipeline
	jwtSecret := []byte(config.GetEnv("JWT_SECRET", ""))
	mw := admission.New(admission.LoadConfig(), resolver, ledger, engine,
		admission.JWTStepUpVerifier(jwtSecret), logger).
		WithMetrics(decisions, anomalies)

	// Initialize handlers
	handlers.Init(handlers.Deps{
		Logger:         logger,
		Ledger:         ledger,
		Engine:         engine,
		Resolver:       resolver,
		Metadata:       metadata,
		BlacklistGauge: blacklistGauge,
	})

	// Setup router with unified monitoring
	router := server.SetupServiceRouter(logger, "gatekeeper", healthChecker, metricsCollector)

	// Tenant-facing routes behind the full admission pipeline
	protected := router.Group("/api")
	protected.Use(mw.Admit())
	{
		protected.GET("/usage", handlers.GetUsage)
	}

	// Everything else that clears admission is forwarded downstream.
	// Login-sensitive paths additionally pass the anomaly gate.
	sensitivePaths := config.GetEnvSlice("LOGIN_SENSITIVE_PATHS", []string{"/api/auth/", "/api/login"})
	forward := handlers.NoDownstream
	if downstreamURL := config.GetEnv("DOWNSTREAM_URL", ""); downstreamURL != "" {
		forward, err = handlers.NewProxy(downstreamURL, logger)
		if err != nil {
			logger.WithError(err).Fatal("Invalid downstream URL")
		}
	} else {
		logger.Warn("DOWNSTREAM_URL not set; unmatched admitted traffic gets 404")
	}
	router.NoRoute(mw.Admit(), mw.LoginGateFor(sensitivePaths), forward)

	// Operator routes (require service token authentication)
	admin := router.Group("/admin")
	admin.Use(auth.ServiceAuthMiddleware(config.GetEnv("SERVICE_TOKEN", "default-service-token")))
	{
		admin.POST("/blacklist", handlers.AddBlacklistEntry)
		admin.DELETE("/blacklist/:ip", handlers.RemoveBlacklistEntry)
		admin.GET("/blacklist", handlers.ListBlacklistEntries)
		admin.PUT("/tenants/:id/tier", handlers.UpdateTenantTier)
		admin.PUT("/tenants/:id/storage", handlers.ReportTenantStorage)
		admin.POST("/login-events", handlers.RecordLoginEvent)
	}

	// Start server with graceful shutdown
	serverConfig := server.DefaultConfig("gatekeeper", "18010")
	if err := server.Start(serverConfig, router, logger); err != nil {
		logger.WithError(err).Fatal("Server startup failed")
	}
}
