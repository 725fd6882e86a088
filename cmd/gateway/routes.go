package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"

	"canopy-ledger/config"
	"canopy-ledger/internal/database"
	"canopy-ledger/internal/gateway/clients"
	"canopy-ledger/internal/gateway/handlers"
	"canopy-ledger/internal/gateway/middleware"
	"canopy-ledger/internal/services/earnings/commission"
	"canopy-ledger/internal/services/earnings/directory"
	"canopy-ledger/internal/services/earnings/handler"
	"canopy-ledger/internal/services/earnings/ledger"
	"canopy-ledger/internal/services/earnings/payout"
	"canopy-ledger/internal/services/earnings/settlement"
	"canopy-ledger/internal/utils"
)

func main() {
	cfg := config.LoadConfig()
	utils.SetSecret(cfg.Auth.JWTSecret)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	db, err := database.NewConnection(cfg.DB.ConnectionString())
	if err != nil {
		log.Fatalf("Failed to connect to db: %v", err)
	}

	redisClient := config.NewRedis(cfg.Redis)
	defer redisClient.Close()

	policy, err := commission.PolicyFromStrings(
		cfg.Earnings.DispensaryRate,
		cfg.Earnings.CreatorRate,
		cfg.Earnings.VideoBonusRate,
		cfg.Earnings.TribeBonusRate,
		cfg.Earnings.MinimumPayout,
	)
	if err != nil {
		log.Fatalf("Invalid commission policy: %v", err)
	}

	classes, err := commission.ParseClasses(cfg.Jobs.SweepClasses)
	if err != nil {
		log.Fatalf("Invalid sweep classes: %v", err)
	}

	store := ledger.NewGormStore(db)
	stats := handler.NewStatsHandler(store, redisClient, cfg.Earnings.StatsCacheTTL, logger)
	earningsLedger := ledger.New(ledger.Dependencies{
		Store:       store,
		Logger:      logger,
		AfterCommit: stats.InvalidateEarnerCaches,
	})
	dir := directory.NewGormDirectory(db)
	users := directory.NewCachedUsers(dir, redisClient, 10*time.Minute, logger)
	payouts := payout.NewService(payout.Dependencies{
		Ledger:       earningsLedger,
		Policy:       policy,
		Users:        users,
		Dispensaries: dir,
		Logger:       logger,
		RailTimeout:  cfg.Earnings.SettlementTimeout,
	})
	jobs := settlement.NewJobs(settlement.Dependencies{
		Ledger:       earningsLedger,
		Policy:       policy,
		Checkpoint:   settlement.NewRedisCheckpoint(redisClient, 30*24*time.Hour),
		Logger:       logger,
		BatchSize:    cfg.Jobs.BatchSize,
		SweepClasses: classes,
	})

	grpcClients, err := clients.NewGRPCClients(cfg.Server.WorkerAddr)
	if err != nil {
		log.Printf("Warning: earnings worker may be unavailable: %v", err)
	}
	defer grpcClients.Close()

	rateLimit, err := middleware.RateLimit(cfg.Server.RateLimit)
	if err != nil {
		log.Fatalf("Invalid rate limit: %v", err)
	}

	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())

	protected := r.Group("/api/v1")
	protected.Use(middleware.JWTAuth(), rateLimit)
	var events handlers.OrderEventPublisher
	if grpcClients != nil {
		events = grpcClients.OrderEvents
	}
	handlers.NewEarningsHTTPHandler(earningsLedger, payouts, stats, jobs, events, logger).Register(protected)

	r.GET("/health", healthCheckHandler(store))
	r.GET("/health/detailed", detailedHealthCheckHandler(store, grpcClients))

	port := ":" + cfg.Server.HTTPPort
	log.Printf("Starting earnings gateway on port %s", port)
	if err := r.Run(port); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

func healthCheckHandler(store ledger.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		status := "healthy"
		httpStatus := http.StatusOK
		if err := store.Ping(ctx); err != nil {
			status = "unhealthy"
			httpStatus = http.StatusServiceUnavailable
		}
		c.JSON(httpStatus, gin.H{
			"status":    status,
			"message":   "Server is running",
			"timestamp": time.Now(),
		})
	}
}

func detailedHealthCheckHandler(store ledger.Store, grpcClients *clients.GRPCClients) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()

		services := map[string]interface{}{
			"database": checkServiceHealth(store.Ping(ctx), "SERVING"),
		}
		workerStatus, err := grpcClients.WorkerStatus(ctx)
		services["earnings_worker"] = checkServiceHealth(err, workerStatus)

		overallStatus := "healthy"
		for _, service := range services {
			if serviceMap, ok := service.(map[string]interface{}); ok {
				if serviceMap["status"] != "healthy" {
					overallStatus = "degraded"
				}
			}
		}

		c.JSON(http.StatusOK, gin.H{
			"overall_status": overallStatus,
			"services":       services,
			"timestamp":      time.Now(),
		})
	}
}

func checkServiceHealth(err error, servingStatus string) map[string]interface{} {
	if err != nil {
		return map[string]interface{}{
			"status":  "unavailable",
			"message": err.Error(),
		}
	}
	if servingStatus != "SERVING" {
		return map[string]interface{}{
			"status":  "degraded",
			"message": "Service reports " + servingStatus,
		}
	}
	return map[string]interface{}{
		"status":  "healthy",
		"message": "Service is responding",
	}
}
