package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/mmdatafocus/seller_sync_backend/config"
	"github.com/mmdatafocus/seller_sync_backend/marketsync"
	"github.com/mmdatafocus/seller_sync_backend/models"
	"github.com/mmdatafocus/seller_sync_backend/scheduler"
	"github.com/mmdatafocus/seller_sync_backend/utils"
)

const defaultPort = "8080"

func main() {
	port := os.Getenv("SELLER_SYNC_PORT")
	if port == "" {
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	r := gin.New()
	r.Use(func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), cid))
		c.Next()
	})
	r.Use(func(c *gin.Context) {
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		if config.GetDB() == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	corsConfig := cors.DefaultConfig()
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = splitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PUT", "DELETE", "OPTIONS")
	corsConfig.AddAllowHeaders("token", "Origin", "Content-Type", "Authorization", "x-account-id")
	corsConfig.AddExposeHeaders("Content-Length")
	corsConfig.AllowCredentials = true

	r.Use(cors.New(corsConfig))
	r.Use(func(c *gin.Context) {
		if accountId := strings.TrimSpace(c.GetHeader("x-account-id")); accountId != "" {
			c.Request = c.Request.WithContext(utils.SetAccountIdInContext(c.Request.Context(), accountId))
		}
		c.Next()
	})
	r.Use(requestLogger(logger))
	r.Use(gin.Recovery())

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()

	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		models.MigrateTable()
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	resolver := marketsync.NewCredentialResolver(db)
	api := marketsync.NewMarketplaceClient()
	fetchers := buildFetchers(api, resolver, logger)
	engine := marketsync.NewEngine(marketsync.NewRecordStore(db), logger)
	orchestrator := marketsync.NewOrchestrator(resolver, fetchers, engine, marketsync.NewRunStore(db), logger)

	sched := scheduler.New(scheduler.Options{
		Logger: logger,
		DB:     db,
		Locker: config.GetRedisLock(),
	})
	sched.RegisterFactory("account-sync", marketsync.NewSyncJobFactory(orchestrator))
	mustRegister(logger, sched, marketsync.NewStaleRunSweeper(db), "@every 30m")
	mustRegister(logger, sched, marketsync.NewRunHistoryCleanup(db), "30 3 *")
	sched.Start()
	defer sched.Stop()

	// API endpoints (seller sync)
	r.POST("/api/sync/trigger", marketsync.TriggerSyncHandler(orchestrator))
	r.GET("/api/sync/runs", marketsync.SyncHistoryHandler())
	r.GET("/api/sync/runs/:id", marketsync.SyncRunDetailHandler())
	r.GET("/api/sync/jobs", marketsync.JobListHandler(sched))
	r.POST("/api/sync/jobs", marketsync.UpsertScheduledJobHandler())
	r.GET("/api/sync/jobs/:name/history", marketsync.JobHistoryHandler(sched))
	r.POST("/api/sync/jobs/:name/pause", marketsync.PauseJobHandler(sched))
	r.POST("/api/sync/jobs/:name/resume", marketsync.ResumeJobHandler(sched))
	r.POST("/api/sync/jobs/:name/trigger", marketsync.TriggerJobHandler(sched))

	// Pub/Sub push endpoint for async triggers.
	r.POST("/pubsub/seller-sync", marketsync.PubSubPushHandler(orchestrator))

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
	})

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()

	select {
	case <-sigCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	case err := <-serverErrCh:
		if err != nil && err != http.ErrServerClosed {
			logger.WithFields(logrus.Fields{"field": "server"}).Error(err)
		}
	}
}

// buildFetchers wires one rate-limited fetcher per report source. Each source
// gets its own sliding window so a chatty source cannot starve the others.
func buildFetchers(api marketsync.ReportAPI, resolver marketsync.CredentialResolver, logger *logrus.Logger) []marketsync.SourceFetcher {
	limits := map[marketsync.Source]int{
		marketsync.SourceSales:       config.IntFromEnv("RATE_LIMIT_SALES", 10),
		marketsync.SourceAdvertising: config.IntFromEnv("RATE_LIMIT_ADVERTISING", 5),
		marketsync.SourceInventory:   config.IntFromEnv("RATE_LIMIT_INVENTORY", 10),
	}
	window := config.DurationFromEnv("RATE_LIMIT_WINDOW", time.Minute)

	fetchers := make([]marketsync.SourceFetcher, 0, len(limits))
	for _, source := range marketsync.AllSources() {
		limiter := marketsync.NewSlidingWindowLimiter(limits[source], window)
		fetchers = append(fetchers, marketsync.NewFetcher(source, api, resolver, limiter, logger))
	}
	return fetchers
}

func mustRegister(logger *logrus.Logger, sched *scheduler.Scheduler, job scheduler.Job, spec string) {
	if err := sched.Register(job, spec, scheduler.Scope{}); err != nil {
		logger.WithFields(logrus.Fields{"job": job.Name()}).Fatal(err)
	}
}

func splitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func requestLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)
		cid, _ := utils.GetCorrelationIdFromContext(c.Request.Context())
		logger.WithFields(logrus.Fields{
			"status":         c.Writer.Status(),
			"method":         c.Request.Method,
			"path":           c.Request.URL.Path,
			"latency":        latency.String(),
			"correlation_id": cid,
		}).Info("request")
	}
}
