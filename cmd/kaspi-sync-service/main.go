package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"bitbucket.org/mmdatafocus/kaspi_backend/config"
	"bitbucket.org/mmdatafocus/kaspi_backend/kaspifeed"
	"bitbucket.org/mmdatafocus/kaspi_backend/middlewares"
	"bitbucket.org/mmdatafocus/kaspi_backend/models"
	"bitbucket.org/mmdatafocus/kaspi_backend/utils"
	"bitbucket.org/mmdatafocus/kaspi_backend/workflow"
)

const defaultPort = "8080"

// runLockTTL bounds how long a crashed replica can block the others.
const runLockTTL = 15 * time.Minute

func main() {
	port := os.Getenv("KASPI_SYNC_PORT")
	if port == "" {
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// Capacity 1: a manual trigger during a run queues exactly one more.
	runCh := make(chan string, 1)

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
		if config.GetDB() == nil || config.GetRedisDB() == nil {
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
			corsConfig.AllowOrigins = utils.SplitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "OPTIONS")
	corsConfig.AddAllowHeaders("Origin", "Content-Type", "Authorization")
	corsConfig.AddExposeHeaders("Content-Length")
	corsConfig.AllowCredentials = true

	r.Use(cors.New(corsConfig))
	r.Use(customErrorLogger(logger))
	r.Use(gin.Recovery())

	api := r.Group("/api", middlewares.RequireAuth())
	api.POST("/sync/trigger", triggerSyncHandler(logger, runCh))
	api.GET("/sync/runs/latest", latestRunHandler())
	api.GET("/sync/runs/:id", runDetailHandler())

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
	models.InstallLogEventHook(logger)

	feed, err := kaspifeed.NewClientFromEnv(logger)
	if err != nil {
		logger.Fatal("kaspi feed client: " + err.Error())
	}

	if config.PublishRunSummaries() {
		pubsubCtx, cancelPubsub := context.WithTimeout(sigCtx, 30*time.Second)
		if client, err := config.GetClient(pubsubCtx); err != nil {
			logger.Warn("pubsub unavailable; run summaries will not publish: " + err.Error())
		} else if _, err := config.CreateTopicIfNotExists(client, config.RunSummaryTopic()); err != nil {
			logger.Warn("could not ensure run summary topic: " + err.Error())
		}
		cancelPubsub()
	}

	rec := workflow.NewReconciler(db, workflow.WithRetry(feed, logger, workflow.DefaultRetryPolicy()), logger)
	rec.Limit = intFromEnv("CONCURRENT_ORDER_LIMIT", workflow.DefaultConcurrentOrderLimit)

	go schedulerLoop(sigCtx, logger, rec, runCh)

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

// schedulerLoop starts a reconciliation run on every tick and on every
// manual trigger. Runs never overlap within a replica because the loop is
// single-threaded; across replicas the redis run lock decides.
func schedulerLoop(ctx context.Context, logger *logrus.Logger, rec *workflow.Reconciler, runCh chan string) {
	var tickCh <-chan time.Time
	if config.SyncSchedulerDisabled() {
		logger.Warn("sync scheduler disabled; runs start only on manual trigger")
	} else {
		interval := time.Duration(intFromEnv("SYNC_INTERVAL_SECONDS", 600)) * time.Second
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tickCh = ticker.C
	}

	for {
		var triggeredBy string
		select {
		case <-ctx.Done():
			return
		case triggeredBy = <-runCh:
		case <-tickCh:
			triggeredBy = models.SyncTriggeredSchedule
		}
		runSync(ctx, logger, rec, triggeredBy)
	}
}

func runSync(ctx context.Context, logger *logrus.Logger, rec *workflow.Reconciler, triggeredBy string) {
	release, err := workflow.ObtainRunLock(ctx, logger, runLockTTL)
	if err != nil {
		logger.WithFields(logrus.Fields{"triggered_by": triggeredBy}).Warn("another replica holds the run lock; skipping")
		return
	}
	defer release()

	if _, err := rec.RunOnce(ctx, triggeredBy); err != nil {
		config.LogError(logger, "kaspi-sync-service", "runSync", "sync run aborted", triggeredBy, err)
	}
}

func triggerSyncHandler(logger *logrus.Logger, runCh chan<- string) gin.HandlerFunc {
	return func(c *gin.Context) {
		select {
		case runCh <- models.SyncTriggeredManual:
			if claim := middlewares.CtxValue(c.Request.Context()); claim != nil {
				logger.WithFields(logrus.Fields{"subject": claim.Subject}).Info("manual sync queued")
			}
			c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
		default:
			c.JSON(http.StatusConflict, gin.H{"error": "a sync run is already queued"})
		}
	}
}

func latestRunHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var cached workflow.RunSummary
		if found, err := config.GetRedisObject(workflow.LatestRunCacheKey, &cached); err == nil && found {
			c.JSON(http.StatusOK, cached)
			return
		}

		run, err := models.LatestSyncRun(config.GetDB().WithContext(c.Request.Context()))
		if err != nil {
			if errors.Is(err, utils.ErrorRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "no runs yet"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, mapRunToResponse(run))
	}
}

func runDetailHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		run, err := models.GetSyncRunByKey(config.GetDB().WithContext(c.Request.Context()), c.Param("id"))
		if err != nil {
			if errors.Is(err, utils.ErrorRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, mapRunToResponse(run))
	}
}

type runResponse struct {
	RunKey      string         `json:"run_key"`
	TriggeredBy string         `json:"triggered_by"`
	Status      string         `json:"status"`
	Stats       map[string]int `json:"stats,omitempty"`
	Errors      []string       `json:"errors,omitempty"`
	StartedAt   *string        `json:"started_at,omitempty"`
	FinishedAt  *string        `json:"finished_at,omitempty"`
	DurationMs  int64          `json:"duration_ms"`
}

func mapRunToResponse(run *models.SyncRun) runResponse {
	resp := runResponse{
		RunKey:      run.RunKey,
		TriggeredBy: run.TriggeredBy,
		Status:      run.Status,
		StartedAt:   formatTime(run.StartedAt),
		FinishedAt:  formatTime(run.FinishedAt),
		DurationMs:  run.DurationMs,
	}
	if len(run.StatsJSON) > 0 {
		_ = json.Unmarshal(run.StatsJSON, &resp.Stats)
	}
	if run.ErrorText != "" {
		resp.Errors = strings.Split(run.ErrorText, "; ")
	}
	return resp
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}

func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
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

func intFromEnv(key string, def int) int {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return def
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return def
	}
	return n
}
