package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/belaudiobooks/royalties_backend/config"
	"github.com/belaudiobooks/royalties_backend/jobs"
	"github.com/belaudiobooks/royalties_backend/models"
	"github.com/belaudiobooks/royalties_backend/models/reports"
	"github.com/belaudiobooks/royalties_backend/services"
	"github.com/belaudiobooks/royalties_backend/utils"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/go-co-op/gocron"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const defaultPort = "8080"

func main() {
	port := os.Getenv("PORT")
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
	corsConfig.AddAllowMethods("GET", "OPTIONS")
	corsConfig.AddAllowHeaders("Origin", "Content-Type", "Authorization")
	corsConfig.AddExposeHeaders("Content-Length")

	r.Use(cors.New(corsConfig))
	r.Use(requestLogger(logger))
	r.Use(gin.Recovery())

	r.GET("/partners/job/sync_sales_reports", syncSalesReportsHandler())
	r.GET("/partners/:partner_id/sales", partnerSalesHandler())

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

	scheduler := startSyncScheduler(logger)
	if scheduler != nil {
		defer scheduler.Stop()
	}

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

// syncSalesReportsHandler triggers a full replace of the sale records from
// the configured Drive folder. Responses are plain text so the endpoint is
// usable from a browser or curl by an operator.
func syncSalesReportsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		folderId := os.Getenv("GOOGLE_DRIVE_FOLDER_ID")
		if folderId == "" {
			c.String(http.StatusInternalServerError, "Missing GOOGLE_DRIVE_FOLDER_ID environment variable")
			return
		}

		var sampleLimit *int
		if raw := c.Query("samples"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				c.String(http.StatusBadRequest, "Invalid samples parameter: %s", raw)
				return
			}
			sampleLimit = &n
		}

		ctx := c.Request.Context()
		source, err := services.NewGoogleDriveFetcher(ctx, folderId)
		if err != nil {
			config.LogError(config.GetLogger(), "server", "syncSalesReportsHandler", "creating drive fetcher", nil, err)
			c.String(http.StatusInternalServerError, "Sync failed: %s", err.Error())
			return
		}

		summary, err := jobs.SyncSalesReports(ctx, source, sampleLimit)
		if errors.Is(err, jobs.ErrSyncAlreadyRunning) {
			c.String(http.StatusConflict, "Sync failed: %s", err.Error())
			return
		}
		if err != nil {
			c.String(http.StatusInternalServerError, "Sync failed: %s", err.Error())
			return
		}
		if summary.FilesProcessed == 0 {
			c.String(http.StatusOK, "No xlsx files found in Google Drive folder.")
			return
		}
		c.String(http.StatusOK, "Sync complete. Processed %d file(s), saved %d row(s).", summary.FilesProcessed, summary.RowsSaved)
	}
}

func partnerSalesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		partnerId, err := strconv.Atoi(c.Param("partner_id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid partner id"})
			return
		}
		granularity, err := reports.ParseGranularity(c.Query("granularity"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		report, err := reports.GetPartnerSalesReport(c.Request.Context(), partnerId, granularity)
		if err != nil {
			if errors.Is(err, utils.ErrorRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "partner not found"})
				return
			}
			config.LogError(config.GetLogger(), "server", "partnerSalesHandler", "building partner sales report", partnerId, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "could not build report"})
			return
		}
		c.JSON(http.StatusOK, report)
	}
}

// startSyncScheduler runs the sync on a cron schedule when SYNC_CRON is set
// (standard 5-field cron expression, UTC). Returns nil when disabled.
func startSyncScheduler(logger *logrus.Logger) *gocron.Scheduler {
	cronExpr := strings.TrimSpace(os.Getenv("SYNC_CRON"))
	if cronExpr == "" {
		return nil
	}
	folderId := os.Getenv("GOOGLE_DRIVE_FOLDER_ID")
	if folderId == "" {
		logger.WithFields(logrus.Fields{"field": "scheduler"}).Warn("SYNC_CRON set but GOOGLE_DRIVE_FOLDER_ID missing; scheduler disabled")
		return nil
	}

	scheduler := gocron.NewScheduler(time.UTC)
	_, err := scheduler.Cron(cronExpr).Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
		defer cancel()

		source, err := services.NewGoogleDriveFetcher(ctx, folderId)
		if err != nil {
			config.LogError(logger, "server", "startSyncScheduler", "creating drive fetcher", nil, err)
			return
		}
		summary, err := jobs.SyncSalesReports(ctx, source, nil)
		if err != nil {
			config.LogError(logger, "server", "startSyncScheduler", "scheduled sync", nil, err)
			return
		}
		logger.WithFields(logrus.Fields{
			"field": "scheduler",
			"files": summary.FilesProcessed,
			"rows":  summary.RowsSaved,
		}).Info("scheduled sync completed")
	})
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "scheduler"}).Error(fmt.Errorf("invalid SYNC_CRON '%s': %w", cronExpr, err))
		return nil
	}
	scheduler.StartAsync()
	logger.WithFields(logrus.Fields{"field": "scheduler", "cron": cronExpr}).Info("sync scheduler started")
	return scheduler
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
