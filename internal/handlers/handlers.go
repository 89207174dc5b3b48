package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/card-grader/internal/auth"
	"github.com/example/card-grader/internal/logging"
	"github.com/example/card-grader/internal/repository"
	"github.com/example/card-grader/internal/usecase"
)

// MaxUploadSize is the default request body limit.
const MaxUploadSize = 10 << 20

// Relay paths. Both accept the same body and behave identically.
const (
	NetlifyGradePath = "/.netlify/functions/cardGrader"
	GradePath        = "/api/grade"
)

// GradingService is the subset of the use case the handlers depend on.
type GradingService interface {
	Forward(ctx context.Context, body []byte) (*usecase.ForwardResult, error)
	GetResult(ctx context.Context, requestID string) (*repository.GradingLog, error)
	GetMetricsSummary(ctx context.Context) (*usecase.MetricsSummary, error)
	HistoryEnabled() bool
	Ready() bool
}

// Options tunes the relay routes.
type Options struct {
	MaxUploadBytes int64
	Logger         *zap.Logger
}

// RegisterRoutes wires the HTTP handlers to the Gin router. History routes
// are only registered when the service persists results.
func RegisterRoutes(router *gin.Engine, uc GradingService, authMiddleware gin.HandlerFunc, opts Options) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	maxBytes := opts.MaxUploadBytes
	if maxBytes <= 0 {
		maxBytes = MaxUploadSize
	}

	router.GET("/health", func(c *gin.Context) {
		status := "ok"
		if !uc.Ready() {
			status = "missing_api_key"
		}
		c.JSON(http.StatusOK, gin.H{"status": status, "history": uc.HistoryEnabled()})
	})

	logger = logger.Named("handlers")
	grade := gradeHandler(uc, maxBytes, logger)
	router.POST(NetlifyGradePath, grade)
	router.POST(GradePath, grade)

	if !uc.HistoryEnabled() {
		return
	}

	secured := router.Group("/api")
	if authMiddleware != nil {
		secured.Use(authMiddleware)
	}

	secured.GET("/results/:id", func(c *gin.Context) {
		requestID := c.Param("id")
		if requestID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "id is required"})
			return
		}

		op, _ := auth.OperatorFrom(c.Request.Context())
		logger.Info("history lookup", zap.String("subject", op.Subject), zap.String("request_id", requestID))

		log, err := uc.GetResult(c.Request.Context(), requestID)
		if errors.Is(err, usecase.ErrResultNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "result not found"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load result"})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"request_id":              log.RequestID,
			"upstream_status":         log.UpstreamStatus,
			"upstream_request_id":     log.UpstreamRequestID,
			"final_grade":             log.FinalGrade,
			"condition":               log.Condition,
			"processing_time_seconds": log.ProcessingTimeSeconds,
			"body_sha1":               log.BodySHA1,
			"cached":                  log.Cached,
			"created_at":              log.CreatedAt,
		})
	})

	secured.GET("/metrics/summary", func(c *gin.Context) {
		summary, err := uc.GetMetricsSummary(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load metrics"})
			return
		}
		c.JSON(http.StatusOK, summary)
	})
}

func gradeHandler(uc GradingService, maxBytes int64, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "request body too large"})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
			return
		}

		result, err := uc.Forward(c.Request.Context(), body)
		if result != nil && result.RequestID != "" {
			c.Header("X-Request-ID", result.RequestID)
		}
		if err != nil {
			writeForwardError(c, err, logger)
			return
		}

		if result.Cached {
			c.Header("X-Cache", "HIT")
		}
		contentType := result.ContentType
		if contentType == "" {
			contentType = "application/json"
		}
		c.Data(result.StatusCode, contentType, result.Body)
	}
}

func writeForwardError(c *gin.Context, err error, logger *zap.Logger) {
	if errors.Is(err, usecase.ErrMissingAPIKey) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Missing API key"})
		return
	}

	details := err.Error()
	var fwdErr *usecase.ForwardError
	if errors.As(err, &fwdErr) {
		details = fwdErr.Details()
	}
	logger.Error("relay request failed", zap.Error(err), zap.String("operation", logging.OperationOf(err)))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "Request failed", "details": details})
}
