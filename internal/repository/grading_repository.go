package repository

import (
	"context"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/card-grader/internal/retry"
)

// GradingLog represents one relayed grading request.
type GradingLog struct {
	ID                    uint      `gorm:"primaryKey"`
	RequestID             string    `gorm:"column:request_id;uniqueIndex;size:64"`
	UpstreamStatus        int       `gorm:"column:upstream_status"`
	UpstreamRequestID     string    `gorm:"column:upstream_request_id;size:128"`
	FinalGrade            *float64  `gorm:"column:final_grade"`
	Condition             string    `gorm:"column:card_condition;size:64"`
	ProcessingTimeSeconds float64   `gorm:"column:processing_time_seconds"`
	BodySHA1              string    `gorm:"column:body_sha1;index;size:40"`
	Cached                bool      `gorm:"column:cached"`
	CreatedAt             time.Time `gorm:"column:created_at"`
}

// TableName overrides the default table name.
func (GradingLog) TableName() string {
	return "grading_logs"
}

// MetricsAggregation is the raw roll-up of the history table.
type MetricsAggregation struct {
	TotalCount               int64
	SuccessCount             int64
	CachedCount              int64
	AverageFinalGrade        float64
	AverageProcessingSeconds float64
}

// GradingRepository provides persistence APIs for grading history.
type GradingRepository struct {
	db             *gorm.DB
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewGradingRepository creates a new repository instance.
func NewGradingRepository(db *gorm.DB, logger *zap.Logger) *GradingRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GradingRepository{
		db:             db,
		logger:         logger.Named("grading_repository"),
		retryAttempts:  retry.DefaultPolicy.Attempts,
		initialBackoff: retry.DefaultPolicy.InitialBackoff,
		maxBackoff:     retry.DefaultPolicy.MaxBackoff,
	}
}

// AutoMigrate ensures the schema is available.
func (r *GradingRepository) AutoMigrate(ctx context.Context) error {
	return r.executeWithRetry(ctx, "repository.auto_migrate", "", func() error {
		return r.db.WithContext(ctx).AutoMigrate(&GradingLog{})
	})
}

// SaveLog persists a grading log entry.
func (r *GradingRepository) SaveLog(ctx context.Context, log *GradingLog) error {
	return r.executeWithRetry(ctx, "repository.save_log", log.RequestID, func() error {
		return r.db.WithContext(ctx).Create(log).Error
	})
}

// FindByRequestID retrieves the log for a relay request id.
func (r *GradingRepository) FindByRequestID(ctx context.Context, requestID string) (*GradingLog, error) {
	var log GradingLog
	err := r.executeWithRetry(ctx, "repository.find_by_request_id", requestID, func() error {
		return r.db.WithContext(ctx).First(&log, "request_id = ?", requestID).Error
	})
	if err != nil {
		return nil, err
	}
	return &log, nil
}

// AggregateMetrics rolls up the history table.
func (r *GradingRepository) AggregateMetrics(ctx context.Context) (*MetricsAggregation, error) {
	var agg MetricsAggregation
	err := r.executeWithRetry(ctx, "repository.aggregate_metrics", "", func() error {
		return r.db.WithContext(ctx).
			Model(&GradingLog{}).
			Select(`COUNT(*) AS total_count,
				COALESCE(SUM(CASE WHEN upstream_status BETWEEN 200 AND 299 THEN 1 ELSE 0 END), 0) AS success_count,
				COALESCE(SUM(CASE WHEN cached THEN 1 ELSE 0 END), 0) AS cached_count,
				COALESCE(AVG(final_grade), 0) AS average_final_grade,
				COALESCE(AVG(CASE WHEN upstream_status BETWEEN 200 AND 299 AND NOT cached THEN processing_time_seconds END), 0) AS average_processing_seconds`).
			Scan(&agg).Error
	})
	if err != nil {
		return nil, err
	}
	return &agg, nil
}

func (r *GradingRepository) executeWithRetry(ctx context.Context, operation, requestID string, fn func() error) error {
	policy := retry.Policy{Attempts: r.retryAttempts, InitialBackoff: r.initialBackoff, MaxBackoff: r.maxBackoff}
	return retry.Do(ctx, policy, r.logger, operation, requestID, fn)
}
