package usecase

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/card-grader/internal/grading"
	"github.com/example/card-grader/internal/logging"
	"github.com/example/card-grader/internal/repository"
	"github.com/example/card-grader/internal/retry"
	"github.com/example/card-grader/internal/upstream"
)

var (
	// ErrMissingAPIKey is returned when the relay has no credential to inject.
	ErrMissingAPIKey = errors.New("missing API key")
	// ErrHistoryDisabled is returned by history reads when no database is configured.
	ErrHistoryDisabled = errors.New("grading history is disabled")
	// ErrResultNotFound is returned when no history entry matches a request id.
	ErrResultNotFound = errors.New("grading result not found")
)

// ForwardError reports a transport failure talking to the grading service.
type ForwardError struct {
	Err error
}

func (e *ForwardError) Error() string {
	return fmt.Sprintf("forward to grading service: %v", e.Err)
}

func (e *ForwardError) Unwrap() error { return e.Err }

// Details is the message relayed to the client, without operation metadata.
func (e *ForwardError) Details() string {
	err := e.Err
	var opErr *logging.OperationError
	for errors.As(err, &opErr) {
		err = opErr.Err
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

// GradingRepository defines the persistence operations needed by the use case.
type GradingRepository interface {
	SaveLog(ctx context.Context, log *repository.GradingLog) error
	FindByRequestID(ctx context.Context, requestID string) (*repository.GradingLog, error)
	AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error)
}

// Forwarder sends request bodies upstream with the relay's credential.
type Forwarder interface {
	upstream.Forwarder
	HasCredential() bool
}

// ForwardResult is what the relay writes back to its client.
type ForwardResult struct {
	RequestID   string
	StatusCode  int
	ContentType string
	Body        []byte
	Cached      bool
}

// cachedResponse is the Redis value for a relayed upstream answer.
type cachedResponse struct {
	StatusCode  int    `json:"status"`
	ContentType string `json:"content_type,omitempty"`
	Body        []byte `json:"body"`
}

// GradingUseCase encapsulates business logic for the relay flow.
type GradingUseCase struct {
	repo      GradingRepository
	cache     Cache
	forwarder Forwarder
	cacheTTL  time.Duration
	logger    *zap.Logger
	policy    retry.Policy
}

// NewGradingUseCase constructs a new use case instance. repo may be nil to
// disable history; cache may be nil to disable caching.
func NewGradingUseCase(repo GradingRepository, cache Cache, forwarder Forwarder, cacheTTL time.Duration, logger *zap.Logger) *GradingUseCase {
	if cache == nil {
		cache = NoopCache{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GradingUseCase{
		repo:      repo,
		cache:     cache,
		forwarder: forwarder,
		cacheTTL:  cacheTTL,
		logger:    logger.Named("grading_usecase"),
		policy:    retry.DefaultPolicy,
	}
}

// HistoryEnabled reports whether results are persisted.
func (uc *GradingUseCase) HistoryEnabled() bool {
	return uc.repo != nil
}

// Ready reports whether the relay can forward requests.
func (uc *GradingUseCase) Ready() bool {
	return uc.forwarder.HasCredential()
}

// Forward relays a grading request body. Upstream non-2xx answers are
// returned as results, not errors.
func (uc *GradingUseCase) Forward(ctx context.Context, body []byte) (*ForwardResult, error) {
	requestID := uuid.NewString()
	opLogger := logging.WithOperation(uc.logger, "usecase.forward", requestID)

	if !uc.forwarder.HasCredential() {
		opLogger.Error("relay credential is not configured")
		return &ForwardResult{RequestID: requestID}, ErrMissingAPIKey
	}

	hash := sha1.Sum(body)
	bodyHash := hex.EncodeToString(hash[:])
	cacheKey := fmt.Sprintf("grading:response:%s", bodyHash)

	if cached, err := uc.cacheGet(ctx, requestID, cacheKey); err == nil {
		opLogger.Info("serving cached grading response", zap.String("body_sha1", bodyHash), zap.Int("status", cached.StatusCode))
		result := &ForwardResult{
			RequestID:   requestID,
			StatusCode:  cached.StatusCode,
			ContentType: cached.ContentType,
			Body:        cached.Body,
			Cached:      true,
		}
		uc.record(ctx, result, bodyHash)
		return result, nil
	} else if !errors.Is(err, redis.Nil) {
		opLogger.Warn("failed to read cache", zap.Error(err))
	}

	res, err := uc.forwarder.Forward(ctx, requestID, body)
	if err != nil {
		return &ForwardResult{RequestID: requestID}, &ForwardError{Err: err}
	}

	result := &ForwardResult{
		RequestID:   requestID,
		StatusCode:  res.StatusCode,
		ContentType: res.ContentType,
		Body:        res.Body,
	}

	if res.StatusCode >= 200 && res.StatusCode < 300 && uc.cacheTTL > 0 {
		uc.cacheSet(ctx, requestID, cacheKey, res)
	}

	uc.record(ctx, result, bodyHash)
	return result, nil
}

// GetResult loads the history entry for a relay request id.
func (uc *GradingUseCase) GetResult(ctx context.Context, requestID string) (*repository.GradingLog, error) {
	if uc.repo == nil {
		return nil, ErrHistoryDisabled
	}
	log, err := uc.repo.FindByRequestID(ctx, requestID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrResultNotFound
	}
	if err != nil {
		return nil, err
	}
	return log, nil
}

// record writes a history entry. Failures are logged and otherwise ignored.
func (uc *GradingUseCase) record(ctx context.Context, result *ForwardResult, bodyHash string) {
	if uc.repo == nil {
		return
	}
	summary := grading.Summary{}
	if result.StatusCode >= 200 && result.StatusCode < 300 {
		summary = grading.Summarize(result.Body)
	}
	entry := &repository.GradingLog{
		RequestID:             result.RequestID,
		UpstreamStatus:        result.StatusCode,
		UpstreamRequestID:     summary.RequestID,
		FinalGrade:            summary.FinalGrade,
		Condition:             summary.Condition,
		ProcessingTimeSeconds: summary.ProcessingTimeSeconds,
		BodySHA1:              bodyHash,
		Cached:                result.Cached,
		CreatedAt:             time.Now().UTC(),
	}
	if err := uc.repo.SaveLog(ctx, entry); err != nil {
		wrapped := logging.NewOperationError("usecase.save_log", result.RequestID, err)
		logging.WithOperation(uc.logger, "usecase.forward", result.RequestID).Error("failed to persist grading log", zap.Error(wrapped))
	}
}

func (uc *GradingUseCase) cacheSet(ctx context.Context, requestID, cacheKey string, res *upstream.Result) {
	value, err := json.Marshal(cachedResponse{StatusCode: res.StatusCode, ContentType: res.ContentType, Body: res.Body})
	if err == nil {
		err = retry.Do(ctx, uc.policy, uc.logger, "cache.set.response", requestID, func() error {
			return uc.cache.Set(ctx, cacheKey, string(value), uc.cacheTTL)
		})
	}
	if err != nil {
		logging.WithOperation(uc.logger, "usecase.forward", requestID).Warn("failed to cache grading response", zap.Error(err))
	}
}

// cacheGet returns redis.Nil on a miss. Entries that do not decode count
// as misses.
func (uc *GradingUseCase) cacheGet(ctx context.Context, requestID, cacheKey string) (*cachedResponse, error) {
	var value string
	miss := false
	err := retry.Do(ctx, uc.policy, uc.logger, "cache.get.response", requestID, func() error {
		v, err := uc.cache.Get(ctx, cacheKey)
		if errors.Is(err, redis.Nil) {
			miss = true
			return nil
		}
		if err != nil {
			return err
		}
		value = v
		return nil
	})
	if err != nil {
		return nil, err
	}
	if miss {
		return nil, redis.Nil
	}
	var cached cachedResponse
	if err := json.Unmarshal([]byte(value), &cached); err != nil || cached.StatusCode == 0 {
		logging.WithOperation(uc.logger, "usecase.forward", requestID).Warn("ignoring unreadable cache entry", zap.String("key", cacheKey), zap.Error(err))
		return nil, redis.Nil
	}
	return &cached, nil
}
