package usecase

import "context"

// MetricsSummary represents aggregated relay insights.
type MetricsSummary struct {
	TotalRequests            int64   `json:"total_requests"`
	SuccessfulRequests       int64   `json:"successful_requests"`
	CachedResponses          int64   `json:"cached_responses"`
	SuccessRate              float64 `json:"success_rate"`
	CacheHitRate             float64 `json:"cache_hit_rate"`
	AverageFinalGrade        float64 `json:"average_final_grade"`
	AverageProcessingSeconds float64 `json:"average_processing_seconds"`
}

// GetMetricsSummary aggregates grading metrics from persisted logs.
func (uc *GradingUseCase) GetMetricsSummary(ctx context.Context) (*MetricsSummary, error) {
	if uc.repo == nil {
		return nil, ErrHistoryDisabled
	}
	aggregation, err := uc.repo.AggregateMetrics(ctx)
	if err != nil {
		return nil, err
	}

	summary := &MetricsSummary{
		TotalRequests:            aggregation.TotalCount,
		SuccessfulRequests:       aggregation.SuccessCount,
		CachedResponses:          aggregation.CachedCount,
		AverageFinalGrade:        aggregation.AverageFinalGrade,
		AverageProcessingSeconds: aggregation.AverageProcessingSeconds,
	}

	if aggregation.TotalCount > 0 {
		summary.SuccessRate = float64(aggregation.SuccessCount) / float64(aggregation.TotalCount)
		summary.CacheHitRate = float64(aggregation.CachedCount) / float64(aggregation.TotalCount)
	}

	return summary, nil
}
