package usecase

import "context"

// MetricsSummary represents aggregated prediction insights.
type MetricsSummary struct {
	TotalPredictions int64            `json:"total_predictions"`
	ClassCounts      map[string]int64 `json:"class_counts"`
	AverageBestProb  float64          `json:"average_best_prob"`
	AverageLatencyMs float64          `json:"average_latency_ms"`
}

// GetMetricsSummary aggregates prediction metrics from the event store.
func (uc *PredictionUseCase) GetMetricsSummary(ctx context.Context) (*MetricsSummary, error) {
	aggregation, err := uc.repo.AggregateMetrics(ctx)
	if err != nil {
		return nil, err
	}

	counts, err := uc.repo.CountByClass(ctx)
	if err != nil {
		return nil, err
	}

	return &MetricsSummary{
		TotalPredictions: aggregation.TotalCount,
		ClassCounts:      counts,
		AverageBestProb:  aggregation.AverageBestProb,
		AverageLatencyMs: aggregation.AverageLatencyMs,
	}, nil
}
