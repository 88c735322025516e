package domain

import (
	"context"
	"time"
)

// Verdict is the health outcome for a phase's asset subset.
type Verdict string

const (
	VerdictHealthy   Verdict = "healthy"
	VerdictDegraded  Verdict = "degraded"
	VerdictUnhealthy Verdict = "unhealthy"
)

// HealthSample is one metric snapshot for a single asset.
type HealthSample struct {
	ErrorRate      float64   `json:"error_rate"`
	LatencyMillis  float64   `json:"latency_millis"`
	CPUUtilization float64   `json:"cpu_utilization"`
	TakenAt        time.Time `json:"taken_at"`
}

// MetricsSource feeds the health evaluator a time series per asset.
type MetricsSource interface {
	Sample(ctx context.Context, asset AssetID) (HealthSample, error)
}

// PhaseHealth is the outcome of one monitoring window: the aggregated
// verdict plus the final sample observed per asset. Assets that were
// unreachable for the whole window have no entry.
type PhaseHealth struct {
	Verdict     Verdict                  `json:"verdict"`
	LastSamples map[AssetID]HealthSample `json:"last_samples,omitempty"`
}

// HealthEvaluator samples per-asset signals across a monitoring window
// and renders a verdict for the phase. Aggregation is conservative: any
// single unhealthy asset marks the whole phase unhealthy, and a window
// that cannot be completed is unhealthy (fail closed).
type HealthEvaluator interface {
	Evaluate(ctx context.Context, assets []AssetID, window time.Duration) (PhaseHealth, error)
}
