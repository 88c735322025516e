// Package health renders per-phase health verdicts from sampled asset
// metrics. The policy is conservative: one unhealthy asset marks the
// whole phase unhealthy, and an inconclusive window fails closed.
package health

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/oness24/vulnzero-engine-sub002/internal/domain"
)

// Thresholds tune the anomaly detection against the rolling baseline.
type Thresholds struct {
	// StdDevs flags a sample deviating from the baseline mean by more
	// than this many standard deviations. Zero means 3.
	StdDevs float64
	// ErrorRateIncrease flags an absolute error-rate increase over the
	// baseline mean beyond this ratio. Zero means 0.05 (five points).
	ErrorRateIncrease float64
	// DegradedFraction of either threshold renders degraded instead of
	// healthy. Zero means 0.5.
	DegradedFraction float64
}

func (t Thresholds) withDefaults() Thresholds {
	if t.StdDevs <= 0 {
		t.StdDevs = 3
	}
	if t.ErrorRateIncrease <= 0 {
		t.ErrorRateIncrease = 0.05
	}
	if t.DegradedFraction <= 0 {
		t.DegradedFraction = 0.5
	}
	return t
}

// Evaluator implements [domain.HealthEvaluator] by sampling a metrics
// source per asset at a fixed cadence across the monitoring window.
type Evaluator struct {
	Source     domain.MetricsSource
	Cadence    time.Duration
	Thresholds Thresholds
	Logger     *zerolog.Logger
}

func (e *Evaluator) cadence() time.Duration {
	if e.Cadence > 0 {
		return e.Cadence
	}
	return 5 * time.Second
}

var nopLogger = zerolog.Nop()

func (e *Evaluator) log() *zerolog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return &nopLogger
}

// Evaluate samples every asset across the window and aggregates the
// worst per-asset verdict. An asset unreachable for the entire window is
// unhealthy, and a window cut short by the context is unhealthy rather
// than blocking indefinitely.
func (e *Evaluator) Evaluate(ctx context.Context, assets []domain.AssetID, window time.Duration) (domain.PhaseHealth, error) {
	if len(assets) == 0 || window <= 0 {
		return domain.PhaseHealth{Verdict: domain.VerdictHealthy}, nil
	}

	windowCtx, cancel := context.WithTimeout(ctx, window)
	defer cancel()

	thresholds := e.Thresholds.withDefaults()

	var (
		mu      sync.Mutex
		worst   = domain.VerdictHealthy
		samples = make(map[domain.AssetID]domain.HealthSample, len(assets))
	)
	var g errgroup.Group
	for _, asset := range assets {
		asset := asset
		g.Go(func() error {
			verdict, last := e.watchAsset(windowCtx, asset, thresholds)
			mu.Lock()
			defer mu.Unlock()
			worst = worseOf(worst, verdict)
			if last != nil {
				samples[asset] = *last
			}
			return nil
		})
	}
	_ = g.Wait()

	if ctx.Err() != nil {
		// The caller's deadline expired before the window completed.
		return domain.PhaseHealth{Verdict: domain.VerdictUnhealthy, LastSamples: samples},
			fmt.Errorf("monitoring window interrupted: %w", ctx.Err())
	}
	return domain.PhaseHealth{Verdict: worst, LastSamples: samples}, nil
}

// watchAsset samples one asset until the window closes, comparing each
// sample against a rolling baseline of the samples seen so far. The
// returned sample is the final one observed, nil if the asset was
// unreachable throughout.
func (e *Evaluator) watchAsset(ctx context.Context, asset domain.AssetID, thresholds Thresholds) (domain.Verdict, *domain.HealthSample) {
	var (
		baseline baselineStats
		verdict  = domain.VerdictHealthy
		last     *domain.HealthSample
	)

	ticker := time.NewTicker(e.cadence())
	defer ticker.Stop()

	for {
		sample, err := e.Source.Sample(ctx, asset)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			e.log().Debug().Str("asset", string(asset)).Err(err).Msg("health sample failed")
		} else {
			last = &sample
			verdict = worseOf(verdict, classify(sample, baseline, thresholds))
			baseline.add(sample)
			if verdict == domain.VerdictUnhealthy {
				return verdict, last
			}
		}

		select {
		case <-ctx.Done():
			goto done
		case <-ticker.C:
		}
	}

done:
	if last == nil {
		// Unreachable throughout the window: fail closed.
		return domain.VerdictUnhealthy, nil
	}
	return verdict, last
}

// classify compares a single sample against the rolling baselines for
// error rate and latency.
func classify(s domain.HealthSample, baseline baselineStats, t Thresholds) domain.Verdict {
	increase := s.ErrorRate - baseline.errorRate.mean
	if baseline.errorRate.n > 0 {
		if increase > t.ErrorRateIncrease {
			return domain.VerdictUnhealthy
		}
		if sd := baseline.errorRate.stdDev(); sd > 0 && increase > t.StdDevs*sd {
			return domain.VerdictUnhealthy
		}
		if sd := baseline.latency.stdDev(); sd > 0 && s.LatencyMillis-baseline.latency.mean > t.StdDevs*sd {
			return domain.VerdictUnhealthy
		}
		if increase > t.DegradedFraction*t.ErrorRateIncrease {
			return domain.VerdictDegraded
		}
	} else if s.ErrorRate > t.ErrorRateIncrease {
		// No baseline yet: an outright elevated error rate on the very
		// first sample is already suspect.
		return domain.VerdictUnhealthy
	}
	return domain.VerdictHealthy
}

// baselineStats keeps one rolling baseline per sampled signal.
type baselineStats struct {
	errorRate rollingStats
	latency   rollingStats
}

func (b *baselineStats) add(s domain.HealthSample) {
	b.errorRate.add(s.ErrorRate)
	b.latency.add(s.LatencyMillis)
}

// rollingStats tracks mean and variance incrementally (Welford).
type rollingStats struct {
	n    int
	mean float64
	m2   float64
}

func (r *rollingStats) add(v float64) {
	r.n++
	delta := v - r.mean
	r.mean += delta / float64(r.n)
	r.m2 += delta * (v - r.mean)
}

func (r *rollingStats) stdDev() float64 {
	if r.n < 2 {
		return 0
	}
	return math.Sqrt(r.m2 / float64(r.n-1))
}

func worseOf(a, b domain.Verdict) domain.Verdict {
	rank := map[domain.Verdict]int{
		domain.VerdictHealthy:   0,
		domain.VerdictDegraded:  1,
		domain.VerdictUnhealthy: 2,
	}
	if rank[b] > rank[a] {
		return b
	}
	return a
}

// GatewaySource adapts the asset gateway's health probe into a
// [domain.MetricsSource] for fleets without an external metrics pipeline.
type GatewaySource struct {
	Gateway domain.AssetGateway
}

func (s *GatewaySource) Sample(ctx context.Context, asset domain.AssetID) (domain.HealthSample, error) {
	return s.Gateway.Probe(ctx, asset)
}
