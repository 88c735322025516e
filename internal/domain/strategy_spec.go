package domain

import (
	"fmt"
	"time"
)

// StrategyType identifies the kind of rollout strategy.
type StrategyType string

const (
	StrategyRolling   StrategyType = "rolling"
	StrategyBlueGreen StrategyType = "blue_green"
	StrategyCanary    StrategyType = "canary"
)

// StrategyParams carries the strategy-specific tuning knobs supplied at
// submission time. Fields not used by the selected strategy are ignored.
type StrategyParams struct {
	// WaveSize is the number of assets per rolling wave.
	WaveSize int `json:"wave_size,omitempty"`
	// CanarySteps are cumulative fleet percentages, ascending, the last
	// one covering the whole fleet (e.g. 10, 25, 100).
	CanarySteps []int `json:"canary_steps,omitempty"`
	// MonitoringDuration is the post-phase health sampling window.
	MonitoringDuration time.Duration `json:"monitoring_duration,omitempty"`
	// RetentionWindow is how long a blue-green deployment keeps the
	// prior set available as the rollback target after cutover.
	RetentionWindow time.Duration `json:"retention_window,omitempty"`
}

// StrategySpec is the user-provided specification for rollout pacing.
type StrategySpec struct {
	Type   StrategyType   `json:"type"`
	Params StrategyParams `json:"params"`
}

// DefaultCanarySteps is used when a canary submission names no steps.
var DefaultCanarySteps = []int{10, 25, 100}

func (p StrategyParams) validateCanarySteps() error {
	steps := p.CanarySteps
	if len(steps) == 0 {
		return nil
	}
	prev := 0
	for _, s := range steps {
		if s <= prev || s > 100 {
			return fmt.Errorf("%w: canary steps must be ascending percentages in (0,100], got %v", ErrValidation, steps)
		}
		prev = s
	}
	if steps[len(steps)-1] != 100 {
		return fmt.Errorf("%w: last canary step must be 100, got %d", ErrValidation, steps[len(steps)-1])
	}
	return nil
}
