package domain

import "fmt"

// CanaryStrategy applies to growing percentage subsets of the fleet,
// each held for the monitoring duration. An unhealthy sample anywhere in
// the current subset aborts the rollout and rolls back only the assets
// touched so far; the untouched remainder stays pending.
type CanaryStrategy struct{}

func (s *CanaryStrategy) Plan(assets []AssetID, params StrategyParams) ([]Phase, error) {
	steps := params.CanarySteps
	if len(steps) == 0 {
		steps = DefaultCanarySteps
	}

	var phases []Phase
	covered := 0
	for _, pct := range steps {
		// Cumulative cut: each step covers pct% of the fleet, rounded
		// up so a small fleet still exercises every step.
		upto := (len(assets)*pct + 99) / 100
		if upto > len(assets) {
			upto = len(assets)
		}
		if upto <= covered {
			continue
		}
		subset := make([]AssetID, upto-covered)
		copy(subset, assets[covered:upto])
		phases = append(phases, Phase{
			Index:         len(phases),
			Label:         fmt.Sprintf("canary %d%%", pct),
			AssetIDs:      subset,
			MonitorWindow: params.MonitoringDuration,
		})
		covered = upto
	}
	return phases, nil
}
