package domain

import "time"

// Phase is one step of a rollout plan: the asset subset it touches and
// the monitoring window that gates advancing past it.
type Phase struct {
	Index         int           `json:"index"`
	Label         string        `json:"label"`
	AssetIDs      []AssetID     `json:"asset_ids"`
	MonitorWindow time.Duration `json:"monitor_window"`
	// Cutover marks the blue-green routing switch. A cutover phase
	// applies nothing; it atomically flips traffic to the already
	// validated set.
	Cutover bool `json:"cutover,omitempty"`
}

// RolloutStrategy computes the ordered phase plan for a deployment.
// Phases execute strictly sequentially; within a phase per-asset applies
// run concurrently, bounded by the bulkhead.
type RolloutStrategy interface {
	Plan(assets []AssetID, params StrategyParams) ([]Phase, error)
}
