package domain

import "time"

// DeploymentStatus indicates the lifecycle state of a deployment.
type DeploymentStatus string

const (
	DeploymentPending    DeploymentStatus = "PENDING"
	DeploymentInProgress DeploymentStatus = "IN_PROGRESS"
	DeploymentSucceeded  DeploymentStatus = "SUCCEEDED"
	DeploymentFailed     DeploymentStatus = "FAILED"
	DeploymentRolledBack DeploymentStatus = "ROLLED_BACK"
)

// Terminal reports whether the status admits no further transitions.
func (s DeploymentStatus) Terminal() bool {
	switch s {
	case DeploymentSucceeded, DeploymentFailed, DeploymentRolledBack:
		return true
	}
	return false
}

// DeploymentID identifies a single patch rollout.
type DeploymentID string

// AssetID identifies one managed asset in the fleet.
type AssetID string

// Deployment is one rollout of a patch across an ordered set of assets.
// Exactly one phase is active at a time; once the status is terminal no
// field but audit metadata may change, and a rolled-back deployment can
// never return to IN_PROGRESS.
type Deployment struct {
	ID                DeploymentID
	PatchID           PatchID
	Strategy          StrategySpec
	AssetIDs          []AssetID
	Status            DeploymentStatus
	CurrentPhase      int
	RollbackRequested bool
	RollbackReason    string
	TrafficSwitched   bool // blue-green: routing cut over to the new set
	CreatedAt         time.Time
	UpdatedAt         time.Time
	CompletedAt       *time.Time
}
