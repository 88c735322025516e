package domain

import "time"

// AssetOutcome indicates the per-asset result for a single deployment.
type AssetOutcome string

const (
	AssetOutcomePending        AssetOutcome = "pending"
	AssetOutcomeApplied        AssetOutcome = "applied"
	AssetOutcomeFailed         AssetOutcome = "failed"
	AssetOutcomeRolledBack     AssetOutcome = "rolled_back"
	AssetOutcomeRollbackFailed AssetOutcome = "rollback_failed"
)

// AssetRecord captures what happened to one asset within one deployment.
// Once the outcome is rolled_back or failed the record is immutable except
// for a later, isolated rollback attempt.
type AssetRecord struct {
	DeploymentID DeploymentID
	AssetID      AssetID
	Outcome      AssetOutcome
	// NeedsReconcile marks an operation abandoned mid-flight by a
	// terminate; the real outcome on the asset is unknown until an
	// operator audits it.
	NeedsReconcile bool
	LastSample     *HealthSample
	ErrorDetail    string
	UpdatedAt      time.Time
}
