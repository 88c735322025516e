package domain

import "context"

// RollbackReport is the outcome of a compensating pass over a set of
// assets. Failed assets are flagged rollback_failed for manual
// intervention; they never block rollback of the others.
type RollbackReport struct {
	RolledBack []AssetID `json:"rolled_back"`
	Failed     []AssetID `json:"failed"`
}

// RollbackService executes the patch's compensating script on each
// affected asset, best effort and per-asset isolated, through the same
// resilience-wrapped gateway used for apply.
type RollbackService interface {
	RollBack(ctx context.Context, deploymentID DeploymentID, assets []AssetID) (RollbackReport, error)
}
