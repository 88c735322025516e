package application

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/oness24/vulnzero-engine-sub002/internal/domain"
)

// RollbackController implements [domain.RollbackService]: it executes
// the patch's compensating script on each affected asset through the
// same resilience-wrapped gateway used for apply. Rollback is best
// effort and idempotent per asset; failure on one asset never blocks
// rollback of the others.
type RollbackController struct {
	Deployments domain.DeploymentRepository
	Records     domain.AssetRecordRepository
	Patches     domain.PatchSource
	Gateway     domain.AssetGateway
	Caller      domain.ResilientCaller
	Logger      *zerolog.Logger
	Now         func() time.Time
}

func (c *RollbackController) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c *RollbackController) log() *zerolog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return &nopLogger
}

// RollBack compensates the given assets in order. Assets whose rollback
// script fails are marked rollback_failed and surfaced for manual
// intervention; the pass continues regardless.
func (c *RollbackController) RollBack(ctx context.Context, deploymentID domain.DeploymentID, assets []domain.AssetID) (domain.RollbackReport, error) {
	dep, err := c.Deployments.Get(ctx, deploymentID)
	if err != nil {
		return domain.RollbackReport{}, fmt.Errorf("load deployment %s: %w", deploymentID, err)
	}
	patch, err := c.Patches.Get(ctx, dep.PatchID)
	if err != nil {
		return domain.RollbackReport{}, fmt.Errorf("resolve patch %s: %w", dep.PatchID, err)
	}

	var report domain.RollbackReport
	for _, asset := range assets {
		rbErr := c.Caller.Do(ctx, "asset/"+string(asset), func(callCtx context.Context) error {
			return c.Gateway.Rollback(callCtx, asset, patch.RollbackScript)
		})

		rec := domain.AssetRecord{
			DeploymentID: deploymentID,
			AssetID:      asset,
			UpdatedAt:    c.now(),
		}
		if rbErr == nil {
			rec.Outcome = domain.AssetOutcomeRolledBack
			report.RolledBack = append(report.RolledBack, asset)
		} else {
			rec.Outcome = domain.AssetOutcomeRollbackFailed
			rec.ErrorDetail = rbErr.Error()
			report.Failed = append(report.Failed, asset)
			c.log().Error().
				Str("deployment", string(deploymentID)).
				Str("asset", string(asset)).
				Err(rbErr).
				Msg("rollback failed, flagging for manual intervention")
		}
		if putErr := c.Records.Put(context.WithoutCancel(ctx), rec); putErr != nil {
			c.log().Error().
				Str("deployment", string(deploymentID)).
				Str("asset", string(asset)).
				Err(putErr).
				Msg("failed to persist rollback record")
		}
	}
	return report, nil
}
