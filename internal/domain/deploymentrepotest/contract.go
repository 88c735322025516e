// Package deploymentrepotest provides contract tests for
// [domain.DeploymentRepository] implementations.
package deploymentrepotest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/oness24/vulnzero-engine-sub002/internal/domain"
)

// Factory creates a fresh [domain.DeploymentRepository] for each test.
type Factory func(t *testing.T) domain.DeploymentRepository

// Run exercises the [domain.DeploymentRepository] contract.
func Run(t *testing.T, factory Factory) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sampleDeployment := func() domain.Deployment {
		return domain.Deployment{
			ID:      "d1",
			PatchID: "p1",
			Strategy: domain.StrategySpec{
				Type: domain.StrategyRolling,
				Params: domain.StrategyParams{
					WaveSize:           2,
					MonitoringDuration: 30 * time.Second,
				},
			},
			AssetIDs:  []domain.AssetID{"a1", "a2", "a3"},
			Status:    domain.DeploymentPending,
			CreatedAt: now,
			UpdatedAt: now,
		}
	}

	t.Run("CreateAndGet", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()
		d := sampleDeployment()

		if err := repo.Create(ctx, d); err != nil {
			t.Fatalf("Create: %v", err)
		}

		got, err := repo.Get(ctx, "d1")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.PatchID != "p1" {
			t.Errorf("PatchID = %q, want %q", got.PatchID, "p1")
		}
		if got.Strategy.Type != domain.StrategyRolling {
			t.Errorf("Strategy.Type = %q, want %q", got.Strategy.Type, domain.StrategyRolling)
		}
		if got.Strategy.Params.WaveSize != 2 {
			t.Errorf("WaveSize = %d, want 2", got.Strategy.Params.WaveSize)
		}
		if len(got.AssetIDs) != 3 {
			t.Errorf("AssetIDs = %d, want 3", len(got.AssetIDs))
		}
		if got.Status != domain.DeploymentPending {
			t.Errorf("Status = %q, want %q", got.Status, domain.DeploymentPending)
		}
	})

	t.Run("CreateDuplicate", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()
		d := sampleDeployment()
		_ = repo.Create(ctx, d)
		err := repo.Create(ctx, d)
		if !errors.Is(err, domain.ErrAlreadyExists) {
			t.Fatalf("second Create: got %v, want ErrAlreadyExists", err)
		}
	})

	t.Run("GetNotFound", func(t *testing.T) {
		repo := factory(t)
		_, err := repo.Get(context.Background(), "nonexistent")
		if !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("Get: got %v, want ErrNotFound", err)
		}
	})

	t.Run("Update", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()
		d := sampleDeployment()
		_ = repo.Create(ctx, d)

		completed := now.Add(time.Minute)
		d.Status = domain.DeploymentRolledBack
		d.CurrentPhase = 1
		d.RollbackRequested = true
		d.RollbackReason = "wave 2 verdict unhealthy"
		d.CompletedAt = &completed
		if err := repo.Update(ctx, d); err != nil {
			t.Fatalf("Update: %v", err)
		}

		got, _ := repo.Get(ctx, "d1")
		if got.Status != domain.DeploymentRolledBack {
			t.Errorf("Status after Update = %q, want %q", got.Status, domain.DeploymentRolledBack)
		}
		if !got.RollbackRequested {
			t.Error("RollbackRequested = false, want true")
		}
		if got.RollbackReason != "wave 2 verdict unhealthy" {
			t.Errorf("RollbackReason = %q", got.RollbackReason)
		}
		if got.CompletedAt == nil || !got.CompletedAt.Equal(completed) {
			t.Errorf("CompletedAt = %v, want %v", got.CompletedAt, completed)
		}
	})

	t.Run("UpdateTerminalIsFrozen", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()
		d := sampleDeployment()
		_ = repo.Create(ctx, d)

		d.Status = domain.DeploymentSucceeded
		completed := now.Add(time.Minute)
		d.CompletedAt = &completed
		if err := repo.Update(ctx, d); err != nil {
			t.Fatalf("Update to terminal: %v", err)
		}

		// A writer holding a stale snapshot must not thaw the row.
		stale := sampleDeployment()
		stale.Status = domain.DeploymentInProgress
		stale.RollbackRequested = true
		err := repo.Update(ctx, stale)
		if !errors.Is(err, domain.ErrTerminal) {
			t.Fatalf("stale Update: got %v, want ErrTerminal", err)
		}

		got, _ := repo.Get(ctx, "d1")
		if got.Status != domain.DeploymentSucceeded {
			t.Errorf("Status after stale Update = %q, want %q", got.Status, domain.DeploymentSucceeded)
		}
		if got.RollbackRequested {
			t.Error("RollbackRequested = true, want false")
		}

		// Rewriting the same terminal status stays idempotent.
		d.RollbackReason = "audit note"
		if err := repo.Update(ctx, d); err != nil {
			t.Fatalf("idempotent terminal Update: %v", err)
		}
	})

	t.Run("UpdateNotFound", func(t *testing.T) {
		repo := factory(t)
		d := sampleDeployment()
		d.ID = "nonexistent"
		err := repo.Update(context.Background(), d)
		if !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("Update: got %v, want ErrNotFound", err)
		}
	})

	t.Run("List", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()
		d1 := sampleDeployment()
		d2 := sampleDeployment()
		d2.ID = "d2"
		_ = repo.Create(ctx, d1)
		_ = repo.Create(ctx, d2)

		got, err := repo.List(ctx)
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("List: got %d, want 2", len(got))
		}
	})
}
