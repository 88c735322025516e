// Package assetrecordrepotest provides contract tests for
// [domain.AssetRecordRepository] implementations.
package assetrecordrepotest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/oness24/vulnzero-engine-sub002/internal/domain"
)

// Factory creates a fresh [domain.AssetRecordRepository] for each test.
type Factory func(t *testing.T) domain.AssetRecordRepository

// Run exercises the [domain.AssetRecordRepository] contract.
func Run(t *testing.T, factory Factory) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("PutAndGet", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()
		rec := domain.AssetRecord{
			DeploymentID: "d1",
			AssetID:      "a1",
			Outcome:      domain.AssetOutcomeApplied,
			LastSample: &domain.HealthSample{
				ErrorRate:     0.01,
				LatencyMillis: 42,
				TakenAt:       now,
			},
			UpdatedAt: now,
		}
		if err := repo.Put(ctx, rec); err != nil {
			t.Fatalf("Put: %v", err)
		}

		got, err := repo.Get(ctx, "d1", "a1")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.Outcome != domain.AssetOutcomeApplied {
			t.Errorf("Outcome = %q, want %q", got.Outcome, domain.AssetOutcomeApplied)
		}
		if got.LastSample == nil || got.LastSample.LatencyMillis != 42 {
			t.Errorf("LastSample = %+v, want LatencyMillis 42", got.LastSample)
		}
	})

	t.Run("PutOverwrites", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()
		rec := domain.AssetRecord{
			DeploymentID: "d1",
			AssetID:      "a1",
			Outcome:      domain.AssetOutcomePending,
			UpdatedAt:    now,
		}
		_ = repo.Put(ctx, rec)

		rec.Outcome = domain.AssetOutcomeRollbackFailed
		rec.NeedsReconcile = true
		rec.ErrorDetail = "rollback script exit 1"
		if err := repo.Put(ctx, rec); err != nil {
			t.Fatalf("second Put: %v", err)
		}

		got, _ := repo.Get(ctx, "d1", "a1")
		if got.Outcome != domain.AssetOutcomeRollbackFailed {
			t.Errorf("Outcome = %q, want %q", got.Outcome, domain.AssetOutcomeRollbackFailed)
		}
		if !got.NeedsReconcile {
			t.Error("NeedsReconcile = false, want true")
		}
		if got.ErrorDetail != "rollback script exit 1" {
			t.Errorf("ErrorDetail = %q", got.ErrorDetail)
		}
	})

	t.Run("GetNotFound", func(t *testing.T) {
		repo := factory(t)
		_, err := repo.Get(context.Background(), "d1", "missing")
		if !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("Get: got %v, want ErrNotFound", err)
		}
	})

	t.Run("ListByDeployment", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()
		for _, id := range []domain.AssetID{"a2", "a1", "a3"} {
			rec := domain.AssetRecord{
				DeploymentID: "d1",
				AssetID:      id,
				Outcome:      domain.AssetOutcomePending,
				UpdatedAt:    now,
			}
			_ = repo.Put(ctx, rec)
		}
		other := domain.AssetRecord{DeploymentID: "d2", AssetID: "a1", Outcome: domain.AssetOutcomePending, UpdatedAt: now}
		_ = repo.Put(ctx, other)

		got, err := repo.ListByDeployment(ctx, "d1")
		if err != nil {
			t.Fatalf("ListByDeployment: %v", err)
		}
		if len(got) != 3 {
			t.Fatalf("ListByDeployment: got %d records, want 3", len(got))
		}
		for i, want := range []domain.AssetID{"a1", "a2", "a3"} {
			if got[i].AssetID != want {
				t.Errorf("record %d AssetID = %q, want %q", i, got[i].AssetID, want)
			}
		}
	})
}
