package application_test

import (
	"errors"
	"testing"

	"github.com/oness24/vulnzero-engine-sub002/internal/application"
	"github.com/oness24/vulnzero-engine-sub002/internal/domain"
)

func TestAssetLocks_AllOrNothing(t *testing.T) {
	l := application.NewAssetLocks()

	if err := l.Acquire("d1", []domain.AssetID{"a1", "a2"}); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	// Partial overlap fails atomically: a3 must not be left held.
	err := l.Acquire("d2", []domain.AssetID{"a3", "a2"})
	if !errors.Is(err, domain.ErrAssetLocked) {
		t.Fatalf("overlapping Acquire: got %v, want ErrAssetLocked", err)
	}
	if err := l.Acquire("d3", []domain.AssetID{"a3"}); err != nil {
		t.Fatalf("Acquire a3 after failed overlap: %v", err)
	}
}

func TestAssetLocks_ReleaseIsOwnerChecked(t *testing.T) {
	l := application.NewAssetLocks()

	if err := l.Acquire("d1", []domain.AssetID{"a1"}); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	l.Release("d2", []domain.AssetID{"a1"})
	if err := l.Acquire("d2", []domain.AssetID{"a1"}); !errors.Is(err, domain.ErrAssetLocked) {
		t.Fatalf("foreign Release freed the lock: %v", err)
	}

	l.Release("d1", []domain.AssetID{"a1"})
	if err := l.Acquire("d2", []domain.AssetID{"a1"}); err != nil {
		t.Fatalf("Acquire after owner Release: %v", err)
	}
}
