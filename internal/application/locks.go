package application

import (
	"fmt"
	"sync"

	"github.com/oness24/vulnzero-engine-sub002/internal/domain"
)

// AssetLocks is the per-asset lock table making assets mutually
// exclusive across concurrent deployments. A submission targeting a
// held asset is rejected synchronously.
type AssetLocks struct {
	mu   sync.Mutex
	held map[domain.AssetID]domain.DeploymentID
}

func NewAssetLocks() *AssetLocks {
	return &AssetLocks{held: make(map[domain.AssetID]domain.DeploymentID)}
}

// Acquire takes every lock or none: if any asset is already held the
// whole acquisition fails with [domain.ErrAssetLocked] naming the asset
// and the holding deployment.
func (l *AssetLocks) Acquire(owner domain.DeploymentID, assets []domain.AssetID) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, a := range assets {
		if holder, ok := l.held[a]; ok {
			return fmt.Errorf("%w: asset %s held by deployment %s", domain.ErrAssetLocked, a, holder)
		}
	}
	for _, a := range assets {
		l.held[a] = owner
	}
	return nil
}

// Release drops the owner's locks. Locks held by another deployment are
// left untouched.
func (l *AssetLocks) Release(owner domain.DeploymentID, assets []domain.AssetID) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, a := range assets {
		if l.held[a] == owner {
			delete(l.held, a)
		}
	}
}
