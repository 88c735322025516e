package domain

import "context"

// PatchID references a patch produced by the upstream generator.
type PatchID string

// ApprovalState is the precomputed safety verdict attached to a patch by
// the upstream generator. Only approved patches may be deployed.
type ApprovalState string

const (
	ApprovalApproved      ApprovalState = "approved"
	ApprovalPendingReview ApprovalState = "pending_review"
	ApprovalRejected      ApprovalState = "rejected"
)

// PatchScript is an opaque remediation script executed on an asset.
type PatchScript string

// Patch is the deployable unit supplied by the patch generator: a forward
// script, a compensating rollback script, and the approval precondition.
type Patch struct {
	ID             PatchID
	ApplyScript    PatchScript
	RollbackScript PatchScript
	Approval       ApprovalState
	Confidence     float64
}

// PatchSource resolves a patch reference. The generator that produces
// patch content and scores its safety is an external collaborator; this
// core only reads its output.
type PatchSource interface {
	Get(ctx context.Context, id PatchID) (Patch, error)
}
