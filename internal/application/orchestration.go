package application

import (
	"context"
	"fmt"

	"github.com/oness24/vulnzero-engine-sub002/internal/domain"
)

// OrchestrationService executes the remediation pipeline as a durable
// workflow.
type OrchestrationService struct {
	Workflow domain.RemediationRunner
}

// Remediate starts the remediation workflow and waits for it to
// complete.
func (o *OrchestrationService) Remediate(ctx context.Context, in domain.RemediationInput) error {
	handle, err := o.Workflow.Run(ctx, in)
	if err != nil {
		return fmt.Errorf("start remediation workflow: %w", err)
	}
	_, err = handle.AwaitResult(ctx)
	return err
}
