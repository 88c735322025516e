package application

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/oness24/vulnzero-engine-sub002/internal/domain"
	"github.com/oness24/vulnzero-engine-sub002/internal/tasks"
)

// SubmitInput is the caller-provided input for submitting a deployment.
type SubmitInput struct {
	PatchID  domain.PatchID
	AssetIDs []domain.AssetID
	Strategy domain.StrategyType
	Params   domain.StrategyParams
}

// SubmitResult returns the task handle for an accepted submission.
type SubmitResult struct {
	TaskID       string
	DeploymentID domain.DeploymentID
}

// remediationResult is the task result payload for a finished rollout.
type remediationResult struct {
	DeploymentID string `json:"deployment_id"`
	Status       string `json:"status"`
	Assets       int    `json:"assets"`
}

// run tracks one in-flight deployment execution.
type run struct {
	deploymentID domain.DeploymentID
	assets       []domain.AssetID
	cancel       context.CancelFunc
	cancelled    bool
	done         chan struct{}
}

// DeploymentService validates submissions, owns the per-asset lock
// table, and drives each accepted deployment through the orchestration
// workflow asynchronously. It is the only writer of task state.
type DeploymentService struct {
	Deployments   domain.DeploymentRepository
	Records       domain.AssetRecordRepository
	Patches       domain.PatchSource
	Tasks         *tasks.Registry
	Orchestration *OrchestrationService
	Locks         *AssetLocks
	Strategies    domain.StrategyFactory
	Logger        *zerolog.Logger
	Now           func() time.Time

	mu      sync.Mutex
	running map[string]*run
}

func (s *DeploymentService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

var nopLogger = zerolog.Nop()

func (s *DeploymentService) log() *zerolog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return &nopLogger
}

// Submit validates the request, acquires per-asset locks, creates the
// deployment and task records, and returns immediately; execution
// proceeds asynchronously. Validation failures are rejected
// synchronously and create no task.
func (s *DeploymentService) Submit(ctx context.Context, in SubmitInput) (SubmitResult, error) {
	if len(in.AssetIDs) == 0 {
		return SubmitResult{}, fmt.Errorf("%w: at least one asset is required", domain.ErrValidation)
	}
	if seen := duplicateAsset(in.AssetIDs); seen != "" {
		return SubmitResult{}, fmt.Errorf("%w: duplicate asset %s", domain.ErrValidation, seen)
	}

	spec := domain.StrategySpec{Type: in.Strategy, Params: in.Params}
	if _, err := s.Strategies.RolloutStrategy(spec); err != nil {
		return SubmitResult{}, err
	}

	patch, err := s.Patches.Get(ctx, in.PatchID)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("%w: patch %s: %v", domain.ErrValidation, in.PatchID, err)
	}
	if patch.Approval != domain.ApprovalApproved {
		return SubmitResult{}, fmt.Errorf("%w: patch %s is %s, not approved for deployment", domain.ErrValidation, in.PatchID, patch.Approval)
	}

	depID := domain.DeploymentID(uuid.NewString())
	if err := s.Locks.Acquire(depID, in.AssetIDs); err != nil {
		return SubmitResult{}, err
	}

	now := s.now()
	dep := domain.Deployment{
		ID:        depID,
		PatchID:   in.PatchID,
		Strategy:  spec,
		AssetIDs:  in.AssetIDs,
		Status:    domain.DeploymentPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.Deployments.Create(ctx, dep); err != nil {
		s.Locks.Release(depID, in.AssetIDs)
		return SubmitResult{}, fmt.Errorf("create deployment: %w", err)
	}
	for _, asset := range in.AssetIDs {
		rec := domain.AssetRecord{
			DeploymentID: depID,
			AssetID:      asset,
			Outcome:      domain.AssetOutcomePending,
			UpdatedAt:    now,
		}
		if err := s.Records.Put(ctx, rec); err != nil {
			s.Locks.Release(depID, in.AssetIDs)
			return SubmitResult{}, fmt.Errorf("seed asset record: %w", err)
		}
	}

	task := s.Tasks.Create("patch-remediation", string(depID))

	runCtx, cancel := context.WithCancel(context.Background())
	r := &run{
		deploymentID: depID,
		assets:       in.AssetIDs,
		cancel:       cancel,
		done:         make(chan struct{}),
	}
	s.mu.Lock()
	if s.running == nil {
		s.running = make(map[string]*run)
	}
	s.running[task.ID] = r
	s.mu.Unlock()

	go s.execute(runCtx, r, task.ID)

	s.log().Info().
		Str("deployment", string(depID)).
		Str("task", task.ID).
		Str("strategy", string(in.Strategy)).
		Int("assets", len(in.AssetIDs)).
		Msg("deployment submitted")

	return SubmitResult{TaskID: task.ID, DeploymentID: depID}, nil
}

// execute runs the workflow to completion and finalizes the task.
func (s *DeploymentService) execute(ctx context.Context, r *run, taskID string) {
	defer close(r.done)
	defer func() {
		s.Locks.Release(r.deploymentID, r.assets)
		s.mu.Lock()
		delete(s.running, taskID)
		s.mu.Unlock()
	}()

	s.Tasks.Update(taskID, tasks.StateStarted)

	err := s.Orchestration.Remediate(ctx, domain.RemediationInput{
		DeploymentID: r.deploymentID,
		TaskID:       taskID,
	})
	s.finalize(taskID, r, err)
}

// finalize maps the workflow outcome and the deployment's terminal
// status onto the task's terminal state.
func (s *DeploymentService) finalize(taskID string, r *run, runErr error) {
	ctx := context.Background()
	dep, depErr := s.Deployments.Get(ctx, r.deploymentID)

	s.mu.Lock()
	cancelled := r.cancelled
	s.mu.Unlock()

	if runErr != nil {
		if cancelled {
			s.markTerminated(ctx, dep, depErr == nil)
			s.Tasks.Revoke(taskID, "terminated: "+runErr.Error())
			return
		}
		s.Tasks.Fail(taskID, runErr)
		return
	}
	if depErr != nil {
		s.Tasks.Fail(taskID, fmt.Errorf("deployment state unavailable: %w", depErr))
		return
	}

	switch dep.Status {
	case domain.DeploymentSucceeded:
		s.Tasks.Succeed(taskID, remediationResult{
			DeploymentID: string(dep.ID),
			Status:       string(dep.Status),
			Assets:       len(dep.AssetIDs),
		})
	case domain.DeploymentRolledBack:
		if cancelled {
			s.Tasks.Revoke(taskID, "cancelled: "+dep.RollbackReason)
			return
		}
		s.Tasks.Fail(taskID, s.rollbackError(ctx, dep))
	default:
		s.Tasks.Fail(taskID, fmt.Errorf("deployment %s ended %s: %s", dep.ID, dep.Status, dep.RollbackReason))
	}
}

// markTerminated freezes a deployment abandoned by terminate. Assets
// left mid-flight were already flagged for reconciliation by the phase
// executor.
func (s *DeploymentService) markTerminated(ctx context.Context, dep domain.Deployment, loaded bool) {
	if !loaded || dep.Status.Terminal() {
		return
	}
	dep.Status = domain.DeploymentFailed
	dep.RollbackReason = "terminated by operator"
	dep.UpdatedAt = s.now()
	t := dep.UpdatedAt
	dep.CompletedAt = &t
	if err := s.Deployments.Update(ctx, dep); err != nil && !errors.Is(err, domain.ErrTerminal) {
		s.log().Error().Str("deployment", string(dep.ID)).Err(err).Msg("failed to mark terminated deployment")
	}
}

// rollbackError builds the structured failure context retained in the
// task result: kind, affected assets, underlying cause.
func (s *DeploymentService) rollbackError(ctx context.Context, dep domain.Deployment) error {
	records, err := s.Records.ListByDeployment(ctx, dep.ID)
	if err != nil {
		return fmt.Errorf("deployment %s rolled back: %s", dep.ID, dep.RollbackReason)
	}
	var failed, flagged []string
	for _, rec := range records {
		switch rec.Outcome {
		case domain.AssetOutcomeFailed:
			failed = append(failed, string(rec.AssetID))
		case domain.AssetOutcomeRollbackFailed:
			flagged = append(flagged, string(rec.AssetID))
		}
	}
	msg := fmt.Sprintf("deployment %s rolled back: %s", dep.ID, dep.RollbackReason)
	if len(failed) > 0 {
		msg += "; failed assets: " + strings.Join(failed, ", ")
	}
	if len(flagged) > 0 {
		msg += "; rollback failed (manual intervention): " + strings.Join(flagged, ", ")
	}
	return fmt.Errorf("%s", msg)
}

// Cancel requests cancellation of a running deployment. Graceful
// cancellation is honored at the next phase boundary; terminate
// additionally abandons in-flight per-asset operations immediately.
// Cancelling an already-terminal task is an idempotent no-op.
func (s *DeploymentService) Cancel(ctx context.Context, taskID string, terminate bool) (tasks.CancelResult, error) {
	snap, err := s.Tasks.Get(ctx, taskID)
	if err != nil {
		return tasks.CancelResult{}, err
	}
	if snap.Ready {
		return tasks.CancelResult{
			Cancelled: false,
			Message:   fmt.Sprintf("task already %s", snap.State),
		}, nil
	}

	depID := domain.DeploymentID(snap.CorrelationID)
	if dep, derr := s.Deployments.Get(ctx, depID); derr == nil && !dep.Status.Terminal() {
		dep.RollbackRequested = true
		if dep.RollbackReason == "" {
			dep.RollbackReason = "cancelled by operator"
		}
		dep.UpdatedAt = s.now()
		// The deployment may reach a terminal status between the read
		// above and this write; the store rejects the stale snapshot
		// and cancellation proceeds as a no-op on the deployment side.
		if uerr := s.Deployments.Update(ctx, dep); uerr != nil && !errors.Is(uerr, domain.ErrTerminal) {
			return tasks.CancelResult{}, fmt.Errorf("request rollback: %w", uerr)
		}
	}

	s.mu.Lock()
	r := s.running[taskID]
	if r != nil {
		r.cancelled = true
	}
	s.mu.Unlock()

	result := tasks.CancelResult{
		Cancelled: true,
		Message:   "rollback requested; honored at the next phase boundary",
	}
	if terminate {
		if r != nil {
			r.cancel()
		}
		result.Terminated = true
		result.Message = "terminated; in-flight operations abandoned and flagged for reconciliation"
	}

	s.log().Info().
		Str("task", taskID).
		Bool("terminate", terminate).
		Msg("cancellation requested")
	return result, nil
}

// Query returns the task's latest committed snapshot.
func (s *DeploymentService) Query(ctx context.Context, taskID string) (tasks.Snapshot, error) {
	return s.Tasks.Get(ctx, taskID)
}

// List returns up to limit task snapshots for observability.
func (s *DeploymentService) List(limit int) []tasks.Snapshot {
	return s.Tasks.List(limit)
}

// Wait blocks until the task's execution goroutine finishes. Intended
// for tests and orderly shutdown.
func (s *DeploymentService) Wait(taskID string) {
	s.mu.Lock()
	r := s.running[taskID]
	s.mu.Unlock()
	if r != nil {
		<-r.done
	}
}

func duplicateAsset(assets []domain.AssetID) domain.AssetID {
	seen := make(map[domain.AssetID]struct{}, len(assets))
	for _, a := range assets {
		if _, ok := seen[a]; ok {
			return a
		}
		seen[a] = struct{}{}
	}
	return ""
}
