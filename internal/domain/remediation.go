package domain

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/oness24/vulnzero-engine-sub002/internal/resilience"
)

// RemediationInput starts one run of the remediation workflow.
type RemediationInput struct {
	DeploymentID DeploymentID `json:"deployment_id"`
	TaskID       string       `json:"task_id"`
}

// PlanInput asks the strategy layer for the deployment's phase plan.
type PlanInput struct {
	Strategy StrategySpec `json:"strategy"`
	Assets   []AssetID    `json:"assets"`
}

// PlanOutput is the ordered phase plan.
type PlanOutput struct {
	Phases []Phase `json:"phases"`
}

// ExecutePhaseInput fans one phase's applies out across its assets.
type ExecutePhaseInput struct {
	DeploymentID DeploymentID `json:"deployment_id"`
	PatchID      PatchID      `json:"patch_id"`
	Phase        Phase        `json:"phase"`
}

// AssetFailure is one asset's apply failure, classified by kind.
type AssetFailure struct {
	AssetID AssetID `json:"asset_id"`
	Kind    string  `json:"kind"`
	Detail  string  `json:"detail"`
}

// PhaseResult aggregates per-asset outcomes at the phase boundary.
// Failures are isolated per asset; sibling applies run to completion.
type PhaseResult struct {
	Applied []AssetID      `json:"applied"`
	Failed  []AssetFailure `json:"failed"`
}

// EvaluateInput asks the health evaluator for a phase verdict.
type EvaluateInput struct {
	DeploymentID DeploymentID  `json:"deployment_id"`
	Assets       []AssetID     `json:"assets"`
	Window       time.Duration `json:"window"`
}

// EvaluateOutput carries the verdict. An evaluator that cannot conclude
// renders unhealthy (fail closed) rather than an error.
type EvaluateOutput struct {
	Verdict Verdict `json:"verdict"`
	Reason  string  `json:"reason,omitempty"`
}

// RollbackInput lists the assets to compensate, in rollback order.
type RollbackInput struct {
	DeploymentID DeploymentID `json:"deployment_id"`
	Assets       []AssetID    `json:"assets"`
}

// ProgressInput is one task progress update.
type ProgressInput struct {
	TaskID  string `json:"task_id"`
	Current int    `json:"current"`
	Total   int    `json:"total"`
	Message string `json:"message"`
}

// RemediationWorkflow drives one deployment through its phase plan:
// apply, monitor, then advance, hold, or roll back. Each step is a
// named idempotent activity so the workflow survives replay under a
// durable engine.
type RemediationWorkflow struct {
	Deployments DeploymentRepository
	Records     AssetRecordRepository
	Patches     PatchSource
	Gateway     AssetGateway
	Health      HealthEvaluator
	Rollback    RollbackService
	Caller      ResilientCaller
	Progress    ProgressReporter
	Strategies  StrategyFactory
	Logger      *zerolog.Logger
	Now         func() time.Time
}

func (wf *RemediationWorkflow) Name() string { return "patch-remediation" }

func (wf *RemediationWorkflow) now() time.Time {
	if wf.Now != nil {
		return wf.Now()
	}
	return time.Now()
}

var nopLogger = zerolog.Nop()

func (wf *RemediationWorkflow) log() *zerolog.Logger {
	if wf.Logger != nil {
		return wf.Logger
	}
	return &nopLogger
}

// --- activities ---

func (wf *RemediationWorkflow) LoadDeployment() Activity[DeploymentID, Deployment] {
	return NewActivity("load-deployment", func(ctx context.Context, id DeploymentID) (Deployment, error) {
		return wf.Deployments.Get(ctx, id)
	})
}

func (wf *RemediationWorkflow) PlanPhases() Activity[PlanInput, PlanOutput] {
	return NewActivity("plan-phases", func(_ context.Context, in PlanInput) (PlanOutput, error) {
		strategy, err := wf.Strategies.RolloutStrategy(in.Strategy)
		if err != nil {
			return PlanOutput{}, err
		}
		phases, err := strategy.Plan(in.Assets, in.Strategy.Params)
		if err != nil {
			return PlanOutput{}, err
		}
		return PlanOutput{Phases: phases}, nil
	})
}

func (wf *RemediationWorkflow) ExecutePhase() Activity[ExecutePhaseInput, PhaseResult] {
	return NewActivity("execute-phase", wf.executePhase)
}

func (wf *RemediationWorkflow) EvaluateHealth() Activity[EvaluateInput, EvaluateOutput] {
	return NewActivity("evaluate-health", func(ctx context.Context, in EvaluateInput) (EvaluateOutput, error) {
		health, err := wf.Health.Evaluate(ctx, in.Assets, in.Window)
		wf.recordLastSamples(ctx, in.DeploymentID, health.LastSamples)
		if err != nil {
			// Inconclusive windows fail closed.
			wf.log().Warn().Err(err).Msg("health evaluation inconclusive, treating as unhealthy")
			return EvaluateOutput{Verdict: VerdictUnhealthy, Reason: err.Error()}, nil
		}
		return EvaluateOutput{Verdict: health.Verdict}, nil
	})
}

// recordLastSamples attaches each asset's final window sample to its
// record for the audit trail. Sample persistence never changes the
// verdict; failures are only logged.
func (wf *RemediationWorkflow) recordLastSamples(ctx context.Context, deploymentID DeploymentID, samples map[AssetID]HealthSample) {
	persistCtx := context.WithoutCancel(ctx)
	for asset, sample := range samples {
		sample := sample
		rec, err := wf.Records.Get(persistCtx, deploymentID, asset)
		if err != nil {
			wf.log().Debug().
				Str("deployment", string(deploymentID)).
				Str("asset", string(asset)).
				Err(err).
				Msg("no record to attach health sample to")
			continue
		}
		rec.LastSample = &sample
		rec.UpdatedAt = wf.now()
		if err := wf.Records.Put(persistCtx, rec); err != nil {
			wf.log().Error().
				Str("deployment", string(deploymentID)).
				Str("asset", string(asset)).
				Err(err).
				Msg("failed to persist health sample")
		}
	}
}

func (wf *RemediationWorkflow) RollbackAssets() Activity[RollbackInput, RollbackReport] {
	return NewActivity("rollback-assets", func(ctx context.Context, in RollbackInput) (RollbackReport, error) {
		return wf.Rollback.RollBack(ctx, in.DeploymentID, in.Assets)
	})
}

func (wf *RemediationWorkflow) UpdateDeployment() Activity[Deployment, struct{}] {
	return NewActivity("update-deployment", func(ctx context.Context, d Deployment) (struct{}, error) {
		existing, err := wf.Deployments.Get(ctx, d.ID)
		if err != nil {
			return struct{}{}, err
		}
		// Terminal statuses are frozen; in particular a rolled-back
		// deployment can never return to IN_PROGRESS.
		if existing.Status.Terminal() && existing.Status != d.Status {
			return struct{}{}, fmt.Errorf("deployment %s is %s: refusing transition to %s", d.ID, existing.Status, d.Status)
		}
		// RollbackRequested is one-way: a concurrent cancel must not be
		// lost to a stale write.
		if existing.RollbackRequested {
			d.RollbackRequested = true
			if d.RollbackReason == "" {
				d.RollbackReason = existing.RollbackReason
			}
		}
		d.UpdatedAt = wf.now()
		if d.Status.Terminal() && d.CompletedAt == nil {
			t := d.UpdatedAt
			d.CompletedAt = &t
		}
		return struct{}{}, wf.Deployments.Update(ctx, d)
	})
}

func (wf *RemediationWorkflow) ReportProgress() Activity[ProgressInput, struct{}] {
	return NewActivity("report-progress", func(_ context.Context, in ProgressInput) (struct{}, error) {
		if wf.Progress != nil && in.TaskID != "" {
			wf.Progress.Progress(in.TaskID, in.Current, in.Total, in.Message)
		}
		return struct{}{}, nil
	})
}

// executePhase applies the patch to every asset in the phase
// concurrently. Per-asset failures are recorded and isolated; they are
// aggregated only at the phase-boundary decision point.
func (wf *RemediationWorkflow) executePhase(ctx context.Context, in ExecutePhaseInput) (PhaseResult, error) {
	patch, err := wf.Patches.Get(ctx, in.PatchID)
	if err != nil {
		return PhaseResult{}, fmt.Errorf("resolve patch %s: %w", in.PatchID, err)
	}

	var (
		mu     sync.Mutex
		result PhaseResult
	)
	var g errgroup.Group
	for _, asset := range in.Phase.AssetIDs {
		asset := asset
		g.Go(func() error {
			applyErr := wf.Caller.Do(ctx, "asset/"+string(asset), func(callCtx context.Context) error {
				return wf.Gateway.Apply(callCtx, asset, patch.ApplyScript)
			})

			rec := AssetRecord{
				DeploymentID: in.DeploymentID,
				AssetID:      asset,
				UpdatedAt:    wf.now(),
			}
			switch {
			case applyErr == nil:
				rec.Outcome = AssetOutcomeApplied
			case ctx.Err() != nil:
				// Terminate abandoned the call mid-flight; the real
				// outcome on the asset is unknown.
				rec.Outcome = AssetOutcomeFailed
				rec.NeedsReconcile = true
				rec.ErrorDetail = "abandoned: " + ctx.Err().Error()
			default:
				rec.Outcome = AssetOutcomeFailed
				rec.ErrorDetail = applyErr.Error()
			}
			if putErr := wf.Records.Put(context.WithoutCancel(ctx), rec); putErr != nil {
				wf.log().Error().
					Str("deployment", string(in.DeploymentID)).
					Str("asset", string(asset)).
					Err(putErr).
					Msg("failed to persist asset record")
			}

			mu.Lock()
			defer mu.Unlock()
			if applyErr == nil {
				result.Applied = append(result.Applied, asset)
			} else {
				result.Failed = append(result.Failed, AssetFailure{
					AssetID: asset,
					Kind:    failureKind(applyErr),
					Detail:  applyErr.Error(),
				})
			}
			return nil
		})
	}
	_ = g.Wait()

	sortByPhaseOrder(result.Applied, in.Phase.AssetIDs)
	return result, ctx.Err()
}

// failureKind classifies an apply error for the asset record.
func failureKind(err error) string {
	switch {
	case errors.Is(err, resilience.ErrCapacityExceeded):
		return "capacity_exceeded"
	case errors.Is(err, resilience.ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, resilience.ErrTimeoutExceeded):
		return "timeout"
	case IsPermanent(err):
		return "permanent"
	case IsTransient(err):
		return "transient"
	default:
		return "unknown"
	}
}

func sortByPhaseOrder(assets []AssetID, order []AssetID) {
	pos := make(map[AssetID]int, len(order))
	for i, id := range order {
		pos[id] = i
	}
	sort.Slice(assets, func(i, j int) bool { return pos[assets[i]] < pos[assets[j]] })
}

// --- workflow body ---

// Run drives the deployment state machine. Phases execute strictly
// sequentially; RollbackRequested is checked before every phase
// transition and short-circuits forward progress. Run returns an error
// only for unrecoverable internal failures; health-driven rollback is a
// normal outcome recorded on the deployment.
func (wf *RemediationWorkflow) Run(runner DurableRunner, in RemediationInput) (struct{}, error) {
	dep, err := RunActivity(runner, wf.LoadDeployment(), in.DeploymentID)
	if err != nil {
		return struct{}{}, fmt.Errorf("load deployment: %w", err)
	}

	plan, err := RunActivity(runner, wf.PlanPhases(), PlanInput{Strategy: dep.Strategy, Assets: dep.AssetIDs})
	if err != nil {
		return wf.fail(runner, dep, fmt.Errorf("plan phases: %w", err))
	}

	dep.Status = DeploymentInProgress
	if _, err := RunActivity(runner, wf.UpdateDeployment(), dep); err != nil {
		return struct{}{}, err
	}

	total := len(plan.Phases)
	var appliedPhases []Phase

	for _, phase := range plan.Phases {
		// Phase boundary: reload so an external cancel is observed.
		dep, err = RunActivity(runner, wf.LoadDeployment(), in.DeploymentID)
		if err != nil {
			return struct{}{}, fmt.Errorf("reload deployment: %w", err)
		}
		if dep.RollbackRequested {
			reason := dep.RollbackReason
			if reason == "" {
				reason = "rollback requested"
			}
			return wf.rollBack(runner, in, dep, appliedPhases, nil, reason)
		}

		dep.CurrentPhase = phase.Index
		if _, err := RunActivity(runner, wf.UpdateDeployment(), dep); err != nil {
			return struct{}{}, err
		}

		if phase.Cutover {
			// Blue-green routing switch: the new set already passed a
			// full healthy verdict; flip traffic atomically and retain
			// the prior set for the retention window.
			dep.TrafficSwitched = true
			if _, err := RunActivity(runner, wf.UpdateDeployment(), dep); err != nil {
				return struct{}{}, err
			}
			appliedPhases = append(appliedPhases, phase)
			wf.reportProgress(runner, in.TaskID, phase.Index+1, total, phase.Label+" complete")
			continue
		}

		result, err := RunActivity(runner, wf.ExecutePhase(), ExecutePhaseInput{
			DeploymentID: dep.ID,
			PatchID:      dep.PatchID,
			Phase:        phase,
		})
		if err != nil {
			return wf.fail(runner, dep, fmt.Errorf("execute %s: %w", phase.Label, err))
		}
		if len(result.Failed) > 0 {
			reason := describeFailures(phase, result.Failed)
			return wf.rollBack(runner, in, dep, appliedPhases, result.Applied, reason)
		}

		if len(result.Applied) > 0 && phase.MonitorWindow > 0 {
			verdict, err := RunActivity(runner, wf.EvaluateHealth(), EvaluateInput{DeploymentID: dep.ID, Assets: phase.AssetIDs, Window: phase.MonitorWindow})
			if err != nil {
				return wf.fail(runner, dep, fmt.Errorf("evaluate %s: %w", phase.Label, err))
			}
			if verdict.Verdict == VerdictDegraded {
				// Hold: give a degraded phase one extra window to settle
				// before deciding.
				wf.reportProgress(runner, in.TaskID, phase.Index, total, phase.Label+" degraded, holding")
				verdict, err = RunActivity(runner, wf.EvaluateHealth(), EvaluateInput{DeploymentID: dep.ID, Assets: phase.AssetIDs, Window: phase.MonitorWindow})
				if err != nil {
					return wf.fail(runner, dep, fmt.Errorf("re-evaluate %s: %w", phase.Label, err))
				}
			}
			if verdict.Verdict != VerdictHealthy {
				reason := fmt.Sprintf("%s verdict %s", phase.Label, verdict.Verdict)
				if verdict.Reason != "" {
					reason += ": " + verdict.Reason
				}
				return wf.rollBack(runner, in, dep, appliedPhases, result.Applied, reason)
			}
		}

		appliedPhases = append(appliedPhases, phase)
		wf.reportProgress(runner, in.TaskID, phase.Index+1, total, phase.Label+" complete")
	}

	dep.Status = DeploymentSucceeded
	dep.CurrentPhase = total
	if _, err := RunActivity(runner, wf.UpdateDeployment(), dep); err != nil {
		return struct{}{}, err
	}
	return struct{}{}, nil
}

// rollBack compensates the current phase's applied assets and every
// previously applied phase, in reverse order, then marks the deployment
// ROLLED_BACK. Per-asset rollback failures are flagged but never abort
// the pass.
func (wf *RemediationWorkflow) rollBack(runner DurableRunner, in RemediationInput, dep Deployment, appliedPhases []Phase, currentApplied []AssetID, reason string) (struct{}, error) {
	var assets []AssetID
	for i := len(currentApplied) - 1; i >= 0; i-- {
		assets = append(assets, currentApplied[i])
	}
	for i := len(appliedPhases) - 1; i >= 0; i-- {
		if appliedPhases[i].Cutover {
			// Rolling back past a cutover points routing at the prior
			// set again; it still holds the pre-patch state for the
			// retention window.
			dep.TrafficSwitched = false
			continue
		}
		assets = append(assets, appliedPhases[i].AssetIDs...)
	}

	if len(assets) > 0 {
		report, err := RunActivity(runner, wf.RollbackAssets(), RollbackInput{DeploymentID: dep.ID, Assets: assets})
		if err != nil {
			return wf.fail(runner, dep, fmt.Errorf("rollback: %w", err))
		}
		if len(report.Failed) > 0 {
			reason += fmt.Sprintf("; rollback failed on %d asset(s)", len(report.Failed))
		}
	}

	dep.Status = DeploymentRolledBack
	dep.RollbackRequested = true
	dep.RollbackReason = reason
	if _, err := RunActivity(runner, wf.UpdateDeployment(), dep); err != nil {
		return struct{}{}, err
	}
	wf.reportProgress(runner, in.TaskID, dep.CurrentPhase, 0, "rolled back: "+reason)
	return struct{}{}, nil
}

// fail marks the deployment FAILED on an unrecoverable internal error
// and propagates the error to the engine.
func (wf *RemediationWorkflow) fail(runner DurableRunner, dep Deployment, cause error) (struct{}, error) {
	dep.Status = DeploymentFailed
	dep.RollbackReason = cause.Error()
	if _, err := RunActivity(runner, wf.UpdateDeployment(), dep); err != nil {
		wf.log().Error().Err(err).Str("deployment", string(dep.ID)).Msg("failed to persist FAILED status")
	}
	return struct{}{}, cause
}

func (wf *RemediationWorkflow) reportProgress(runner DurableRunner, taskID string, current, total int, message string) {
	if taskID == "" {
		return
	}
	_, _ = RunActivity(runner, wf.ReportProgress(), ProgressInput{
		TaskID:  taskID,
		Current: current,
		Total:   total,
		Message: message,
	})
}

func describeFailures(phase Phase, failures []AssetFailure) string {
	parts := make([]string, 0, len(failures))
	for _, f := range failures {
		parts = append(parts, fmt.Sprintf("%s (%s)", f.AssetID, f.Kind))
	}
	return fmt.Sprintf("%s apply failed on %s", phase.Label, strings.Join(parts, ", "))
}
