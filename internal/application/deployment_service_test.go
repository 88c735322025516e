package application_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/oness24/vulnzero-engine-sub002/internal/application"
	"github.com/oness24/vulnzero-engine-sub002/internal/domain"
	"github.com/oness24/vulnzero-engine-sub002/internal/infrastructure/sqlite"
	"github.com/oness24/vulnzero-engine-sub002/internal/infrastructure/syncworkflow"
	"github.com/oness24/vulnzero-engine-sub002/internal/resilience"
	"github.com/oness24/vulnzero-engine-sub002/internal/tasks"
)

// fakeGateway is a scriptable asset gateway. Apply can fail per asset,
// block until released, and every call is recorded.
type fakeGateway struct {
	mu          sync.Mutex
	applyErr    map[domain.AssetID]error
	rollbackErr map[domain.AssetID]error
	applied     []domain.AssetID
	rolledBack  []domain.AssetID

	applyStarted chan domain.AssetID
	applyGate    chan struct{}
	gated        map[domain.AssetID]bool
}

func (g *fakeGateway) Apply(ctx context.Context, asset domain.AssetID, _ domain.PatchScript) error {
	if g.applyStarted != nil {
		g.applyStarted <- asset
	}
	g.mu.Lock()
	gated := g.gated[asset]
	g.mu.Unlock()
	if gated {
		select {
		case <-g.applyGate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.applyErr[asset]; err != nil {
		return err
	}
	g.applied = append(g.applied, asset)
	return nil
}

func (g *fakeGateway) Rollback(_ context.Context, asset domain.AssetID, _ domain.PatchScript) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.rollbackErr[asset]; err != nil {
		return err
	}
	g.rolledBack = append(g.rolledBack, asset)
	return nil
}

func (g *fakeGateway) Probe(context.Context, domain.AssetID) (domain.HealthSample, error) {
	return domain.HealthSample{ErrorRate: 0.01, LatencyMillis: 20, TakenAt: time.Now()}, nil
}

func (g *fakeGateway) rolledBackAssets() []domain.AssetID {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]domain.AssetID, len(g.rolledBack))
	copy(out, g.rolledBack)
	return out
}

// verdictQueue returns scripted verdicts in order, then healthy. When
// samples are set, every evaluation reports them as the window's final
// per-asset samples.
type verdictQueue struct {
	mu       sync.Mutex
	verdicts []domain.Verdict
	samples  map[domain.AssetID]domain.HealthSample
}

func (q *verdictQueue) Evaluate(context.Context, []domain.AssetID, time.Duration) (domain.PhaseHealth, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	v := domain.VerdictHealthy
	if len(q.verdicts) > 0 {
		v = q.verdicts[0]
		q.verdicts = q.verdicts[1:]
	}
	return domain.PhaseHealth{Verdict: v, LastSamples: q.samples}, nil
}

type fixture struct {
	svc     *application.DeploymentService
	deps    *sqlite.DeploymentRepo
	records *sqlite.AssetRecordRepo
	gateway *fakeGateway
}

func newFixture(t *testing.T, gateway *fakeGateway, health domain.HealthEvaluator) *fixture {
	t.Helper()
	return newFixtureWithStrategies(t, gateway, health, domain.DefaultStrategyFactory{})
}

func newFixtureWithStrategies(t *testing.T, gateway *fakeGateway, health domain.HealthEvaluator, strategies domain.StrategyFactory) *fixture {
	t.Helper()
	db := sqlite.OpenTestDB(t)
	deploymentRepo := &sqlite.DeploymentRepo{DB: db}
	recordRepo := &sqlite.AssetRecordRepo{DB: db}
	patchRepo := &sqlite.PatchRepo{DB: db}

	ctx := context.Background()
	seed := []domain.Patch{
		{ID: "CVE-2026-0001", ApplyScript: "apply.sh", RollbackScript: "rollback.sh", Approval: domain.ApprovalApproved, Confidence: 0.95},
		{ID: "CVE-2026-0002", ApplyScript: "apply.sh", RollbackScript: "rollback.sh", Approval: domain.ApprovalPendingReview, Confidence: 0.60},
	}
	for _, p := range seed {
		if err := patchRepo.Put(ctx, p); err != nil {
			t.Fatalf("seed patch %s: %v", p.ID, err)
		}
	}

	caller := resilience.NewRegistry(resilience.Config{
		Retry: resilience.RetryPolicy{MaxRetries: 0, BaseDelay: time.Millisecond},
	}, zerolog.Nop())

	registry := tasks.NewRegistry(time.Hour)
	wf := &domain.RemediationWorkflow{
		Deployments: deploymentRepo,
		Records:     recordRepo,
		Patches:     patchRepo,
		Gateway:     gateway,
		Health:      health,
		Rollback: &application.RollbackController{
			Deployments: deploymentRepo,
			Records:     recordRepo,
			Patches:     patchRepo,
			Gateway:     gateway,
			Caller:      caller,
		},
		Caller:     caller,
		Progress:   registry,
		Strategies: strategies,
	}

	engine := &syncworkflow.Engine{}
	runner, err := engine.RemediationRunner(wf)
	if err != nil {
		t.Fatalf("RemediationRunner: %v", err)
	}

	svc := &application.DeploymentService{
		Deployments:   deploymentRepo,
		Records:       recordRepo,
		Patches:       patchRepo,
		Tasks:         registry,
		Orchestration: &application.OrchestrationService{Workflow: runner},
		Locks:         application.NewAssetLocks(),
		Strategies:    strategies,
	}
	return &fixture{svc: svc, deps: deploymentRepo, records: recordRepo, gateway: gateway}
}

func (f *fixture) outcomes(t *testing.T, depID domain.DeploymentID) map[domain.AssetID]domain.AssetRecord {
	t.Helper()
	records, err := f.records.ListByDeployment(context.Background(), depID)
	if err != nil {
		t.Fatalf("ListByDeployment: %v", err)
	}
	out := make(map[domain.AssetID]domain.AssetRecord, len(records))
	for _, rec := range records {
		out[rec.AssetID] = rec
	}
	return out
}

func TestSubmit_RollingSuccess(t *testing.T) {
	gw := &fakeGateway{}
	f := newFixture(t, gw, nil)
	ctx := context.Background()

	res, err := f.svc.Submit(ctx, application.SubmitInput{
		PatchID:  "CVE-2026-0001",
		AssetIDs: []domain.AssetID{"a1", "a2", "a3", "a4"},
		Strategy: domain.StrategyRolling,
		Params:   domain.StrategyParams{WaveSize: 2},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	f.svc.Wait(res.TaskID)

	snap, err := f.svc.Query(ctx, res.TaskID)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if snap.State != tasks.StateSuccess {
		t.Fatalf("task state = %q (%s), want SUCCESS", snap.State, snap.Error)
	}
	if snap.Progress.Current != 2 || snap.Progress.Total != 2 {
		t.Errorf("Progress = %+v, want 2/2", snap.Progress)
	}

	dep, _ := f.deps.Get(ctx, res.DeploymentID)
	if dep.Status != domain.DeploymentSucceeded {
		t.Errorf("Status = %q, want SUCCEEDED", dep.Status)
	}
	for id, rec := range f.outcomes(t, res.DeploymentID) {
		if rec.Outcome != domain.AssetOutcomeApplied {
			t.Errorf("asset %s: Outcome = %q, want applied", id, rec.Outcome)
		}
	}
}

func TestSubmit_RollingFailureRollsBackAppliedWaves(t *testing.T) {
	gw := &fakeGateway{
		applyErr: map[domain.AssetID]error{
			"a2": &domain.PermanentError{Op: "apply", Err: errors.New("exit status 1")},
		},
	}
	f := newFixture(t, gw, nil)
	ctx := context.Background()

	res, err := f.svc.Submit(ctx, application.SubmitInput{
		PatchID:  "CVE-2026-0001",
		AssetIDs: []domain.AssetID{"a1", "a2", "a3"},
		Strategy: domain.StrategyRolling,
		Params:   domain.StrategyParams{WaveSize: 1},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	f.svc.Wait(res.TaskID)

	dep, _ := f.deps.Get(ctx, res.DeploymentID)
	if dep.Status != domain.DeploymentRolledBack {
		t.Fatalf("Status = %q, want ROLLED_BACK", dep.Status)
	}

	outcomes := f.outcomes(t, res.DeploymentID)
	if got := outcomes["a1"].Outcome; got != domain.AssetOutcomeRolledBack {
		t.Errorf("a1 = %q, want rolled_back", got)
	}
	if got := outcomes["a2"].Outcome; got != domain.AssetOutcomeFailed {
		t.Errorf("a2 = %q, want failed", got)
	}
	// The failure aborted the rollout before wave 3; a3 was never touched.
	if got := outcomes["a3"].Outcome; got != domain.AssetOutcomePending {
		t.Errorf("a3 = %q, want pending", got)
	}

	snap, _ := f.svc.Query(ctx, res.TaskID)
	if snap.State != tasks.StateFailure {
		t.Fatalf("task state = %q, want FAILURE", snap.State)
	}
	if !strings.Contains(snap.Error, "a2") || !strings.Contains(snap.Error, "permanent") {
		t.Errorf("task error lacks failure context: %q", snap.Error)
	}
}

func TestSubmit_CanaryPartialRollback(t *testing.T) {
	assets := make([]domain.AssetID, 20)
	for i := range assets {
		assets[i] = domain.AssetID(fmt.Sprintf("node-%02d", i))
	}
	// node-03 is in the 25% step (assets 2..4 after the 10% step covers
	// 0..1); its failure must roll back only what was already applied.
	gw := &fakeGateway{
		applyErr: map[domain.AssetID]error{
			"node-03": &domain.TransientError{Op: "apply", Err: errors.New("connection reset")},
		},
	}
	f := newFixture(t, gw, nil)
	ctx := context.Background()

	res, err := f.svc.Submit(ctx, application.SubmitInput{
		PatchID:  "CVE-2026-0001",
		AssetIDs: assets,
		Strategy: domain.StrategyCanary,
		Params:   domain.StrategyParams{CanarySteps: []int{10, 25, 100}},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	f.svc.Wait(res.TaskID)

	dep, _ := f.deps.Get(ctx, res.DeploymentID)
	if dep.Status != domain.DeploymentRolledBack {
		t.Fatalf("Status = %q, want ROLLED_BACK", dep.Status)
	}

	outcomes := f.outcomes(t, res.DeploymentID)
	var rolledBack, failed, pending int
	for _, rec := range outcomes {
		switch rec.Outcome {
		case domain.AssetOutcomeRolledBack:
			rolledBack++
		case domain.AssetOutcomeFailed:
			failed++
		case domain.AssetOutcomePending:
			pending++
		}
	}
	// 10% step (2 assets) plus the 25% step's survivors (node-02 and
	// node-04) were applied and rolled back; the 100% step never ran.
	if failed != 1 {
		t.Errorf("failed = %d, want 1", failed)
	}
	if rolledBack != 4 {
		t.Errorf("rolled back = %d, want 4", rolledBack)
	}
	if pending != 15 {
		t.Errorf("pending = %d, want 15", pending)
	}
}

func TestSubmit_PersistsLastHealthSample(t *testing.T) {
	gw := &fakeGateway{}
	health := &verdictQueue{samples: map[domain.AssetID]domain.HealthSample{
		"a1": {ErrorRate: 0.012, LatencyMillis: 34},
		"a2": {ErrorRate: 0.02, LatencyMillis: 41},
	}}
	f := newFixture(t, gw, health)
	ctx := context.Background()

	res, err := f.svc.Submit(ctx, application.SubmitInput{
		PatchID:  "CVE-2026-0001",
		AssetIDs: []domain.AssetID{"a1", "a2"},
		Strategy: domain.StrategyRolling,
		Params:   domain.StrategyParams{WaveSize: 2, MonitoringDuration: time.Second},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	f.svc.Wait(res.TaskID)

	outcomes := f.outcomes(t, res.DeploymentID)
	sample := outcomes["a1"].LastSample
	if sample == nil {
		t.Fatal("a1 LastSample = nil, want the window's final sample")
	}
	if sample.ErrorRate != 0.012 {
		t.Errorf("a1 LastSample.ErrorRate = %v, want 0.012", sample.ErrorRate)
	}
	if outcomes["a2"].LastSample == nil {
		t.Error("a2 LastSample = nil, want the window's final sample")
	}
}

func TestSubmit_CanaryHealthFailureAtSecondStep(t *testing.T) {
	assets := make([]domain.AssetID, 20)
	for i := range assets {
		assets[i] = domain.AssetID(fmt.Sprintf("node-%02d", i))
	}
	gw := &fakeGateway{}
	// The 10% step passes its window; the 25% step renders unhealthy.
	health := &verdictQueue{verdicts: []domain.Verdict{
		domain.VerdictHealthy,
		domain.VerdictUnhealthy,
	}}
	f := newFixture(t, gw, health)
	ctx := context.Background()

	res, err := f.svc.Submit(ctx, application.SubmitInput{
		PatchID:  "CVE-2026-0001",
		AssetIDs: assets,
		Strategy: domain.StrategyCanary,
		Params: domain.StrategyParams{
			CanarySteps:        []int{10, 25, 100},
			MonitoringDuration: time.Second,
		},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	f.svc.Wait(res.TaskID)

	dep, _ := f.deps.Get(ctx, res.DeploymentID)
	if dep.Status != domain.DeploymentRolledBack {
		t.Fatalf("Status = %q, want ROLLED_BACK", dep.Status)
	}

	// Exactly the 10% and 25% subsets (5 assets) were touched and roll
	// back; the remaining 75% stays pending throughout.
	outcomes := f.outcomes(t, res.DeploymentID)
	var rolledBack, pending int
	for _, rec := range outcomes {
		switch rec.Outcome {
		case domain.AssetOutcomeRolledBack:
			rolledBack++
		case domain.AssetOutcomePending:
			pending++
		default:
			t.Errorf("%s = %q, want rolled_back or pending", rec.AssetID, rec.Outcome)
		}
	}
	if rolledBack != 5 {
		t.Errorf("rolled back = %d, want 5", rolledBack)
	}
	if pending != 15 {
		t.Errorf("pending = %d, want 15", pending)
	}
}

func TestSubmit_HealthRollback(t *testing.T) {
	gw := &fakeGateway{}
	health := &verdictQueue{verdicts: []domain.Verdict{
		domain.VerdictHealthy,   // wave 1
		domain.VerdictUnhealthy, // wave 2
	}}
	f := newFixture(t, gw, health)
	ctx := context.Background()

	res, err := f.svc.Submit(ctx, application.SubmitInput{
		PatchID:  "CVE-2026-0001",
		AssetIDs: []domain.AssetID{"a1", "a2", "a3"},
		Strategy: domain.StrategyRolling,
		Params:   domain.StrategyParams{WaveSize: 1, MonitoringDuration: time.Second},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	f.svc.Wait(res.TaskID)

	dep, _ := f.deps.Get(ctx, res.DeploymentID)
	if dep.Status != domain.DeploymentRolledBack {
		t.Fatalf("Status = %q, want ROLLED_BACK", dep.Status)
	}
	if !strings.Contains(dep.RollbackReason, "unhealthy") {
		t.Errorf("RollbackReason = %q, want health verdict", dep.RollbackReason)
	}

	outcomes := f.outcomes(t, res.DeploymentID)
	if got := outcomes["a1"].Outcome; got != domain.AssetOutcomeRolledBack {
		t.Errorf("a1 = %q, want rolled_back", got)
	}
	if got := outcomes["a2"].Outcome; got != domain.AssetOutcomeRolledBack {
		t.Errorf("a2 = %q, want rolled_back", got)
	}
	if got := outcomes["a3"].Outcome; got != domain.AssetOutcomePending {
		t.Errorf("a3 = %q, want pending", got)
	}

	// Rollback runs in reverse apply order.
	rb := gw.rolledBackAssets()
	if len(rb) != 2 || rb[0] != "a2" || rb[1] != "a1" {
		t.Errorf("rollback order = %v, want [a2 a1]", rb)
	}
}

func TestSubmit_DegradedHoldsThenProceeds(t *testing.T) {
	gw := &fakeGateway{}
	health := &verdictQueue{verdicts: []domain.Verdict{
		domain.VerdictDegraded, // wave 1, first window
		domain.VerdictHealthy,  // wave 1, extra hold window
	}}
	f := newFixture(t, gw, health)
	ctx := context.Background()

	res, err := f.svc.Submit(ctx, application.SubmitInput{
		PatchID:  "CVE-2026-0001",
		AssetIDs: []domain.AssetID{"a1", "a2"},
		Strategy: domain.StrategyRolling,
		Params:   domain.StrategyParams{WaveSize: 2, MonitoringDuration: time.Second},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	f.svc.Wait(res.TaskID)

	dep, _ := f.deps.Get(ctx, res.DeploymentID)
	if dep.Status != domain.DeploymentSucceeded {
		t.Fatalf("Status = %q, want SUCCEEDED (degraded verdict settles)", dep.Status)
	}
}

func TestSubmit_RollbackFailureIsFlagged(t *testing.T) {
	gw := &fakeGateway{
		applyErr: map[domain.AssetID]error{
			"a2": &domain.PermanentError{Op: "apply", Err: errors.New("exit status 1")},
		},
		rollbackErr: map[domain.AssetID]error{
			"a1": &domain.TransientError{Op: "rollback", Err: errors.New("unreachable")},
		},
	}
	f := newFixture(t, gw, nil)
	ctx := context.Background()

	res, err := f.svc.Submit(ctx, application.SubmitInput{
		PatchID:  "CVE-2026-0001",
		AssetIDs: []domain.AssetID{"a1", "a2"},
		Strategy: domain.StrategyRolling,
		Params:   domain.StrategyParams{WaveSize: 1},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	f.svc.Wait(res.TaskID)

	outcomes := f.outcomes(t, res.DeploymentID)
	if got := outcomes["a1"].Outcome; got != domain.AssetOutcomeRollbackFailed {
		t.Errorf("a1 = %q, want rollback_failed", got)
	}

	snap, _ := f.svc.Query(ctx, res.TaskID)
	if snap.State != tasks.StateFailure {
		t.Fatalf("task state = %q, want FAILURE", snap.State)
	}
	if !strings.Contains(snap.Error, "manual intervention") {
		t.Errorf("task error lacks manual-intervention flag: %q", snap.Error)
	}
}

func TestSubmit_ValidationRejections(t *testing.T) {
	f := newFixture(t, &fakeGateway{}, nil)
	ctx := context.Background()

	cases := []struct {
		name string
		in   application.SubmitInput
	}{
		{"no assets", application.SubmitInput{
			PatchID: "CVE-2026-0001", Strategy: domain.StrategyRolling,
		}},
		{"duplicate assets", application.SubmitInput{
			PatchID: "CVE-2026-0001", AssetIDs: []domain.AssetID{"a1", "a1"}, Strategy: domain.StrategyRolling,
		}},
		{"unknown strategy", application.SubmitInput{
			PatchID: "CVE-2026-0001", AssetIDs: []domain.AssetID{"a1"}, Strategy: "big_bang",
		}},
		{"bad canary steps", application.SubmitInput{
			PatchID: "CVE-2026-0001", AssetIDs: []domain.AssetID{"a1"}, Strategy: domain.StrategyCanary,
			Params: domain.StrategyParams{CanarySteps: []int{50, 10, 100}},
		}},
		{"unapproved patch", application.SubmitInput{
			PatchID: "CVE-2026-0002", AssetIDs: []domain.AssetID{"a1"}, Strategy: domain.StrategyRolling,
		}},
		{"unknown patch", application.SubmitInput{
			PatchID: "CVE-9999-0000", AssetIDs: []domain.AssetID{"a1"}, Strategy: domain.StrategyRolling,
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.Submit(ctx, tc.in)
			if !errors.Is(err, domain.ErrValidation) {
				t.Fatalf("Submit: got %v, want ErrValidation", err)
			}
		})
	}

	if got := f.svc.List(0); len(got) != 0 {
		t.Fatalf("rejected submissions created %d tasks", len(got))
	}
}

func TestSubmit_AssetLockConflict(t *testing.T) {
	gw := &fakeGateway{
		applyStarted: make(chan domain.AssetID, 8),
		applyGate:    make(chan struct{}),
		gated:        map[domain.AssetID]bool{"a1": true},
	}
	f := newFixture(t, gw, nil)
	ctx := context.Background()

	res, err := f.svc.Submit(ctx, application.SubmitInput{
		PatchID:  "CVE-2026-0001",
		AssetIDs: []domain.AssetID{"a1", "a2"},
		Strategy: domain.StrategyRolling,
		Params:   domain.StrategyParams{WaveSize: 2},
	})
	if err != nil {
		t.Fatalf("first Submit: %v", err)
	}
	<-gw.applyStarted

	// Overlap on a1 is rejected while the first deployment holds it.
	_, err = f.svc.Submit(ctx, application.SubmitInput{
		PatchID:  "CVE-2026-0001",
		AssetIDs: []domain.AssetID{"a1", "a3"},
		Strategy: domain.StrategyRolling,
	})
	if !errors.Is(err, domain.ErrAssetLocked) {
		t.Fatalf("overlapping Submit: got %v, want ErrAssetLocked", err)
	}

	// A disjoint fleet proceeds.
	other, err := f.svc.Submit(ctx, application.SubmitInput{
		PatchID:  "CVE-2026-0001",
		AssetIDs: []domain.AssetID{"b1"},
		Strategy: domain.StrategyRolling,
	})
	if err != nil {
		t.Fatalf("disjoint Submit: %v", err)
	}
	f.svc.Wait(other.TaskID)

	close(gw.applyGate)
	f.svc.Wait(res.TaskID)

	// Locks are released on completion.
	if _, err := f.svc.Submit(ctx, application.SubmitInput{
		PatchID:  "CVE-2026-0001",
		AssetIDs: []domain.AssetID{"a1"},
		Strategy: domain.StrategyRolling,
	}); err != nil {
		t.Fatalf("Submit after release: %v", err)
	}
}

func TestCancel_GracefulRollsBackAtPhaseBoundary(t *testing.T) {
	gw := &fakeGateway{
		applyStarted: make(chan domain.AssetID, 8),
		applyGate:    make(chan struct{}),
		gated:        map[domain.AssetID]bool{"a1": true},
	}
	f := newFixture(t, gw, nil)
	ctx := context.Background()

	res, err := f.svc.Submit(ctx, application.SubmitInput{
		PatchID:  "CVE-2026-0001",
		AssetIDs: []domain.AssetID{"a1", "a2", "a3"},
		Strategy: domain.StrategyRolling,
		Params:   domain.StrategyParams{WaveSize: 1},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	<-gw.applyStarted

	result, err := f.svc.Cancel(ctx, res.TaskID, false)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if !result.Cancelled || result.Terminated {
		t.Fatalf("CancelResult = %+v, want graceful cancel", result)
	}

	close(gw.applyGate)
	f.svc.Wait(res.TaskID)

	dep, _ := f.deps.Get(ctx, res.DeploymentID)
	if dep.Status != domain.DeploymentRolledBack {
		t.Fatalf("Status = %q, want ROLLED_BACK", dep.Status)
	}

	// Wave 1 completed and was compensated; the rest never started.
	outcomes := f.outcomes(t, res.DeploymentID)
	if got := outcomes["a1"].Outcome; got != domain.AssetOutcomeRolledBack {
		t.Errorf("a1 = %q, want rolled_back", got)
	}
	if got := outcomes["a2"].Outcome; got != domain.AssetOutcomePending {
		t.Errorf("a2 = %q, want pending", got)
	}

	snap, _ := f.svc.Query(ctx, res.TaskID)
	if snap.State != tasks.StateRevoked {
		t.Fatalf("task state = %q, want REVOKED", snap.State)
	}
}

func TestCancel_TerminateAbandonsInFlight(t *testing.T) {
	gw := &fakeGateway{
		applyStarted: make(chan domain.AssetID, 8),
		applyGate:    make(chan struct{}), // never closed; only ctx unblocks
		gated:        map[domain.AssetID]bool{"a1": true},
	}
	f := newFixture(t, gw, nil)
	ctx := context.Background()

	res, err := f.svc.Submit(ctx, application.SubmitInput{
		PatchID:  "CVE-2026-0001",
		AssetIDs: []domain.AssetID{"a1", "a2"},
		Strategy: domain.StrategyRolling,
		Params:   domain.StrategyParams{WaveSize: 1},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	<-gw.applyStarted

	result, err := f.svc.Cancel(ctx, res.TaskID, true)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if !result.Terminated {
		t.Fatalf("CancelResult = %+v, want terminated", result)
	}
	f.svc.Wait(res.TaskID)

	snap, _ := f.svc.Query(ctx, res.TaskID)
	if snap.State != tasks.StateRevoked {
		t.Fatalf("task state = %q, want REVOKED", snap.State)
	}

	dep, _ := f.deps.Get(ctx, res.DeploymentID)
	if dep.Status != domain.DeploymentFailed {
		t.Fatalf("Status = %q, want FAILED", dep.Status)
	}

	// The abandoned asset is flagged for reconciliation.
	outcomes := f.outcomes(t, res.DeploymentID)
	if !outcomes["a1"].NeedsReconcile {
		t.Errorf("a1: NeedsReconcile = false, want true")
	}
}

func TestCancel_Idempotent(t *testing.T) {
	gw := &fakeGateway{}
	f := newFixture(t, gw, nil)
	ctx := context.Background()

	res, err := f.svc.Submit(ctx, application.SubmitInput{
		PatchID:  "CVE-2026-0001",
		AssetIDs: []domain.AssetID{"a1"},
		Strategy: domain.StrategyRolling,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	f.svc.Wait(res.TaskID)

	result, err := f.svc.Cancel(ctx, res.TaskID, false)
	if err != nil {
		t.Fatalf("Cancel after completion: %v", err)
	}
	if result.Cancelled {
		t.Fatalf("CancelResult = %+v, want no-op on terminal task", result)
	}
	if !strings.Contains(result.Message, "already") {
		t.Errorf("Message = %q", result.Message)
	}

	// The task's terminal state is untouched.
	snap, _ := f.svc.Query(ctx, res.TaskID)
	if snap.State != tasks.StateSuccess {
		t.Fatalf("task state = %q, want SUCCESS", snap.State)
	}

	if _, err := f.svc.Cancel(ctx, "no-such-task", false); !errors.Is(err, tasks.ErrNotFound) {
		t.Fatalf("Cancel unknown task: got %v, want tasks.ErrNotFound", err)
	}
}

// phasePlanStub serves a fixed phase plan for any submitted strategy.
type phasePlanStub struct {
	phases []domain.Phase
}

func (s *phasePlanStub) Plan([]domain.AssetID, domain.StrategyParams) ([]domain.Phase, error) {
	return s.phases, nil
}

func (s *phasePlanStub) RolloutStrategy(domain.StrategySpec) (domain.RolloutStrategy, error) {
	return s, nil
}

func TestSubmit_RollbackPastCutoverRevertsTraffic(t *testing.T) {
	gw := &fakeGateway{
		applyErr: map[domain.AssetID]error{
			"green-2": &domain.PermanentError{Op: "apply", Err: errors.New("exit status 1")},
		},
	}
	// A plan that keeps rolling out after the routing switch, so the
	// failure lands with the cutover already behind it.
	plan := &phasePlanStub{phases: []domain.Phase{
		{Index: 0, Label: "green apply", AssetIDs: []domain.AssetID{"green-1"}},
		{Index: 1, Label: "cutover", Cutover: true},
		{Index: 2, Label: "green expand", AssetIDs: []domain.AssetID{"green-2"}},
	}}
	f := newFixtureWithStrategies(t, gw, nil, plan)
	ctx := context.Background()

	res, err := f.svc.Submit(ctx, application.SubmitInput{
		PatchID:  "CVE-2026-0001",
		AssetIDs: []domain.AssetID{"green-1", "green-2"},
		Strategy: domain.StrategyBlueGreen,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	f.svc.Wait(res.TaskID)

	dep, _ := f.deps.Get(ctx, res.DeploymentID)
	if dep.Status != domain.DeploymentRolledBack {
		t.Fatalf("Status = %q, want ROLLED_BACK", dep.Status)
	}
	// Routing must point back at the prior set once the green set is
	// rolled back.
	if dep.TrafficSwitched {
		t.Error("TrafficSwitched = true after rollback, want false")
	}

	outcomes := f.outcomes(t, res.DeploymentID)
	if got := outcomes["green-1"].Outcome; got != domain.AssetOutcomeRolledBack {
		t.Errorf("green-1 = %q, want rolled_back", got)
	}
	if got := outcomes["green-2"].Outcome; got != domain.AssetOutcomeFailed {
		t.Errorf("green-2 = %q, want failed", got)
	}
}

func TestSubmit_BlueGreenCutover(t *testing.T) {
	gw := &fakeGateway{}
	f := newFixture(t, gw, &verdictQueue{})
	ctx := context.Background()

	res, err := f.svc.Submit(ctx, application.SubmitInput{
		PatchID:  "CVE-2026-0001",
		AssetIDs: []domain.AssetID{"g1", "g2"},
		Strategy: domain.StrategyBlueGreen,
		Params:   domain.StrategyParams{MonitoringDuration: time.Second},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	f.svc.Wait(res.TaskID)

	dep, _ := f.deps.Get(ctx, res.DeploymentID)
	if dep.Status != domain.DeploymentSucceeded {
		t.Fatalf("Status = %q, want SUCCEEDED", dep.Status)
	}
	if !dep.TrafficSwitched {
		t.Error("TrafficSwitched = false, want true after cutover")
	}
}
