package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"caravel/internal/check"
	"caravel/internal/telemetry"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// Coordinator sequences build -> publish -> reconcile for each trigger.
//
// Builds and publishes for the two components run in parallel with each
// other; a stage group only starts once the previous group fully succeeded.
// Reconciliations are serialized across concurrent runs: the remote host is
// a singleton and must never see two stop/start sequences at once.
type Coordinator struct {
	builder    Builder
	publisher  Publisher
	reconciler Reconciler
	store      RunStore
	clock      Clock
	tracer     trace.Tracer

	reconcileMu sync.Mutex
}

func NewCoordinator(builder Builder, publisher Publisher, reconciler Reconciler, store RunStore, clock Clock) *Coordinator {
	check.Assert(builder != nil, "NewCoordinator: builder must not be nil")
	check.Assert(publisher != nil, "NewCoordinator: publisher must not be nil")
	check.Assert(reconciler != nil, "NewCoordinator: reconciler must not be nil")
	check.Assert(store != nil, "NewCoordinator: run store must not be nil")
	check.Assert(clock != nil, "NewCoordinator: clock must not be nil")
	return &Coordinator{
		builder:    builder,
		publisher:  publisher,
		reconciler: reconciler,
		store:      store,
		clock:      clock,
	}
}

// WithTracer enables per-stage trace spans on subsequent runs.
func (c *Coordinator) WithTracer(tracer trace.Tracer) *Coordinator {
	c.tracer = tracer
	return c
}

// Run executes the full pipeline for one trigger commit. The returned Run
// is terminal; on stage failure the error is the failing stage's
// *StageError and the run records its kind.
func (c *Coordinator) Run(ctx context.Context, commit string) (Run, error) {
	tag := TagForCommit(commit)
	now := c.clock.Now().UTC().Format(time.RFC3339Nano)

	run := Run{
		ID:        newRunID(tag, c.clock.Now()),
		Commit:    commit,
		Tag:       tag,
		Status:    RunInProgress,
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, component := range Components() {
		run.Stages = append(run.Stages, StageResult{Name: StageName(StageBuild, component), Status: StagePending})
	}
	for _, component := range Components() {
		run.Stages = append(run.Stages, StageResult{Name: StageName(StagePublish, component), Status: StagePending})
	}
	run.Stages = append(run.Stages, StageResult{Name: StageReconcile, Status: StagePending})

	if err := c.store.InsertRun(ctx, run); err != nil {
		return run, fmt.Errorf("insert pipeline run %q: %w", run.ID, err)
	}

	op := c.startOperation(ctx, run)
	runCtx := ctx
	if op != nil {
		runCtx = op.Context()
	}

	err := c.runStages(runCtx, &run, op, tag)
	op.End(err)

	switch {
	case err == nil:
		run.Status = run.Status.Transition(RunSucceeded)
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		run.Status = run.Status.Transition(RunCanceled)
	default:
		run.Status = run.Status.Transition(RunFailed)
	}
	c.finalize(&run)
	return run, err
}

func (c *Coordinator) runStages(ctx context.Context, run *Run, op *telemetry.Operation, tag string) error {
	var mu sync.Mutex
	artifacts := make(map[Component]ImageArtifact, len(Components()))

	// Build backend and frontend in parallel; both contexts are independent.
	g, buildCtx := errgroup.WithContext(ctx)
	for _, component := range Components() {
		g.Go(func() error {
			return c.runStage(buildCtx, run, &mu, op, StageName(StageBuild, component), func(stageCtx context.Context) error {
				artifact, err := c.builder.Build(stageCtx, component, tag)
				if err != nil {
					return err
				}
				mu.Lock()
				artifacts[component] = artifact
				mu.Unlock()
				return nil
			})
		})
	}
	if err := g.Wait(); err != nil {
		c.skipPending(run)
		return err
	}
	c.persist(ctx, run)

	if err := ctx.Err(); err != nil {
		c.skipPending(run)
		return err
	}

	// Publish only after every build succeeded: a half-published pair must
	// never reach the reconcile stage.
	g, pushCtx := errgroup.WithContext(ctx)
	for _, component := range Components() {
		g.Go(func() error {
			return c.runStage(pushCtx, run, &mu, op, StageName(StagePublish, component), func(stageCtx context.Context) error {
				return c.publisher.Push(stageCtx, artifacts[component])
			})
		})
	}
	if err := g.Wait(); err != nil {
		c.skipPending(run)
		return err
	}
	c.persist(ctx, run)

	// Last cancellation point with no remote side effects.
	if err := ctx.Err(); err != nil {
		c.skipPending(run)
		return err
	}

	c.reconcileMu.Lock()
	defer c.reconcileMu.Unlock()

	return c.runStage(ctx, run, &mu, op, StageReconcile, func(stageCtx context.Context) error {
		return c.reconciler.Reconcile(stageCtx, tag)
	})
}

// runStage updates the named stage's record around fn and wraps it in a
// trace span when tracing is configured.
func (c *Coordinator) runStage(ctx context.Context, run *Run, mu *sync.Mutex, op *telemetry.Operation, name string, fn func(context.Context) error) error {
	mu.Lock()
	idx := stageIndex(run, name)
	check.Assertf(idx >= 0, "unknown stage %q", name)
	run.Stages[idx].Status = StageRunning
	run.Stages[idx].StartedAt = c.clock.Now().UTC().Format(time.RFC3339Nano)
	mu.Unlock()

	err := op.RunStep(ctx, name, fn)

	mu.Lock()
	defer mu.Unlock()
	run.Stages[idx].FinishedAt = c.clock.Now().UTC().Format(time.RFC3339Nano)
	if err == nil {
		run.Stages[idx].Status = StageSucceeded
		return nil
	}

	run.Stages[idx].Status = StageFailed
	run.Stages[idx].ErrorKind = classifyKind(err)
	run.Stages[idx].Message = err.Error()
	slog.Error("pipeline stage failed",
		"run", run.ID, "stage", name, "kind", run.Stages[idx].ErrorKind.String(), "err", err)
	return err
}

func (c *Coordinator) skipPending(run *Run) {
	for i := range run.Stages {
		if run.Stages[i].Status == StagePending {
			run.Stages[i].Status = StageSkipped
		}
	}
}

func (c *Coordinator) persist(ctx context.Context, run *Run) {
	run.UpdatedAt = c.clock.Now().UTC().Format(time.RFC3339Nano)
	if err := c.store.UpdateRun(ctx, *run); err != nil {
		slog.Warn("persist pipeline run", "run", run.ID, "err", err)
	}
}

func (c *Coordinator) finalize(run *Run) {
	run.UpdatedAt = c.clock.Now().UTC().Format(time.RFC3339Nano)
	// Use a fresh context: the run context may already be canceled and the
	// terminal record must still land.
	persistCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.store.UpdateRun(persistCtx, *run); err != nil {
		slog.Warn("persist pipeline run", "run", run.ID, "err", err)
	}
}

func (c *Coordinator) startOperation(ctx context.Context, run Run) *telemetry.Operation {
	if c.tracer == nil {
		return nil
	}
	plan := telemetry.Plan{}
	for _, st := range run.Stages {
		plan.Steps = append(plan.Steps, telemetry.PlannedStep{ID: st.Name, Title: st.Name})
	}
	op, err := telemetry.EmitPlan(ctx, c.tracer, "pipeline.run", plan)
	if err != nil {
		slog.Debug("emit pipeline plan", "run", run.ID, "err", err)
		return nil
	}
	return op
}

func stageIndex(run *Run, name string) int {
	for i := range run.Stages {
		if run.Stages[i].Name == name {
			return i
		}
	}
	return -1
}

func classifyKind(err error) ErrorKind {
	var se *StageError
	if errors.As(err, &se) && se.Kind.IsValid() {
		return se.Kind
	}
	return ErrorKindUnknown
}
