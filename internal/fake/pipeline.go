package fake

import (
	"context"
	"fmt"
	"sync"

	"caravel/internal/pipeline"
)

var (
	_ pipeline.Builder    = (*Builder)(nil)
	_ pipeline.Publisher  = (*Publisher)(nil)
	_ pipeline.Reconciler = (*Reconciler)(nil)
	_ pipeline.RunStore   = (*RunStore)(nil)
)

// Builder is an in-memory implementation of pipeline.Builder.
type Builder struct {
	CallRecorder

	BuildErr func(ctx context.Context, component pipeline.Component, tag string) error
	// Repository prefixes built image refs; defaults to "registry.test/app".
	Repository string
}

func NewBuilder() *Builder {
	return &Builder{Repository: "registry.test/app"}
}

func (b *Builder) Build(ctx context.Context, component pipeline.Component, tag string) (pipeline.ImageArtifact, error) {
	b.record("Build", component, tag)
	if b.BuildErr != nil {
		if err := b.BuildErr(ctx, component, tag); err != nil {
			return pipeline.ImageArtifact{}, err
		}
	}
	ref := fmt.Sprintf("%s-%s:%s", b.Repository, component, tag)
	return pipeline.ImageArtifact{
		Component: component,
		Ref:       ref,
		Tag:       tag,
		Digest:    fmt.Sprintf("sha256:fake-%s-%s", component, tag),
	}, nil
}

// Publisher is an in-memory implementation of pipeline.Publisher.
type Publisher struct {
	CallRecorder

	PushErr func(ctx context.Context, artifact pipeline.ImageArtifact) error
}

func NewPublisher() *Publisher {
	return &Publisher{}
}

func (p *Publisher) Push(ctx context.Context, artifact pipeline.ImageArtifact) error {
	p.record("Push", artifact)
	if p.PushErr != nil {
		if err := p.PushErr(ctx, artifact); err != nil {
			return err
		}
	}
	return nil
}

// Reconciler is an in-memory implementation of pipeline.Reconciler.
type Reconciler struct {
	CallRecorder

	ReconcileErr func(ctx context.Context, tag string) error
}

func NewReconciler() *Reconciler {
	return &Reconciler{}
}

func (r *Reconciler) Reconcile(ctx context.Context, tag string) error {
	r.record("Reconcile", tag)
	if r.ReconcileErr != nil {
		if err := r.ReconcileErr(ctx, tag); err != nil {
			return err
		}
	}
	return nil
}

// RunStore is an in-memory implementation of pipeline.RunStore.
type RunStore struct {
	CallRecorder
	mu   sync.Mutex
	runs map[string]pipeline.Run

	InsertRunErr func(ctx context.Context, run pipeline.Run) error
	UpdateRunErr func(ctx context.Context, run pipeline.Run) error
}

func NewRunStore() *RunStore {
	return &RunStore{runs: make(map[string]pipeline.Run)}
}

func (s *RunStore) InsertRun(ctx context.Context, run pipeline.Run) error {
	s.record("InsertRun", run)
	if s.InsertRunErr != nil {
		if err := s.InsertRunErr(ctx, run); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[run.ID]; ok {
		return fmt.Errorf("run %q already exists", run.ID)
	}
	s.runs[run.ID] = cloneRun(run)
	return nil
}

func (s *RunStore) UpdateRun(ctx context.Context, run pipeline.Run) error {
	s.record("UpdateRun", run)
	if s.UpdateRunErr != nil {
		if err := s.UpdateRunErr(ctx, run); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[run.ID]; !ok {
		return fmt.Errorf("run %q not found", run.ID)
	}
	s.runs[run.ID] = cloneRun(run)
	return nil
}

// Run returns the stored record for id.
func (s *RunStore) Run(id string) (pipeline.Run, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return pipeline.Run{}, false
	}
	return cloneRun(run), true
}

func cloneRun(run pipeline.Run) pipeline.Run {
	out := run
	out.Stages = make([]pipeline.StageResult, len(run.Stages))
	copy(out.Stages, run.Stages)
	return out
}
