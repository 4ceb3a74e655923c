package pipeline

import (
	"context"
	"time"
)

// Builder produces a tagged image artifact from a component's source context.
type Builder interface {
	Build(ctx context.Context, component Component, tag string) (ImageArtifact, error)
}

// Publisher pushes a built artifact to the image registry.
type Publisher interface {
	Push(ctx context.Context, artifact ImageArtifact) error
}

// Reconciler brings the remote host's running topology in line with the
// service descriptor and the given tag.
type Reconciler interface {
	Reconcile(ctx context.Context, tag string) error
}

// RunStore persists pipeline run records.
type RunStore interface {
	InsertRun(ctx context.Context, run Run) error
	UpdateRun(ctx context.Context, run Run) error
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }
