package fake

import (
	"context"
	"fmt"
	"sync"
	"time"

	"caravel/internal/pipeline"
	"caravel/internal/reconcile"
)

var (
	_ reconcile.StateStore = (*StateStore)(nil)
	_ pipeline.Clock       = (*Clock)(nil)
)

// StateStore is an in-memory implementation of reconcile.StateStore with
// the same version discipline as the sqlite store.
type StateStore struct {
	CallRecorder
	mu     sync.Mutex
	states map[string]reconcile.DeploymentState

	GetDeploymentStateErr  func(ctx context.Context, host string) error
	SaveDeploymentStateErr func(ctx context.Context, state reconcile.DeploymentState) error
}

func NewStateStore() *StateStore {
	return &StateStore{states: make(map[string]reconcile.DeploymentState)}
}

func (s *StateStore) GetDeploymentState(ctx context.Context, host string) (reconcile.DeploymentState, bool, error) {
	s.record("GetDeploymentState", host)
	if s.GetDeploymentStateErr != nil {
		if err := s.GetDeploymentStateErr(ctx, host); err != nil {
			return reconcile.DeploymentState{}, false, err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.states[host]
	return state, ok, nil
}

func (s *StateStore) SaveDeploymentState(ctx context.Context, state reconcile.DeploymentState) error {
	s.record("SaveDeploymentState", state)
	if s.SaveDeploymentStateErr != nil {
		if err := s.SaveDeploymentStateErr(ctx, state); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	prior, ok := s.states[state.Host]
	if ok && state.Version != prior.Version+1 {
		return fmt.Errorf("deployment state version conflict: have %d, got %d", prior.Version, state.Version)
	}
	if !ok && state.Version != 1 {
		return fmt.Errorf("deployment state version conflict: first write must be version 1, got %d", state.Version)
	}
	s.states[state.Host] = state
	return nil
}

// Seed installs a state record without version checks.
func (s *StateStore) Seed(state reconcile.DeploymentState) {
	s.mu.Lock()
	s.states[state.Host] = state
	s.mu.Unlock()
}

// Clock is a settable pipeline.Clock that starts at a fixed instant. Each
// Now call ticks it forward a microsecond, so successive reads are
// strictly ordered and derived identifiers never collide.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock() *Clock {
	return &Clock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Microsecond)
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
