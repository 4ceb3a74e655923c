// Package reconcile brings the remote host's running container topology
// into agreement with the service descriptor and the latest published
// images.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"caravel/internal/check"
	"caravel/internal/descriptor"
	"caravel/internal/pipeline"
	"caravel/internal/remote"
)

const (
	defaultScriptTimeout  = 2 * time.Minute
	defaultRestartTimeout = 5 * time.Minute
)

// DeploymentState is the pipeline's versioned view of what the remote host
// runs. It is read before acting and overwritten, version incremented, only
// after a successful restart.
type DeploymentState struct {
	Host      string            `json:"host"`
	Version   int64             `json:"version"`
	Tag       string            `json:"tag"`
	Services  map[string]string `json:"services"` // service name -> image reference
	UpdatedAt string            `json:"updated_at"`
}

// StateStore persists DeploymentState records.
type StateStore interface {
	GetDeploymentState(ctx context.Context, host string) (DeploymentState, bool, error)
	SaveDeploymentState(ctx context.Context, state DeploymentState) error
}

// DescriptorSource renders the service descriptor for a given image tag.
type DescriptorSource interface {
	Descriptor(ctx context.Context, tag string) (*descriptor.Descriptor, error)
}

// Reconciler drives the remote protocol: preflight, upload descriptor,
// pull everything, then one restart over the whole topology.
type Reconciler struct {
	runner    remote.Runner
	source    DescriptorSource
	states    StateStore
	clock     pipeline.Clock
	host      string
	deployDir string
	skew      *SkewChecker

	scriptTimeout  time.Duration
	restartTimeout time.Duration

	mu    sync.Mutex
	phase Phase
}

var _ pipeline.Reconciler = (*Reconciler)(nil)

func NewReconciler(runner remote.Runner, source DescriptorSource, states StateStore, clock pipeline.Clock, host, deployDir string) *Reconciler {
	check.Assert(runner != nil, "NewReconciler: runner must not be nil")
	check.Assert(source != nil, "NewReconciler: descriptor source must not be nil")
	check.Assert(states != nil, "NewReconciler: state store must not be nil")
	check.Assert(clock != nil, "NewReconciler: clock must not be nil")
	return &Reconciler{
		runner:         runner,
		source:         source,
		states:         states,
		clock:          clock,
		host:           host,
		deployDir:      deployDir,
		phase:          PhaseIdle,
		scriptTimeout:  defaultScriptTimeout,
		restartTimeout: defaultRestartTimeout,
	}
}

// WithSkewChecker enables the warn-only NTP clock check.
func (r *Reconciler) WithSkewChecker(checker *SkewChecker) *Reconciler {
	r.skew = checker
	return r
}

// WithTimeouts overrides per-script deadlines.
func (r *Reconciler) WithTimeouts(script, restart time.Duration) *Reconciler {
	if script > 0 {
		r.scriptTimeout = script
	}
	if restart > 0 {
		r.restartTimeout = restart
	}
	return r
}

// Phase returns the phase the last reconciliation ended in.
func (r *Reconciler) Phase() Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.phase
}

func (r *Reconciler) setPhase(to Phase) {
	r.mu.Lock()
	r.phase = r.phase.Transition(to)
	r.mu.Unlock()
}

// Reconcile applies the descriptor at the given tag to the remote host.
// Failure before the restart step preserves the last-known-good topology.
func (r *Reconciler) Reconcile(ctx context.Context, tag string) (retErr error) {
	r.mu.Lock()
	r.phase = PhaseIdle
	r.mu.Unlock()

	defer func() {
		if retErr != nil {
			r.setPhase(PhaseFailed)
		}
	}()

	desc, err := r.source.Descriptor(ctx, tag)
	if err != nil {
		return pipeline.Errorf(pipeline.StageReconcile, pipeline.ErrorKindReconcile, "load descriptor: %v", err)
	}
	if err := desc.Validate(); err != nil {
		return pipeline.Errorf(pipeline.StageReconcile, pipeline.ErrorKindReconcile, "validate descriptor: %v", err)
	}

	if r.skew != nil {
		if status := r.skew.Check(); status.Error != "" {
			slog.Warn("clock skew check failed", "err", status.Error)
		} else if !status.Healthy {
			slog.Warn("local clock is skewed", "offset", status.Offset)
		}
	}

	prior, found, err := r.states.GetDeploymentState(ctx, r.host)
	if err != nil {
		return pipeline.Errorf(pipeline.StageReconcile, pipeline.ErrorKindReconcile, "read deployment state: %v", err)
	}
	if found {
		slog.Info("reconciling", "host", r.host, "from_tag", prior.Tag, "to_tag", tag, "version", prior.Version)
	} else {
		slog.Info("first reconciliation", "host", r.host, "tag", tag)
	}

	// Connect: preflight proves reachability, credentials, and prerequisites.
	if _, err := r.run(ctx, remote.PreflightScript(r.deployDir), r.scriptTimeout); err != nil {
		return pipeline.Errorf(pipeline.StageReconcile, pipeline.ErrorKindConnection, "preflight %s: %v", r.host, err)
	}
	r.setPhase(PhaseConnected)

	if _, err := r.run(ctx, remote.UploadDescriptorScript(r.deployDir, string(desc.Raw)), r.scriptTimeout); err != nil {
		return pipeline.Errorf(pipeline.StageReconcile, pipeline.ErrorKindConnection, "upload descriptor: %v", err)
	}

	// Pull everything before stopping anything. A missing tag or an
	// unreachable registry aborts here with the old topology still serving.
	services := make([]string, 0, len(desc.Services))
	for _, svc := range desc.Services {
		services = append(services, svc.Name)
	}
	if _, err := r.run(ctx, remote.PullScript(r.deployDir, services), r.scriptTimeout); err != nil {
		return pipeline.Errorf(pipeline.StageReconcile, pipeline.ErrorKindPull, "pull images: %v", err)
	}
	r.setPhase(PhasePulled)

	// The restart runs to completion even if the run is canceled: the host
	// has no safe intermediate state to abort into once containers stop.
	restartCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.restartTimeout)
	defer cancel()
	if _, err := r.runner.RunScript(restartCtx, remote.RestartScript(r.deployDir)); err != nil {
		return pipeline.Errorf(pipeline.StageReconcile, pipeline.ErrorKindReconcile, "restart services: %v", err)
	}
	r.setPhase(PhaseRestarted)

	// Verify before recording: the state store only ever describes a
	// topology the host confirmed running.
	verifyCtx, cancelVerify := context.WithTimeout(context.WithoutCancel(ctx), r.scriptTimeout)
	defer cancelVerify()
	out, err := r.runner.RunScript(verifyCtx, remote.RunningServicesScript(r.deployDir))
	if err != nil {
		return pipeline.Errorf(pipeline.StageReconcile, pipeline.ErrorKindReconcile, "list running services: %v", err)
	}
	if missing := missingServices(services, out); len(missing) > 0 {
		return pipeline.Errorf(pipeline.StageReconcile, pipeline.ErrorKindReconcile,
			"services not running after restart: %s", strings.Join(missing, ", "))
	}

	next := DeploymentState{
		Host:      r.host,
		Version:   prior.Version + 1,
		Tag:       tag,
		Services:  make(map[string]string, len(desc.Services)),
		UpdatedAt: r.clock.Now().UTC().Format(time.RFC3339Nano),
	}
	for _, svc := range desc.Services {
		next.Services[svc.Name] = svc.Image
	}
	if err := r.states.SaveDeploymentState(context.WithoutCancel(ctx), next); err != nil {
		return pipeline.Errorf(pipeline.StageReconcile, pipeline.ErrorKindReconcile, "save deployment state: %v", err)
	}

	r.setPhase(PhaseIdle)
	slog.Info("reconciled", "host", r.host, "tag", tag, "version", next.Version, "services", len(next.Services))
	return nil
}

// missingServices compares the wanted service names against the newline
// separated `compose ps` output.
func missingServices(want []string, out string) []string {
	running := make(map[string]bool)
	for _, line := range strings.Split(out, "\n") {
		if name := strings.TrimSpace(line); name != "" {
			running[name] = true
		}
	}
	var missing []string
	for _, name := range want {
		if !running[name] {
			missing = append(missing, name)
		}
	}
	return missing
}

func (r *Reconciler) run(ctx context.Context, script string, timeout time.Duration) (string, error) {
	scriptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	out, err := r.runner.RunScript(scriptCtx, script)
	if err != nil {
		if scriptCtx.Err() != nil && ctx.Err() == nil {
			return "", fmt.Errorf("timed out after %s: %w", timeout, err)
		}
		return "", err
	}
	return out, nil
}
