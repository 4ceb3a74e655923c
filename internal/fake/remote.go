package fake

import (
	"context"
	"strings"
	"sync"

	"caravel/internal/remote"
)

var _ remote.Runner = (*Runner)(nil)

// Runner is an in-memory implementation of remote.Runner. Scripts are
// recorded verbatim; outputs and failures are keyed on a substring of the
// script so tests can target individual protocol steps.
type Runner struct {
	CallRecorder
	mu      sync.Mutex
	outputs map[string]string
	errs    map[string]error

	RunScriptErr func(ctx context.Context, script string) error
}

func NewRunner() *Runner {
	return &Runner{
		outputs: make(map[string]string),
		errs:    make(map[string]error),
	}
}

// SetOutput returns out from any script containing marker.
func (r *Runner) SetOutput(marker, out string) {
	r.mu.Lock()
	r.outputs[marker] = out
	r.mu.Unlock()
}

// FailOn makes any script containing marker return err.
func (r *Runner) FailOn(marker string, err error) {
	r.mu.Lock()
	r.errs[marker] = err
	r.mu.Unlock()
}

// Scripts returns every script run so far, in order.
func (r *Runner) Scripts() []string {
	var out []string
	for _, c := range r.Calls("RunScript") {
		out = append(out, c.Args[0].(string))
	}
	return out
}

func (r *Runner) RunScript(ctx context.Context, script string) (string, error) {
	r.record("RunScript", script)
	if r.RunScriptErr != nil {
		if err := r.RunScriptErr(ctx, script); err != nil {
			return "", err
		}
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	for marker, err := range r.errs {
		if strings.Contains(script, marker) {
			return "", err
		}
	}
	for marker, out := range r.outputs {
		if strings.Contains(script, marker) {
			return out, nil
		}
	}
	return "", nil
}
