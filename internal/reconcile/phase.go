package reconcile

import (
	"caravel/internal/check"
)

// Phase tracks a single reconciliation through its protocol. Pull strictly
// precedes restart: a failure before PhasePulled leaves the remote topology
// untouched.
type Phase uint8

const (
	PhaseIdle Phase = iota + 1
	PhaseConnected
	PhasePulled
	PhaseRestarted
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseConnected:
		return "connected"
	case PhasePulled:
		return "pulled"
	case PhaseRestarted:
		return "restarted"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (p Phase) IsValid() bool {
	switch p {
	case PhaseIdle, PhaseConnected, PhasePulled, PhaseRestarted, PhaseFailed:
		return true
	default:
		return false
	}
}

// Transition asserts legal phase transitions. Any phase may fail; forward
// progress is strictly ordered.
func (p Phase) Transition(to Phase) Phase {
	ok := false
	switch p {
	case PhaseIdle:
		ok = to == PhaseConnected || to == PhaseFailed
	case PhaseConnected:
		ok = to == PhasePulled || to == PhaseFailed
	case PhasePulled:
		ok = to == PhaseRestarted || to == PhaseFailed
	case PhaseRestarted:
		ok = to == PhaseIdle || to == PhaseFailed
	case PhaseFailed:
		ok = to == PhaseIdle
	}
	check.Assertf(ok, "reconcile phase transition: %s -> %s", p, to)
	if !ok {
		return p
	}
	return to
}
