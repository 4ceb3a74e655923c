package reconcile

import "testing"

func TestPhase_Strings(t *testing.T) {
	cases := map[Phase]string{
		PhaseIdle:      "idle",
		PhaseConnected: "connected",
		PhasePulled:    "pulled",
		PhaseRestarted: "restarted",
		PhaseFailed:    "failed",
	}
	for phase, want := range cases {
		if got := phase.String(); got != want {
			t.Fatalf("String() = %q, want %q", got, want)
		}
		if !phase.IsValid() {
			t.Fatalf("%v.IsValid() = false", phase)
		}
	}
	if Phase(0).IsValid() {
		t.Fatal("Phase(0).IsValid() = true")
	}
}

func TestPhase_ForwardTransitions(t *testing.T) {
	phase := PhaseIdle
	for _, next := range []Phase{PhaseConnected, PhasePulled, PhaseRestarted, PhaseIdle} {
		phase = phase.Transition(next)
		if phase != next {
			t.Fatalf("transition = %v, want %v", phase, next)
		}
	}
}

func TestPhase_AnyPhaseMayFail(t *testing.T) {
	for _, from := range []Phase{PhaseIdle, PhaseConnected, PhasePulled, PhaseRestarted} {
		if got := from.Transition(PhaseFailed); got != PhaseFailed {
			t.Fatalf("%v -> failed = %v", from, got)
		}
	}
}

func TestPhase_FailedRecoversToIdle(t *testing.T) {
	if got := PhaseFailed.Transition(PhaseIdle); got != PhaseIdle {
		t.Fatalf("failed -> idle = %v", got)
	}
}
