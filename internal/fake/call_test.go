package fake

import "testing"

func TestCallRecorder_Record(t *testing.T) {
	var r CallRecorder

	r.record("Build", "backend", "abc123")
	r.record("Push", "b")
	r.record("Build", "frontend")

	all := r.Calls("")
	if len(all) != 3 {
		t.Fatalf("expected 3 calls, got %d", len(all))
	}

	builds := r.Calls("Build")
	if len(builds) != 2 {
		t.Fatalf("expected 2 Build calls, got %d", len(builds))
	}
	if builds[0].Args[0] != "backend" {
		t.Errorf("expected first Build arg 'backend', got %v", builds[0].Args[0])
	}

	if len(r.Calls("Reconcile")) != 0 {
		t.Errorf("expected 0 Reconcile calls")
	}
}

func TestCallRecorder_Reset(t *testing.T) {
	var r CallRecorder

	r.record("Build")
	r.record("Push")
	r.Reset()

	if len(r.Calls("")) != 0 {
		t.Errorf("expected 0 calls after reset, got %d", len(r.Calls("")))
	}
}
