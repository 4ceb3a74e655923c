package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
)

func TestErrorKind_Strings(t *testing.T) {
	cases := map[ErrorKind]string{
		ErrorKindUnknown:    "unknown",
		ErrorKindBuild:      "build_error",
		ErrorKindAuth:       "auth_error",
		ErrorKindPush:       "push_error",
		ErrorKindPull:       "pull_error",
		ErrorKindConnection: "connection_error",
		ErrorKindReconcile:  "reconcile_error",
	}
	for kind, want := range cases {
		if got := kind.String(); got != want {
			t.Fatalf("String() = %q, want %q", got, want)
		}
		parsed, ok := parseErrorKind(want)
		if !ok || parsed != kind {
			t.Fatalf("parseErrorKind(%q) = %v, %v", want, parsed, ok)
		}
	}
}

func TestErrorKind_Retryable(t *testing.T) {
	for _, kind := range []ErrorKind{ErrorKindAuth, ErrorKindPush} {
		if !kind.Retryable() {
			t.Fatalf("%v.Retryable() = false, want true", kind)
		}
	}
	for _, kind := range []ErrorKind{ErrorKindBuild, ErrorKindPull, ErrorKindConnection, ErrorKindReconcile, ErrorKindUnknown} {
		if kind.Retryable() {
			t.Fatalf("%v.Retryable() = true, want false", kind)
		}
	}
}

func TestErrorKind_JSON(t *testing.T) {
	data, err := json.Marshal(ErrorKindPull)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var kind ErrorKind
	if err := json.Unmarshal(data, &kind); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if kind != ErrorKindPull {
		t.Fatalf("round trip = %v, want %v", kind, ErrorKindPull)
	}

	if _, err := json.Marshal(ErrorKind(99)); err == nil {
		t.Fatal("Marshal() of invalid kind did not fail")
	}
}

func TestStageError_ErrorsAs(t *testing.T) {
	err := fmt.Errorf("stage wrapper: %w", Errorf("publish/backend", ErrorKindAuth, "token rejected by %s", "registry.example.com"))

	var se *StageError
	if !errors.As(err, &se) {
		t.Fatal("errors.As() did not find *StageError")
	}
	if se.Kind != ErrorKindAuth {
		t.Fatalf("Kind = %v, want %v", se.Kind, ErrorKindAuth)
	}
	if se.Stage != "publish/backend" {
		t.Fatalf("Stage = %q, want %q", se.Stage, "publish/backend")
	}
	want := "stage publish/backend failed (auth_error): token rejected by registry.example.com"
	if se.Error() != want {
		t.Fatalf("Error() = %q, want %q", se.Error(), want)
	}
}
