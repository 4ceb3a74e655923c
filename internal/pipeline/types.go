package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"caravel/internal/check"
)

// Component names one of the buildable source trees.
type Component string

const (
	ComponentBackend  Component = "backend"
	ComponentFrontend Component = "frontend"
)

// Components returns the buildable components in pipeline order.
func Components() []Component {
	return []Component{ComponentBackend, ComponentFrontend}
}

// ImageArtifact is an immutable, tagged container image built from a source
// context. A later build with a new tag supersedes it; it is never mutated.
type ImageArtifact struct {
	Component Component `json:"component"`
	Context   string    `json:"context"`
	Ref       string    `json:"ref"`
	Tag       string    `json:"tag"`
	Digest    string    `json:"digest,omitempty"`
}

// Stage names as recorded in run records. Build and publish stages exist
// once per component.
const (
	StageBuild     = "build"
	StagePublish   = "publish"
	StageReconcile = "reconcile"
)

func StageName(stage string, component Component) string {
	if component == "" {
		return stage
	}
	return stage + "/" + string(component)
}

type RunStatus uint8

const (
	RunInProgress RunStatus = iota + 1
	RunSucceeded
	RunFailed
	RunCanceled
)

func (s RunStatus) String() string {
	switch s {
	case RunInProgress:
		return "in_progress"
	case RunSucceeded:
		return "succeeded"
	case RunFailed:
		return "failed"
	case RunCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

func (s RunStatus) IsValid() bool {
	switch s {
	case RunInProgress, RunSucceeded, RunFailed, RunCanceled:
		return true
	default:
		return false
	}
}

// Transition asserts legal run status transitions. A run is terminal once
// it leaves in_progress.
func (s RunStatus) Transition(to RunStatus) RunStatus {
	ok := s == RunInProgress && (to == RunSucceeded || to == RunFailed || to == RunCanceled)
	check.Assertf(ok, "run status transition: %s -> %s", s, to)
	if !ok {
		return s
	}
	return to
}

func (s RunStatus) MarshalJSON() ([]byte, error) {
	if !s.IsValid() {
		return nil, fmt.Errorf("invalid run status: %d", s)
	}
	return json.Marshal(s.String())
}

func (s *RunStatus) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch strings.TrimSpace(raw) {
	case "in_progress":
		*s = RunInProgress
	case "succeeded":
		*s = RunSucceeded
	case "failed":
		*s = RunFailed
	case "canceled":
		*s = RunCanceled
	default:
		return fmt.Errorf("invalid run status: %q", raw)
	}
	return nil
}

type StageStatus uint8

const (
	StagePending StageStatus = iota + 1
	StageRunning
	StageSucceeded
	StageFailed
	StageSkipped
)

func (s StageStatus) String() string {
	switch s {
	case StagePending:
		return "pending"
	case StageRunning:
		return "running"
	case StageSucceeded:
		return "succeeded"
	case StageFailed:
		return "failed"
	case StageSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

func (s StageStatus) IsValid() bool {
	switch s {
	case StagePending, StageRunning, StageSucceeded, StageFailed, StageSkipped:
		return true
	default:
		return false
	}
}

func (s StageStatus) MarshalJSON() ([]byte, error) {
	if !s.IsValid() {
		return nil, fmt.Errorf("invalid stage status: %d", s)
	}
	return json.Marshal(s.String())
}

func (s *StageStatus) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch strings.TrimSpace(raw) {
	case "pending":
		*s = StagePending
	case "running":
		*s = StageRunning
	case "succeeded":
		*s = StageSucceeded
	case "failed":
		*s = StageFailed
	case "skipped":
		*s = StageSkipped
	default:
		return fmt.Errorf("invalid stage status: %q", raw)
	}
	return nil
}

// StageResult records one stage of a pipeline run.
type StageResult struct {
	Name       string      `json:"name"`
	Status     StageStatus `json:"status"`
	ErrorKind  ErrorKind   `json:"error_kind,omitempty"`
	Message    string      `json:"message,omitempty"`
	StartedAt  string      `json:"started_at,omitempty"`
	FinishedAt string      `json:"finished_at,omitempty"`
}

// Run is one execution of build -> publish -> reconcile triggered by a
// single event. Terminal once all stages report or one fails.
type Run struct {
	ID        string        `json:"id"`
	Commit    string        `json:"commit"`
	Tag       string        `json:"tag"`
	Status    RunStatus     `json:"status"`
	Stages    []StageResult `json:"stages"`
	CreatedAt string        `json:"created_at"`
	UpdatedAt string        `json:"updated_at"`
}

// FailedStage returns the first failed stage result, if any.
func (r Run) FailedStage() (StageResult, bool) {
	for _, st := range r.Stages {
		if st.Status == StageFailed {
			return st, true
		}
	}
	return StageResult{}, false
}

// TagForCommit derives the deterministic image tag for a trigger commit.
// With no commit id the tag degrades to "latest".
func TagForCommit(commit string) string {
	commit = strings.TrimSpace(commit)
	if commit == "" {
		return "latest"
	}
	if len(commit) > 12 {
		commit = commit[:12]
	}
	return strings.ToLower(commit)
}

func newRunID(tag string, now time.Time) string {
	return fmt.Sprintf("%s-%s", tag, now.UTC().Format("20060102T150405.000000000Z0700"))
}
