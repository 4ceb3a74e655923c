package reconcile_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"caravel/internal/descriptor"
	"caravel/internal/fake"
	"caravel/internal/pipeline"
	"caravel/internal/reconcile"
)

const topologySpec = `
name: app
services:
  mongo:
    image: mongo:7
    networks: [app]
    volumes:
      - mongo-data:/data/db
  backend:
    image: registry.example.com/app-backend:${TAG}
    environment:
      MONGODB_URI: mongodb://mongo:27017/app
    networks: [app]
  frontend:
    image: registry.example.com/app-frontend:${TAG}
    ports:
      - "80:80"
    networks: [app]
networks:
  app:
volumes:
  mongo-data:
`

func loadTopology(t *testing.T, tag string) *descriptor.Descriptor {
	t.Helper()
	d, err := descriptor.Load(context.Background(), []byte(topologySpec), map[string]string{"TAG": tag})
	if err != nil {
		t.Fatalf("load topology: %v", err)
	}
	return d
}

func newTestReconciler(t *testing.T, tag string) (*reconcile.Reconciler, *fake.Runner, *fake.StateStore) {
	t.Helper()
	runner := fake.NewRunner()
	runner.SetOutput("docker compose ps", "backend\nfrontend\nmongo\n")
	states := fake.NewStateStore()
	rec := reconcile.NewReconciler(
		runner,
		fake.NewDescriptorSource(loadTopology(t, tag)),
		states,
		fake.NewClock(),
		"deploy@app.example.com",
		"/srv/app",
	)
	return rec, runner, states
}

func TestReconciler_HappyPath(t *testing.T) {
	rec, runner, states := newTestReconciler(t, "abc123def456")

	if err := rec.Reconcile(context.Background(), "abc123def456"); err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if rec.Phase() != reconcile.PhaseIdle {
		t.Fatalf("phase = %v, want %v", rec.Phase(), reconcile.PhaseIdle)
	}

	scripts := runner.Scripts()
	if len(scripts) != 5 {
		t.Fatalf("script count = %d, want 5 (preflight, upload, pull, restart, verify)", len(scripts))
	}
	if !strings.Contains(scripts[0], "docker info") {
		t.Fatalf("first script is not the preflight:\n%s", scripts[0])
	}
	if !strings.Contains(scripts[1], "cat > '/srv/app/compose.yaml'") {
		t.Fatalf("second script is not the descriptor upload:\n%s", scripts[1])
	}
	if !strings.Contains(scripts[2], "docker compose pull") {
		t.Fatalf("third script is not the pull:\n%s", scripts[2])
	}
	if !strings.Contains(scripts[3], "docker compose up -d") {
		t.Fatalf("fourth script is not the restart:\n%s", scripts[3])
	}
	if !strings.Contains(scripts[4], "docker compose ps --services --status running") {
		t.Fatalf("fifth script is not the running-services check:\n%s", scripts[4])
	}

	state, found, err := states.GetDeploymentState(context.Background(), "deploy@app.example.com")
	if err != nil || !found {
		t.Fatalf("GetDeploymentState() = %v, %v", found, err)
	}
	if state.Version != 1 {
		t.Fatalf("state version = %d, want 1", state.Version)
	}
	if state.Tag != "abc123def456" {
		t.Fatalf("state tag = %q", state.Tag)
	}
	if len(state.Services) != 3 {
		t.Fatalf("state services = %v, want 3 entries", state.Services)
	}
	if state.Services["backend"] != "registry.example.com/app-backend:abc123def456" {
		t.Fatalf("backend image in state = %q", state.Services["backend"])
	}
}

func TestReconciler_PullsEveryServiceBeforeRestart(t *testing.T) {
	rec, runner, _ := newTestReconciler(t, "abc123")

	if err := rec.Reconcile(context.Background(), "abc123"); err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}

	var pullScript string
	for _, script := range runner.Scripts() {
		if strings.Contains(script, "docker compose pull") {
			pullScript = script
			break
		}
	}
	for _, svc := range []string{"mongo", "backend", "frontend"} {
		if !strings.Contains(pullScript, "docker compose pull '"+svc+"'") {
			t.Fatalf("pull script missing %s:\n%s", svc, pullScript)
		}
	}
}

func TestReconciler_PreflightFailure(t *testing.T) {
	rec, runner, states := newTestReconciler(t, "abc123")
	runner.FailOn("docker info", errors.New("ssh: connect to host app.example.com port 22: Connection refused"))

	err := rec.Reconcile(context.Background(), "abc123")
	if err == nil {
		t.Fatal("Reconcile() did not fail")
	}
	var se *pipeline.StageError
	if !errors.As(err, &se) || se.Kind != pipeline.ErrorKindConnection {
		t.Fatalf("Reconcile() error = %v, want connection_error", err)
	}
	if rec.Phase() != reconcile.PhaseFailed {
		t.Fatalf("phase = %v, want %v", rec.Phase(), reconcile.PhaseFailed)
	}

	if _, found, _ := states.GetDeploymentState(context.Background(), "deploy@app.example.com"); found {
		t.Fatal("deployment state written despite failed reconciliation")
	}
}

func TestReconciler_PullFailureLeavesTopologyUntouched(t *testing.T) {
	rec, runner, states := newTestReconciler(t, "abc123")
	runner.FailOn("docker compose pull", errors.New("manifest unknown: manifest tagged abc123 is not found"))

	err := rec.Reconcile(context.Background(), "abc123")
	var se *pipeline.StageError
	if !errors.As(err, &se) || se.Kind != pipeline.ErrorKindPull {
		t.Fatalf("Reconcile() error = %v, want pull_error", err)
	}

	for _, script := range runner.Scripts() {
		if strings.Contains(script, "docker compose up") {
			t.Fatalf("restart issued despite pull failure:\n%s", script)
		}
	}
	if _, found, _ := states.GetDeploymentState(context.Background(), "deploy@app.example.com"); found {
		t.Fatal("deployment state advanced despite pull failure")
	}
}

func TestReconciler_RestartFailure(t *testing.T) {
	rec, runner, _ := newTestReconciler(t, "abc123")
	runner.FailOn("docker compose up", errors.New("exit status 1"))

	err := rec.Reconcile(context.Background(), "abc123")
	var se *pipeline.StageError
	if !errors.As(err, &se) || se.Kind != pipeline.ErrorKindReconcile {
		t.Fatalf("Reconcile() error = %v, want reconcile_error", err)
	}
	if rec.Phase() != reconcile.PhaseFailed {
		t.Fatalf("phase = %v, want %v", rec.Phase(), reconcile.PhaseFailed)
	}
}

func TestReconciler_MissingServiceAfterRestart(t *testing.T) {
	rec, runner, states := newTestReconciler(t, "abc123")
	runner.SetOutput("docker compose ps", "mongo\nfrontend\n")

	err := rec.Reconcile(context.Background(), "abc123")
	var se *pipeline.StageError
	if !errors.As(err, &se) || se.Kind != pipeline.ErrorKindReconcile {
		t.Fatalf("Reconcile() error = %v, want reconcile_error", err)
	}
	if !strings.Contains(se.Message, "backend") {
		t.Fatalf("error message = %q, want the missing service named", se.Message)
	}
	if rec.Phase() != reconcile.PhaseFailed {
		t.Fatalf("phase = %v, want %v", rec.Phase(), reconcile.PhaseFailed)
	}
	if _, found, _ := states.GetDeploymentState(context.Background(), "deploy@app.example.com"); found {
		t.Fatal("deployment state written for an unverified topology")
	}
}

func TestReconciler_VersionIncrementsPerRun(t *testing.T) {
	rec, _, states := newTestReconciler(t, "abc123")

	if err := rec.Reconcile(context.Background(), "abc123"); err != nil {
		t.Fatalf("first Reconcile() error = %v", err)
	}
	if err := rec.Reconcile(context.Background(), "abc123"); err != nil {
		t.Fatalf("second Reconcile() error = %v", err)
	}

	state, _, _ := states.GetDeploymentState(context.Background(), "deploy@app.example.com")
	if state.Version != 2 {
		t.Fatalf("state version = %d, want 2", state.Version)
	}
}

func TestReconciler_InvalidDescriptorRejectedBeforeConnecting(t *testing.T) {
	runner := fake.NewRunner()
	bad := &descriptor.Descriptor{
		Name: "app",
		Services: []descriptor.ServiceSpec{{
			Name:  "backend",
			Image: "registry.example.com/app-backend:latest",
			Environment: map[string]string{
				"MONGODB_URI": "mongodb://localhost:27017/app",
			},
		}},
	}
	rec := reconcile.NewReconciler(
		runner, fake.NewDescriptorSource(bad), fake.NewStateStore(), fake.NewClock(),
		"deploy@app.example.com", "/srv/app",
	)

	err := rec.Reconcile(context.Background(), "latest")
	var se *pipeline.StageError
	if !errors.As(err, &se) || se.Kind != pipeline.ErrorKindReconcile {
		t.Fatalf("Reconcile() error = %v, want reconcile_error", err)
	}
	if got := len(runner.Scripts()); got != 0 {
		t.Fatalf("scripts run against the host = %d, want 0", got)
	}
}
