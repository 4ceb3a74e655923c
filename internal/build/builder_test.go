package build

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"caravel/internal/pipeline"

	"github.com/containerd/errdefs"
	dockerbuild "github.com/docker/docker/api/types/build"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
)

type imageAPIStub struct {
	buildStream string
	buildErr    error
	inspect     image.InspectResponse
	inspectErr  error

	gotOptions dockerbuild.ImageBuildOptions
	gotContext []byte
}

func (s *imageAPIStub) ImageBuild(ctx context.Context, buildContext io.Reader, options dockerbuild.ImageBuildOptions) (dockerbuild.ImageBuildResponse, error) {
	s.gotOptions = options
	data, err := io.ReadAll(buildContext)
	if err != nil {
		return dockerbuild.ImageBuildResponse{}, err
	}
	s.gotContext = data
	if s.buildErr != nil {
		return dockerbuild.ImageBuildResponse{}, s.buildErr
	}
	return dockerbuild.ImageBuildResponse{Body: io.NopCloser(strings.NewReader(s.buildStream))}, nil
}

func (s *imageAPIStub) ImageInspect(ctx context.Context, imageID string, opts ...client.ImageInspectOption) (image.InspectResponse, error) {
	if s.inspectErr != nil {
		return image.InspectResponse{}, s.inspectErr
	}
	return s.inspect, nil
}

func testTarget(t *testing.T) Target {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "Dockerfile"), []byte("FROM nginx:1.25\nCOPY . /srv\n"), 0o644); err != nil {
		t.Fatalf("write Dockerfile: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "index.html"), []byte("<html></html>\n"), 0o644); err != nil {
		t.Fatalf("write asset: %v", err)
	}
	return Target{Context: dir, Repository: "registry.example.com/app-frontend"}
}

func TestBuilder_Build(t *testing.T) {
	api := &imageAPIStub{
		buildStream: `{"stream":"Step 1/2"}` + "\n" + `{"stream":"Successfully built"}` + "\n",
		inspect: image.InspectResponse{
			ID:          "sha256:cafe",
			RepoDigests: []string{"registry.example.com/app-frontend@sha256:cafe"},
		},
	}
	builder := NewBuilder(api, map[pipeline.Component]Target{
		pipeline.ComponentFrontend: testTarget(t),
	})

	artifact, err := builder.Build(context.Background(), pipeline.ComponentFrontend, "abc123def456")
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	want := "registry.example.com/app-frontend:abc123def456"
	if artifact.Ref != want {
		t.Fatalf("artifact ref = %q, want %q", artifact.Ref, want)
	}
	if artifact.Digest != "registry.example.com/app-frontend@sha256:cafe" {
		t.Fatalf("artifact digest = %q", artifact.Digest)
	}
	if len(api.gotOptions.Tags) != 1 || api.gotOptions.Tags[0] != want {
		t.Fatalf("build options tags = %v", api.gotOptions.Tags)
	}
	if len(api.gotContext) == 0 {
		t.Fatal("no build context streamed to the daemon")
	}
}

func TestBuilder_BuildErrorFrame(t *testing.T) {
	api := &imageAPIStub{
		buildStream: `{"stream":"Step 3/9 : RUN npm ci"}` + "\n" +
			`{"error":"npm ci exited with code 1","errorDetail":{"message":"npm ci exited with code 1"}}` + "\n",
	}
	builder := NewBuilder(api, map[pipeline.Component]Target{
		pipeline.ComponentBackend: testTarget(t),
	})

	_, err := builder.Build(context.Background(), pipeline.ComponentBackend, "abc123")
	if err == nil {
		t.Fatal("Build() did not surface the daemon error frame")
	}
	var se *pipeline.StageError
	if !errors.As(err, &se) {
		t.Fatalf("Build() error = %T, want *pipeline.StageError", err)
	}
	if se.Kind != pipeline.ErrorKindBuild {
		t.Fatalf("error kind = %v, want %v", se.Kind, pipeline.ErrorKindBuild)
	}
	if !strings.Contains(se.Message, "npm ci exited with code 1") {
		t.Fatalf("error message = %q", se.Message)
	}
}

func TestBuilder_MissingContext(t *testing.T) {
	builder := NewBuilder(&imageAPIStub{}, map[pipeline.Component]Target{
		pipeline.ComponentBackend: {Context: "/nonexistent/path", Repository: "registry.example.com/app-backend"},
	})

	_, err := builder.Build(context.Background(), pipeline.ComponentBackend, "abc123")
	var se *pipeline.StageError
	if !errors.As(err, &se) || se.Kind != pipeline.ErrorKindBuild {
		t.Fatalf("Build() error = %v, want build_error for absent context", err)
	}
	if !strings.Contains(se.Message, "absent") {
		t.Fatalf("error message = %q, want absent-context message", se.Message)
	}
}

func TestBuilder_UnknownComponent(t *testing.T) {
	builder := NewBuilder(&imageAPIStub{}, nil)
	_, err := builder.Build(context.Background(), pipeline.ComponentBackend, "abc123")
	if err == nil {
		t.Fatal("Build() accepted an unconfigured component")
	}
}

func TestBuilder_InspectNotFoundFailsBuild(t *testing.T) {
	api := &imageAPIStub{
		buildStream: `{"stream":"Successfully built"}` + "\n",
		inspectErr:  fmt.Errorf("image: %w", errdefs.ErrNotFound),
	}
	builder := NewBuilder(api, map[pipeline.Component]Target{
		pipeline.ComponentFrontend: testTarget(t),
	})

	_, err := builder.Build(context.Background(), pipeline.ComponentFrontend, "abc123")
	var se *pipeline.StageError
	if !errors.As(err, &se) || se.Kind != pipeline.ErrorKindBuild {
		t.Fatalf("Build() error = %v, want build_error for vanished image", err)
	}
}

func TestBuilder_InspectFailureKeepsArtifact(t *testing.T) {
	api := &imageAPIStub{
		buildStream: `{"stream":"Successfully built"}` + "\n",
		inspectErr:  errors.New("no such image"),
	}
	builder := NewBuilder(api, map[pipeline.Component]Target{
		pipeline.ComponentFrontend: testTarget(t),
	})

	artifact, err := builder.Build(context.Background(), pipeline.ComponentFrontend, "abc123")
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if artifact.Digest != "" {
		t.Fatalf("artifact digest = %q, want empty on failed inspect", artifact.Digest)
	}
}
