// Package build produces tagged container images from component source
// trees via the Docker Engine API.
package build

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"caravel/internal/pipeline"

	"github.com/containerd/errdefs"
	"github.com/distribution/reference"
	dockerbuild "github.com/docker/docker/api/types/build"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/jsonmessage"
)

// ImageAPI is the slice of the Docker client the builder needs.
type ImageAPI interface {
	ImageBuild(ctx context.Context, buildContext io.Reader, options dockerbuild.ImageBuildOptions) (dockerbuild.ImageBuildResponse, error)
	ImageInspect(ctx context.Context, imageID string, opts ...client.ImageInspectOption) (image.InspectResponse, error)
}

// Target describes one buildable component.
type Target struct {
	Context    string // source tree directory
	Dockerfile string // relative to Context; defaults to "Dockerfile"
	Repository string // image repository the artifact is tagged into
}

// Builder builds ImageArtifacts. The daemon's layer cache is left enabled,
// so repeat builds of the same context reuse cached layers.
type Builder struct {
	api     ImageAPI
	targets map[pipeline.Component]Target
}

var _ pipeline.Builder = (*Builder)(nil)

// NewClient creates a Docker client from the environment.
func NewClient() (*client.Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return cli, nil
}

func NewBuilder(api ImageAPI, targets map[pipeline.Component]Target) *Builder {
	return &Builder{api: api, targets: targets}
}

// Build submits the component's context to the daemon and returns the
// resulting artifact tagged <repository>:<tag>. All failure paths map to a
// build error for this stage.
func (b *Builder) Build(ctx context.Context, component pipeline.Component, tag string) (pipeline.ImageArtifact, error) {
	stage := pipeline.StageName(pipeline.StageBuild, component)

	target, ok := b.targets[component]
	if !ok {
		return pipeline.ImageArtifact{}, pipeline.Errorf(stage, pipeline.ErrorKindBuild, "no build target for component %q", component)
	}

	info, err := os.Stat(target.Context)
	if err != nil || !info.IsDir() {
		return pipeline.ImageArtifact{}, pipeline.Errorf(stage, pipeline.ErrorKindBuild, "source context %q is absent", target.Context)
	}

	dockerfile := target.Dockerfile
	if dockerfile == "" {
		dockerfile = "Dockerfile"
	}
	dockerfileData, err := os.ReadFile(filepath.Join(target.Context, dockerfile))
	if err != nil {
		return pipeline.ImageArtifact{}, pipeline.Errorf(stage, pipeline.ErrorKindBuild, "read build description: %v", err)
	}
	if err := validateStageRefs(string(dockerfileData)); err != nil {
		return pipeline.ImageArtifact{}, pipeline.Errorf(stage, pipeline.ErrorKindBuild, "build description: %v", err)
	}

	ref, err := taggedRef(target.Repository, tag)
	if err != nil {
		return pipeline.ImageArtifact{}, pipeline.Errorf(stage, pipeline.ErrorKindBuild, "image reference: %v", err)
	}

	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(tarDirectory(target.Context, pw))
	}()

	resp, err := b.api.ImageBuild(ctx, pr, dockerbuild.ImageBuildOptions{
		Tags:       []string{ref},
		Dockerfile: dockerfile,
		Remove:     true,
	})
	_ = pr.Close()
	if err != nil {
		return pipeline.ImageArtifact{}, pipeline.Errorf(stage, pipeline.ErrorKindBuild, "build %s: %v", ref, err)
	}
	defer resp.Body.Close()

	if err := drainBuildStream(resp.Body); err != nil {
		return pipeline.ImageArtifact{}, pipeline.Errorf(stage, pipeline.ErrorKindBuild, "build %s: %v", ref, err)
	}

	artifact := pipeline.ImageArtifact{
		Component: component,
		Context:   target.Context,
		Ref:       ref,
		Tag:       tag,
	}

	inspect, err := b.api.ImageInspect(ctx, ref)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return pipeline.ImageArtifact{}, pipeline.Errorf(stage, pipeline.ErrorKindBuild, "built image %s missing from daemon: %v", ref, err)
		}
		// The image built; a failed inspect only loses the digest.
		slog.Debug("inspect built image", "ref", ref, "err", err)
		return artifact, nil
	}
	artifact.Digest = inspect.ID
	if len(inspect.RepoDigests) > 0 {
		artifact.Digest = inspect.RepoDigests[0]
	}

	slog.Info("image built", "component", component, "ref", ref, "digest", artifact.Digest)
	return artifact, nil
}

// drainBuildStream consumes the daemon's progress stream and surfaces the
// embedded error frame, which is how dependency-install and compile
// failures inside the build are reported.
func drainBuildStream(r io.Reader) error {
	dec := json.NewDecoder(r)
	for {
		var msg jsonmessage.JSONMessage
		if err := dec.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("decode build output: %w", err)
		}
		if msg.Error != nil {
			return errors.New(msg.Error.Message)
		}
	}
}

func taggedRef(repository, tag string) (string, error) {
	named, err := reference.ParseNormalizedNamed(repository)
	if err != nil {
		return "", fmt.Errorf("repository %q: %w", repository, err)
	}
	tagged, err := reference.WithTag(reference.TrimNamed(named), tag)
	if err != nil {
		return "", fmt.Errorf("tag %q: %w", tag, err)
	}
	return tagged.String(), nil
}
