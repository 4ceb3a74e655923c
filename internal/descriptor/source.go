package descriptor

import (
	"context"
	"maps"
)

// TagVar is the interpolation variable carrying the image tag of the
// current pipeline run.
const TagVar = "TAG"

// FileSource renders the descriptor file on disk for a given tag. Base
// environment variables (registry host, project name) are fixed at
// construction; the tag varies per run.
type FileSource struct {
	Path string
	Env  map[string]string
}

func NewFileSource(path string, env map[string]string) *FileSource {
	return &FileSource{Path: path, Env: env}
}

func (s *FileSource) Descriptor(ctx context.Context, tag string) (*Descriptor, error) {
	env := make(map[string]string, len(s.Env)+1)
	maps.Copy(env, s.Env)
	env[TagVar] = tag
	return LoadFile(ctx, s.Path, env)
}
