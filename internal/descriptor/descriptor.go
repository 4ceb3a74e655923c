// Package descriptor loads and validates the declarative multi-service
// topology consumed by the build and reconcile stages.
package descriptor

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/compose-spec/compose-go/v2/loader"
	compose "github.com/compose-spec/compose-go/v2/types"
)

const composeSpecFilename = "compose.yaml"

// Mount is a single volume or bind mount of one service.
type Mount struct {
	Type     string `json:"type"`
	Source   string `json:"source"`
	Target   string `json:"target"`
	ReadOnly bool   `json:"read_only,omitempty"`
}

// PortMapping is one published port of one service.
type PortMapping struct {
	Published string `json:"published,omitempty"`
	Target    uint32 `json:"target"`
	Protocol  string `json:"protocol,omitempty"`
}

// BuildContext points at a component's source tree and build description.
type BuildContext struct {
	Context    string `json:"context"`
	Dockerfile string `json:"dockerfile,omitempty"`
}

// ServiceSpec is a normalized, JSON-serializable view of one compose service.
type ServiceSpec struct {
	Name        string            `json:"name"`
	Image       string            `json:"image"`
	Build       *BuildContext     `json:"build,omitempty"`
	Command     []string          `json:"command,omitempty"`
	Entrypoint  []string          `json:"entrypoint,omitempty"`
	Environment map[string]string `json:"environment,omitempty"`
	Ports       []PortMapping     `json:"ports,omitempty"`
	Networks    []string          `json:"networks,omitempty"`
	Mounts      []Mount           `json:"mounts,omitempty"`
	DependsOn   []string          `json:"depends_on,omitempty"`
	Restart     string            `json:"restart,omitempty"`
}

// Descriptor is the loaded service topology: the ordered services plus the
// project-level network and volume declarations, and the rendered YAML the
// reconciler ships to the remote host.
type Descriptor struct {
	Name     string
	Services []ServiceSpec
	Networks []string
	Volumes  []string
	Raw      []byte
}

// Load parses a compose YAML document into a Descriptor. env supplies
// interpolation variables (e.g. the image tag of the current run), so the
// rendered Raw document is fully resolved before it leaves the pipeline.
func Load(ctx context.Context, data []byte, env map[string]string) (*Descriptor, error) {
	configDetails := compose.ConfigDetails{
		ConfigFiles: []compose.ConfigFile{
			{Filename: composeSpecFilename, Content: data},
		},
		Environment: compose.NewMapping(envList(env)),
	}

	project, err := loader.LoadWithContext(ctx, configDetails)
	if err != nil {
		return nil, fmt.Errorf("parse compose spec: %w", err)
	}
	if len(project.Services) == 0 {
		return nil, fmt.Errorf("compose spec has no services")
	}

	d := &Descriptor{Name: project.Name}

	for name, svc := range project.Services {
		d.Services = append(d.Services, normalizeService(name, svc))
	}
	sort.Slice(d.Services, func(i, j int) bool { return d.Services[i].Name < d.Services[j].Name })

	for name := range project.Networks {
		d.Networks = append(d.Networks, name)
	}
	sort.Strings(d.Networks)

	for name := range project.Volumes {
		d.Volumes = append(d.Volumes, name)
	}
	sort.Strings(d.Volumes)

	rendered, err := project.MarshalYAML()
	if err != nil {
		return nil, fmt.Errorf("render compose spec: %w", err)
	}
	d.Raw = rendered

	return d, nil
}

// LoadFile reads and parses a compose file from disk.
func LoadFile(ctx context.Context, path string, env map[string]string) (*Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read compose spec: %w", err)
	}
	return Load(ctx, data, env)
}

// Service returns the named service spec.
func (d *Descriptor) Service(name string) (ServiceSpec, bool) {
	for _, svc := range d.Services {
		if svc.Name == name {
			return svc, true
		}
	}
	return ServiceSpec{}, false
}

// Buildable returns the services that carry a build context, in name order.
func (d *Descriptor) Buildable() []ServiceSpec {
	out := make([]ServiceSpec, 0, len(d.Services))
	for _, svc := range d.Services {
		if svc.Build != nil {
			out = append(out, svc)
		}
	}
	return out
}

// Images returns every image reference in the descriptor, in service order.
func (d *Descriptor) Images() []string {
	out := make([]string, 0, len(d.Services))
	for _, svc := range d.Services {
		if img := strings.TrimSpace(svc.Image); img != "" {
			out = append(out, img)
		}
	}
	return out
}

func normalizeService(name string, svc compose.ServiceConfig) ServiceSpec {
	spec := ServiceSpec{
		Name:       name,
		Image:      svc.Image,
		Command:    append([]string(nil), svc.Command...),
		Entrypoint: append([]string(nil), svc.Entrypoint...),
		Restart:    svc.Restart,
	}

	if svc.Build != nil {
		spec.Build = &BuildContext{
			Context:    svc.Build.Context,
			Dockerfile: svc.Build.Dockerfile,
		}
	}

	if len(svc.Environment) > 0 {
		spec.Environment = make(map[string]string, len(svc.Environment))
		for key, value := range svc.Environment {
			if value == nil {
				spec.Environment[key] = ""
				continue
			}
			spec.Environment[key] = *value
		}
	}

	for _, p := range svc.Ports {
		spec.Ports = append(spec.Ports, PortMapping{
			Published: p.Published,
			Target:    p.Target,
			Protocol:  p.Protocol,
		})
	}

	for networkName := range svc.Networks {
		spec.Networks = append(spec.Networks, networkName)
	}
	sort.Strings(spec.Networks)

	for _, v := range svc.Volumes {
		spec.Mounts = append(spec.Mounts, Mount{
			Type:     string(v.Type),
			Source:   v.Source,
			Target:   v.Target,
			ReadOnly: v.ReadOnly,
		})
	}

	for dep := range svc.DependsOn {
		spec.DependsOn = append(spec.DependsOn, dep)
	}
	sort.Strings(spec.DependsOn)

	return spec
}

func envList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for key, value := range env {
		out = append(out, key+"="+value)
	}
	sort.Strings(out)
	return out
}
