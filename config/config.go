// Package config loads the project deployment configuration.
//
// The project file (caravel.yaml at the repository root by default)
// describes the buildable components, the registry, the service
// descriptor, and the remote host. Secrets never live in the file:
// the registry token comes from the environment, optionally seeded
// from a .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultPath is the project file looked up relative to the working
	// directory.
	DefaultPath = "caravel.yaml"

	// RegistryTokenEnv supplies the registry credential.
	RegistryTokenEnv = "CARAVEL_REGISTRY_TOKEN"
)

// BuildTarget describes one buildable component.
type BuildTarget struct {
	Context    string `yaml:"context"`              // build context directory
	Dockerfile string `yaml:"dockerfile,omitempty"` // relative to context, defaults to Dockerfile
	Repository string `yaml:"repository"`           // image repository, no tag
}

// Registry identifies where images are published.
type Registry struct {
	Server   string `yaml:"server"`
	Username string `yaml:"username"`

	// Token is resolved from the environment, never from the file.
	Token string `yaml:"-"`
}

// Remote identifies the deployment host.
type Remote struct {
	Host      string `yaml:"host"` // user@host or bare host
	Port      int    `yaml:"port,omitempty"`
	KeyPath   string `yaml:"key_path"`
	DeployDir string `yaml:"deploy_dir,omitempty"`
}

// Preview configures the local SPA preview proxy.
type Preview struct {
	Listen     string `yaml:"listen,omitempty"`
	BackendURL string `yaml:"backend_url,omitempty"`
	AssetDir   string `yaml:"asset_dir,omitempty"`
	APIPrefix  string `yaml:"api_prefix,omitempty"`
}

// Config is the parsed project file.
type Config struct {
	Descriptor string                 `yaml:"descriptor"` // compose file path
	StatePath  string                 `yaml:"state_path,omitempty"`
	Components map[string]BuildTarget `yaml:"components"`
	Registry   Registry               `yaml:"registry"`
	Remote     Remote                 `yaml:"remote"`
	Preview    Preview                `yaml:"preview,omitempty"`
}

// Load reads the project file at path and resolves secrets from the
// environment. A .env file next to the project file is loaded first if
// present; variables already exported win.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read project config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse project config: %w", err)
	}
	cfg.applyDefaults(filepath.Dir(path))

	envPath := filepath.Join(filepath.Dir(path), ".env")
	if _, err := os.Stat(envPath); err == nil {
		if err := godotenv.Load(envPath); err != nil {
			return nil, fmt.Errorf("load %s: %w", envPath, err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("stat %s: %w", envPath, err)
	}
	cfg.Registry.Token = os.Getenv(RegistryTokenEnv)

	return &cfg, nil
}

func (c *Config) applyDefaults(dir string) {
	if c.Descriptor == "" {
		c.Descriptor = filepath.Join(dir, "deploy", "compose.yaml")
	} else if !filepath.IsAbs(c.Descriptor) {
		c.Descriptor = filepath.Join(dir, c.Descriptor)
	}
	if c.StatePath == "" {
		c.StatePath = filepath.Join(dir, ".caravel", "state.db")
	} else if !filepath.IsAbs(c.StatePath) {
		c.StatePath = filepath.Join(dir, c.StatePath)
	}
	for name, target := range c.Components {
		if target.Dockerfile == "" {
			target.Dockerfile = "Dockerfile"
		}
		if target.Context != "" && !filepath.IsAbs(target.Context) {
			target.Context = filepath.Join(dir, target.Context)
		}
		c.Components[name] = target
	}
	if c.Remote.Port == 0 {
		c.Remote.Port = 22
	}
	if c.Remote.DeployDir == "" {
		c.Remote.DeployDir = "~/caravel"
	}
	if c.Preview.Listen == "" {
		c.Preview.Listen = "127.0.0.1:4200"
	}
	if c.Preview.BackendURL == "" {
		c.Preview.BackendURL = "http://127.0.0.1:8080"
	}
	if c.Preview.APIPrefix == "" {
		c.Preview.APIPrefix = "/api/"
	}
}

// Validate checks everything a pipeline run needs before any stage
// starts. Missing credentials fail here, not three minutes in.
func (c *Config) Validate() error {
	var problems []string

	if len(c.Components) == 0 {
		problems = append(problems, "no components configured")
	}
	for name, target := range c.Components {
		if target.Context == "" {
			problems = append(problems, fmt.Sprintf("component %q has no build context", name))
		}
		if target.Repository == "" {
			problems = append(problems, fmt.Sprintf("component %q has no image repository", name))
		}
	}
	if c.Registry.Server == "" {
		problems = append(problems, "registry server is not set")
	}
	if c.Registry.Username == "" {
		problems = append(problems, "registry username is not set")
	}
	if c.Registry.Token == "" {
		problems = append(problems, fmt.Sprintf("registry token is not set (export %s or add it to .env)", RegistryTokenEnv))
	}
	if c.Remote.Host == "" {
		problems = append(problems, "remote host is not set")
	}
	if c.Remote.KeyPath == "" {
		problems = append(problems, "remote SSH key path is not set")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid project config:\n  - %s", join(problems))
	}
	return nil
}

func join(items []string) string {
	out := items[0]
	for _, item := range items[1:] {
		out += "\n  - " + item
	}
	return out
}
