package descriptor

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/distribution/reference"
	"github.com/docker/go-connections/nat"
)

// Validate checks the descriptor invariants that must hold before any image
// is built or the remote host is touched:
//
//   - every service carries a resolvable image reference;
//   - all services join one shared network;
//   - volume mounts reference declared named volumes;
//   - published ports are well-formed;
//   - no environment value points an inter-service reference at a loopback
//     address; services run in separate network namespaces, so loopback
//     URLs can only ever dial the service itself.
func (d *Descriptor) Validate() error {
	if len(d.Services) == 0 {
		return fmt.Errorf("descriptor %q has no services", d.Name)
	}

	for _, svc := range d.Services {
		if strings.TrimSpace(svc.Name) == "" {
			return fmt.Errorf("descriptor %q has a service with an empty name", d.Name)
		}
		if strings.TrimSpace(svc.Image) == "" {
			return fmt.Errorf("service %q has no image reference", svc.Name)
		}
		if _, err := reference.ParseNormalizedNamed(svc.Image); err != nil {
			return fmt.Errorf("service %q image %q: %w", svc.Name, svc.Image, err)
		}

		if err := validatePorts(svc); err != nil {
			return err
		}
		if err := validateMounts(d, svc); err != nil {
			return err
		}
		if err := validateEnvironment(svc); err != nil {
			return err
		}
	}

	return validateSharedNetwork(d)
}

// validateSharedNetwork requires every service to join one common network
// when the descriptor declares networks. Without declarations compose puts
// all services on the project default network, which satisfies the rule.
func validateSharedNetwork(d *Descriptor) error {
	if len(d.Networks) == 0 {
		return nil
	}

	membership := make(map[string]int, len(d.Networks))
	for _, svc := range d.Services {
		if len(svc.Networks) == 0 {
			return fmt.Errorf("service %q joins no declared network", svc.Name)
		}
		for _, networkName := range svc.Networks {
			membership[networkName]++
		}
	}
	for _, networkName := range d.Networks {
		if membership[networkName] == len(d.Services) {
			return nil
		}
	}
	return fmt.Errorf("descriptor %q has no network shared by all services", d.Name)
}

func validatePorts(svc ServiceSpec) error {
	for _, p := range svc.Ports {
		if p.Target == 0 {
			return fmt.Errorf("service %q publishes a port with no container target", svc.Name)
		}
		protocol := p.Protocol
		if protocol == "" {
			protocol = "tcp"
		}
		if _, err := nat.NewPort(protocol, strconv.FormatUint(uint64(p.Target), 10)); err != nil {
			return fmt.Errorf("service %q port %d/%s: %w", svc.Name, p.Target, protocol, err)
		}
		if p.Published == "" {
			continue
		}
		if _, err := nat.ParsePortSpec(fmt.Sprintf("%s:%d/%s", p.Published, p.Target, protocol)); err != nil {
			return fmt.Errorf("service %q published port %q: %w", svc.Name, p.Published, err)
		}
	}
	return nil
}

func validateMounts(d *Descriptor, svc ServiceSpec) error {
	declared := make(map[string]bool, len(d.Volumes))
	for _, v := range d.Volumes {
		declared[v] = true
	}
	for _, m := range svc.Mounts {
		if m.Type != "volume" {
			continue
		}
		if !declared[m.Source] {
			return fmt.Errorf("service %q mounts undeclared volume %q", svc.Name, m.Source)
		}
	}
	return nil
}

func validateEnvironment(svc ServiceSpec) error {
	for key, value := range svc.Environment {
		if strings.TrimSpace(key) == "" {
			return fmt.Errorf("service %q has an environment entry with an empty key", svc.Name)
		}
		host, ok := connectionHost(value)
		if !ok {
			continue
		}
		if isLoopback(host) {
			return fmt.Errorf("service %q environment %s points at loopback address %q; use the peer service name on the shared network", svc.Name, key, host)
		}
	}
	return nil
}

// connectionHost extracts the host from values that look like connection
// URLs (scheme://...). Non-URL values are left alone.
func connectionHost(value string) (string, bool) {
	if !strings.Contains(value, "://") {
		return "", false
	}
	u, err := url.Parse(value)
	if err != nil || u.Host == "" {
		return "", false
	}
	host := u.Hostname()
	if host == "" {
		return "", false
	}
	return host, true
}

func isLoopback(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
