// Package remote runs shell scripts on the deployment host over SSH.
package remote

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// Options configure the SSH channel to the deployment host.
type Options struct {
	Port           int
	KeyPath        string        // pre-provisioned private key
	ConnectTimeout time.Duration // passed to ssh -o ConnectTimeout
}

// Runner executes a shell script on the remote host and returns its
// combined output.
type Runner interface {
	RunScript(ctx context.Context, script string) (string, error)
}

// SSHRunner shells out to the system ssh client in batch mode. Each script
// is piped to a remote `sh -s`, so the session lives exactly as long as the
// command and is released on every exit path.
type SSHRunner struct {
	target string // user@host
	opts   Options
}

var _ Runner = (*SSHRunner)(nil)

func NewSSHRunner(target string, opts Options) *SSHRunner {
	return &SSHRunner{target: target, opts: opts}
}

func (r *SSHRunner) RunScript(ctx context.Context, script string) (string, error) {
	args := []string{"-o", "BatchMode=yes", "-o", "StrictHostKeyChecking=accept-new"}
	if r.opts.ConnectTimeout > 0 {
		secs := int(r.opts.ConnectTimeout.Round(time.Second) / time.Second)
		if secs < 1 {
			secs = 1
		}
		args = append(args, "-o", "ConnectTimeout="+strconv.Itoa(secs))
	}
	if r.opts.Port > 0 {
		args = append(args, "-p", strconv.Itoa(r.opts.Port))
	}
	if strings.TrimSpace(r.opts.KeyPath) != "" {
		args = append(args, "-i", r.opts.KeyPath)
	}
	args = append(args, r.target, "sh", "-s")

	cmd := exec.CommandContext(ctx, "ssh", args...)
	cmd.Stdin = strings.NewReader(script)
	out, err := cmd.CombinedOutput()
	if err != nil {
		output := strings.TrimSpace(string(out))
		if output == "" {
			return "", fmt.Errorf("ssh %s failed: %w", r.target, err)
		}
		return "", fmt.Errorf("ssh %s failed: %w: %s", r.target, err, output)
	}
	return strings.TrimSpace(string(out)), nil
}
