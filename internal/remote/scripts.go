package remote

import (
	"fmt"
	"strings"
)

const descriptorFilename = "compose.yaml"

// heredoc delimiter unlikely to collide with descriptor content.
const uploadEOF = "CARAVEL_DESCRIPTOR_EOF"

// PreflightScript verifies the remote host can run a reconciliation: a
// container engine with the compose plugin, and a writable deployment
// directory.
func PreflightScript(deployDir string) string {
	return strings.TrimSpace(fmt.Sprintf(`set -eu
if ! command -v docker >/dev/null 2>&1; then
  echo "missing prerequisite: docker" >&2
  exit 1
fi
if ! docker info >/dev/null 2>&1; then
  echo "docker daemon is not running or accessible" >&2
  exit 1
fi
if ! docker compose version >/dev/null 2>&1; then
  echo "missing prerequisite: docker compose plugin" >&2
  exit 1
fi
mkdir -p %s`, shellQuote(deployDir))) + "\n"
}

// UploadDescriptorScript writes the rendered service descriptor into the
// deployment directory.
func UploadDescriptorScript(deployDir, content string) string {
	var b strings.Builder
	b.WriteString("set -eu\n")
	b.WriteString("mkdir -p " + shellQuote(deployDir) + "\n")
	b.WriteString("cat > " + shellQuote(deployDir+"/"+descriptorFilename) + " <<'" + uploadEOF + "'\n")
	b.WriteString(content)
	if !strings.HasSuffix(content, "\n") {
		b.WriteString("\n")
	}
	b.WriteString(uploadEOF + "\n")
	return b.String()
}

// PullScript pulls the given services' images through the descriptor. One
// pull per service, all before any container is stopped, so a missing tag
// leaves the running topology untouched.
func PullScript(deployDir string, services []string) string {
	var b strings.Builder
	b.WriteString("set -eu\n")
	b.WriteString("cd " + shellQuote(deployDir) + "\n")
	for _, svc := range services {
		b.WriteString("docker compose pull " + shellQuote(svc) + "\n")
	}
	return b.String()
}

// RestartScript applies the descriptor: stop and recreate whatever changed,
// in one compose invocation over the whole topology. Named volumes are
// preserved; compose never deletes them on up.
func RestartScript(deployDir string) string {
	return strings.TrimSpace(fmt.Sprintf(`set -eu
cd %s
docker compose up -d --remove-orphans`, shellQuote(deployDir))) + "\n"
}

// RunningServicesScript lists the running compose services, for
// post-restart verification.
func RunningServicesScript(deployDir string) string {
	return strings.TrimSpace(fmt.Sprintf(`set -eu
cd %s
docker compose ps --services --status running`, shellQuote(deployDir))) + "\n"
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "'\"'\"'") + "'"
}
