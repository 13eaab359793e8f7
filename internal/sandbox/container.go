package sandbox

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os/exec"
	"sort"
	"strconv"
	"time"
)

const (
	defaultContainerPIDsLimit = 64
	defaultContainerCPUCores  = 1.0
	defaultContainerMemoryMB  = 512

	containerRemoveTimeout = 10 * time.Second
)

// ContainerPolicy configures the hardening applied to container-image tools.
type ContainerPolicy struct {
	MemoryMB       int     // --memory hard limit.
	CPUCores       float64 // --cpus rate limit (e.g. 0.5 = half a core).
	PIDsLimit      int     // --pids-limit (prevents fork bombs).
	NetworkAllowed bool    // false = --network=none.
	ReadOnly       bool    // --read-only root filesystem.
	User           string  // --user, default nobody.
}

// WithDefaults fills zero fields.
func (p ContainerPolicy) WithDefaults() ContainerPolicy {
	if p.MemoryMB <= 0 {
		p.MemoryMB = defaultContainerMemoryMB
	}
	if p.CPUCores <= 0 {
		p.CPUCores = defaultContainerCPUCores
	}
	if p.PIDsLimit <= 0 {
		p.PIDsLimit = defaultContainerPIDsLimit
	}
	if p.User == "" {
		p.User = "65534:65534"
	}
	return p
}

// ContainerArgs builds a hardened "docker run" argument vector for image.
// The container is started as --name name so it can be force-removed later.
// envNames are forwarded by name only (--env NAME), so values come from the
// runner's environment and never appear on the command line. The tool's own
// arguments are appended by the caller after the image.
//
// Hardening:
//   - ALL Linux capabilities dropped (--cap-drop=ALL)
//   - Privilege escalation blocked (--security-opt=no-new-privileges)
//   - Non-root user
//   - Network disabled unless the policy allows it
//   - Memory hard limit with no swap, PIDs limit and CPU rate limit
//   - stdin kept open (-i) so stdio protocols work
func ContainerArgs(policy ContainerPolicy, name, image string, envNames []string) []string {
	policy = policy.WithDefaults()

	memoryFlag := strconv.Itoa(policy.MemoryMB) + "m"
	args := []string{
		"run", "--rm", "-i",
		"--name", name,
		"--cap-drop=ALL",
		"--security-opt=no-new-privileges",
		"--user=" + policy.User,
		"--memory=" + memoryFlag,
		"--memory-swap=" + memoryFlag,
		"--cpus=" + strconv.FormatFloat(policy.CPUCores, 'f', 2, 64),
		"--pids-limit=" + strconv.Itoa(policy.PIDsLimit),
		"--tmpfs", "/tmp:rw,noexec,nosuid,size=64m",
	}
	if policy.ReadOnly {
		args = append(args, "--read-only")
	}
	if policy.NetworkAllowed {
		args = append(args, "--network=bridge")
	} else {
		args = append(args, "--network=none")
	}

	names := append([]string(nil), envNames...)
	sort.Strings(names)
	for _, n := range names {
		if IsDeniedEnv(n) {
			continue
		}
		args = append(args, "--env", n)
	}

	return append(args, image)
}

// NewContainerName returns a unique container name: e14z-<16 hex chars>.
func NewContainerName() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating container name: %w", err)
	}
	return "e14z-" + hex.EncodeToString(b), nil
}

// RemoveContainer runs "<cli> rm -f name". Killing the CLI on timeout or
// cancel leaves the container running, and --rm does not fire after an
// OOM kill or a daemon restart. A container that is already gone, or being
// removed by --rm, is not an error.
func RemoveContainer(cli, name string, env []string, logger *slog.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), containerRemoveTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, cli, "rm", "-f", name)
	cmd.Env = env
	out, err := cmd.CombinedOutput()
	if err == nil {
		logger.Debug("container removed", slog.String("container", name))
		return nil
	}
	lower := bytes.ToLower(out)
	if bytes.Contains(lower, []byte("no such container")) || bytes.Contains(lower, []byte("already in progress")) {
		return nil
	}
	return fmt.Errorf("removing container %s: %w: %s", name, err, bytes.TrimSpace(out))
}
