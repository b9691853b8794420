// Package container runs agent processes in OS containers via an
// external runtime CLI (docker or podman compatible). It owns mount-set
// construction, the sentinel-framed stdout protocol and run timeouts.
package container

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
)

// NamePrefix starts every container name this system creates. Orphan
// cleanup matches on it.
const NamePrefix = "g2-"

// Runtime abstracts the container CLI.
type Runtime struct {
	binary string
}

// NewRuntime wraps the given CLI binary ("docker", "podman").
func NewRuntime(binary string) *Runtime {
	if binary == "" {
		binary = "docker"
	}
	return &Runtime{binary: binary}
}

// Binary returns the CLI binary name.
func (r *Runtime) Binary() string { return r.binary }

// MountFlag renders one bind-mount argument pair.
func (r *Runtime) MountFlag(m VolumeMount) []string {
	spec := m.HostPath + ":" + m.ContainerPath
	if m.ReadOnly {
		spec += ":ro"
	}
	return []string{"-v", spec}
}

// StopArgs renders the graceful stop command for a named container.
func (r *Runtime) StopArgs(name string) []string {
	return []string{"stop", "-t", "10", name}
}

// StopContainer issues the graceful stop command.
func (r *Runtime) StopContainer(ctx context.Context, name string) error {
	cmd := exec.CommandContext(ctx, r.binary, r.StopArgs(name)...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("stop container %s: %w: %s", name, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// EnsureRunning probes the runtime daemon. A dead daemon is fatal at
// startup; there is nothing useful the host can do without containers.
func (r *Runtime) EnsureRunning(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, r.binary, "info")
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("container runtime %q is not available: %w: %s",
			r.binary, err, lastLine(string(out)))
	}
	return nil
}

// CleanupOrphans stops containers left over from a previous host run.
// Degrades gracefully when the CLI is unavailable so a missing runtime
// at this stage only logs.
func (r *Runtime) CleanupOrphans(ctx context.Context) {
	cmd := exec.CommandContext(ctx, r.binary,
		"ps", "--filter", "name="+NamePrefix, "--format", "{{.Names}}")
	out, err := cmd.Output()
	if err != nil {
		slog.Warn("orphan enumeration failed, skipping cleanup", "error", err)
		return
	}
	for _, name := range strings.Fields(string(out)) {
		if !strings.HasPrefix(name, NamePrefix) {
			continue
		}
		slog.Info("stopping orphaned container", "container", name)
		if err := r.StopContainer(ctx, name); err != nil {
			slog.Warn("orphan stop failed", "container", name, "error", err)
		}
	}
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return lines[len(lines)-1]
}
