// Package config holds the runtime configuration for the g2 host.
// All options come from environment variables; a .env file in the data
// directory is loaded first so a plain `g2` invocation works without
// exporting anything.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// MainGroupFolder is the workspace key of the distinguished main group.
// The main group has elevated authorization: it may register new groups,
// schedule tasks for any group, and sees the full available-groups list.
const MainGroupFolder = "main"

// GroupSyncJID is the synthetic chat row recording the last metadata sync.
// It must never be surfaced to agents as an available group.
const GroupSyncJID = "__group_sync__"

// Config is the resolved host configuration.
type Config struct {
	AssistantName         string // bot prefix, used to filter our own messages out of prompts
	AssistantHasOwnNumber bool

	DataDir     string // root for ipc/, sessions/, store/, logs/
	ProjectRoot string // mounted read-write into the main group's container

	PollInterval          time.Duration
	IPCPollInterval       time.Duration
	SchedulerPollInterval time.Duration

	ContainerImage          string
	ContainerTimeout        time.Duration
	IdleTimeout             time.Duration
	ContainerMaxOutputSize  int
	MaxConcurrentContainers int

	Timezone *time.Location

	// MountAllowlistPath points at the extra-mount allowlist file. It must
	// live outside the project root so a container can never rewrite it.
	MountAllowlistPath string

	Verbose bool
}

// Defaults mirrors the recognised option set with its documented defaults.
func Defaults() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		AssistantName:           "G2",
		DataDir:                 filepath.Join(home, ".g2", "data"),
		PollInterval:            2 * time.Second,
		IPCPollInterval:         5 * time.Second,
		SchedulerPollInterval:   30 * time.Second,
		ContainerImage:          "g2-agent:latest",
		ContainerTimeout:        30 * time.Minute,
		IdleTimeout:             5 * time.Minute,
		ContainerMaxOutputSize:  5 * 1024 * 1024,
		MaxConcurrentContainers: 5,
		Timezone:                time.UTC,
	}
}

// Load builds the config from the environment on top of Defaults.
func Load() (*Config, error) {
	cfg := Defaults()

	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envMillis := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
				*dst = time.Duration(ms) * time.Millisecond
			}
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				*dst = n
			}
		}
	}

	envStr("ASSISTANT_NAME", &cfg.AssistantName)
	if v := os.Getenv("ASSISTANT_HAS_OWN_NUMBER"); v != "" {
		cfg.AssistantHasOwnNumber = v == "true" || v == "1"
	}

	envStr("DATA_DIR", &cfg.DataDir)
	envStr("PROJECT_ROOT", &cfg.ProjectRoot)
	if cfg.ProjectRoot == "" {
		cfg.ProjectRoot, _ = os.Getwd()
	}
	if !filepath.IsAbs(cfg.DataDir) {
		cfg.DataDir, _ = filepath.Abs(cfg.DataDir)
	}

	envMillis("POLL_INTERVAL", &cfg.PollInterval)
	envMillis("IPC_POLL_INTERVAL", &cfg.IPCPollInterval)
	envMillis("SCHEDULER_POLL_INTERVAL", &cfg.SchedulerPollInterval)

	envStr("CONTAINER_IMAGE", &cfg.ContainerImage)
	envMillis("CONTAINER_TIMEOUT", &cfg.ContainerTimeout)
	envMillis("IDLE_TIMEOUT", &cfg.IdleTimeout)
	envInt("CONTAINER_MAX_OUTPUT_SIZE", &cfg.ContainerMaxOutputSize)
	envInt("MAX_CONCURRENT_CONTAINERS", &cfg.MaxConcurrentContainers)
	if cfg.MaxConcurrentContainers < 1 {
		cfg.MaxConcurrentContainers = 1
	}

	cfg.Timezone = resolveTimezone(os.Getenv("TZ"))

	envStr("MOUNT_ALLOWLIST_PATH", &cfg.MountAllowlistPath)
	if cfg.MountAllowlistPath != "" {
		if err := validateAllowlistPath(cfg.MountAllowlistPath, cfg.ProjectRoot); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// resolveTimezone loads the named zone, falling back to the system
// timezone and finally UTC when the value is invalid.
func resolveTimezone(name string) *time.Location {
	if name != "" {
		if loc, err := time.LoadLocation(name); err == nil {
			return loc
		}
	}
	if loc := time.Local; loc != nil {
		return loc
	}
	return time.UTC
}

// validateAllowlistPath rejects allowlist files under the project root.
// The allowlist gates what extra paths a group may mount; keeping it
// outside every mountable tree means no container can edit it.
func validateAllowlistPath(path, projectRoot string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return &ConfigurationError{Option: "MOUNT_ALLOWLIST_PATH", Reason: err.Error()}
	}
	rootAbs, err := filepath.Abs(projectRoot)
	if err != nil {
		return &ConfigurationError{Option: "PROJECT_ROOT", Reason: err.Error()}
	}
	rel, err := filepath.Rel(rootAbs, abs)
	if err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return &ConfigurationError{
			Option: "MOUNT_ALLOWLIST_PATH",
			Reason: fmt.Sprintf("%s is inside the project root %s; move it outside any mountable directory", abs, rootAbs),
		}
	}
	return nil
}

// StorePath returns the sqlite database file path.
func (c *Config) StorePath() string {
	return filepath.Join(c.DataDir, "store", "messages.db")
}

// IPCDir returns the root of the per-group IPC tree.
func (c *Config) IPCDir() string {
	return filepath.Join(c.DataDir, "ipc")
}

// SessionsDir returns the per-group agent session state root.
func (c *Config) SessionsDir() string {
	return filepath.Join(c.DataDir, "sessions")
}

// LogsDir returns the per-run container log root.
func (c *Config) LogsDir() string {
	return filepath.Join(c.DataDir, "logs")
}

// SecretsEnvPath is the env file the container runner reads agent
// credentials from. No other subsystem touches this file.
func (c *Config) SecretsEnvPath() string {
	return filepath.Join(c.DataDir, "secrets.env")
}

// ConfigurationError is a fatal startup misconfiguration.
type ConfigurationError struct {
	Option string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Option, e.Reason)
}

// Banner renders the box-drawn stderr banner shown before exiting.
func (e *ConfigurationError) Banner() string {
	lines := []string{
		"CONFIGURATION ERROR",
		"",
		e.Option,
		e.Reason,
	}
	width := 0
	for _, l := range lines {
		if len(l) > width {
			width = len(l)
		}
	}
	var b strings.Builder
	b.WriteString("┌" + strings.Repeat("─", width+2) + "┐\n")
	for _, l := range lines {
		b.WriteString("│ " + l + strings.Repeat(" ", width-len(l)) + " │\n")
	}
	b.WriteString("└" + strings.Repeat("─", width+2) + "┘")
	return b.String()
}
