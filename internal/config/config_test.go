package config

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{
		"ASSISTANT_NAME", "DATA_DIR", "PROJECT_ROOT", "POLL_INTERVAL",
		"CONTAINER_TIMEOUT", "MAX_CONCURRENT_CONTAINERS", "MOUNT_ALLOWLIST_PATH", "TZ",
	} {
		t.Setenv(key, "")
	}

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.AssistantName != "G2" {
		t.Errorf("AssistantName = %q", cfg.AssistantName)
	}
	if cfg.PollInterval != 2*time.Second {
		t.Errorf("PollInterval = %v", cfg.PollInterval)
	}
	if cfg.ContainerTimeout != 30*time.Minute {
		t.Errorf("ContainerTimeout = %v", cfg.ContainerTimeout)
	}
	if cfg.MaxConcurrentContainers != 5 {
		t.Errorf("MaxConcurrentContainers = %d", cfg.MaxConcurrentContainers)
	}
	if !filepath.IsAbs(cfg.DataDir) {
		t.Errorf("DataDir not absolute: %q", cfg.DataDir)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("ASSISTANT_NAME", "Robo")
	t.Setenv("ASSISTANT_HAS_OWN_NUMBER", "true")
	t.Setenv("POLL_INTERVAL", "500")
	t.Setenv("CONTAINER_TIMEOUT", "60000")
	t.Setenv("MAX_CONCURRENT_CONTAINERS", "2")
	t.Setenv("CONTAINER_IMAGE", "custom:1")
	t.Setenv("MOUNT_ALLOWLIST_PATH", "")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.AssistantName != "Robo" || !cfg.AssistantHasOwnNumber {
		t.Errorf("assistant options: %q %v", cfg.AssistantName, cfg.AssistantHasOwnNumber)
	}
	if cfg.PollInterval != 500*time.Millisecond {
		t.Errorf("PollInterval = %v", cfg.PollInterval)
	}
	if cfg.ContainerTimeout != time.Minute {
		t.Errorf("ContainerTimeout = %v", cfg.ContainerTimeout)
	}
	if cfg.MaxConcurrentContainers != 2 {
		t.Errorf("MaxConcurrentContainers = %d", cfg.MaxConcurrentContainers)
	}
	if cfg.ContainerImage != "custom:1" {
		t.Errorf("ContainerImage = %q", cfg.ContainerImage)
	}
}

func TestInvalidNumbersKeepDefaults(t *testing.T) {
	t.Setenv("POLL_INTERVAL", "soon")
	t.Setenv("MAX_CONCURRENT_CONTAINERS", "-3")
	t.Setenv("MOUNT_ALLOWLIST_PATH", "")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.PollInterval != 2*time.Second {
		t.Errorf("PollInterval = %v", cfg.PollInterval)
	}
	if cfg.MaxConcurrentContainers != 5 {
		t.Errorf("MaxConcurrentContainers = %d", cfg.MaxConcurrentContainers)
	}
}

func TestAllowlistInsideProjectRootIsFatal(t *testing.T) {
	root := t.TempDir()
	t.Setenv("PROJECT_ROOT", root)
	t.Setenv("MOUNT_ALLOWLIST_PATH", filepath.Join(root, "config", "mounts.json5"))

	_, err := Load()
	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("err = %v, want ConfigurationError", err)
	}
	if cfgErr.Option != "MOUNT_ALLOWLIST_PATH" {
		t.Errorf("Option = %q", cfgErr.Option)
	}
}

func TestAllowlistOutsideProjectRootAccepted(t *testing.T) {
	root := t.TempDir()
	other := t.TempDir()
	t.Setenv("PROJECT_ROOT", root)
	t.Setenv("MOUNT_ALLOWLIST_PATH", filepath.Join(other, "mounts.json5"))

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.MountAllowlistPath != filepath.Join(other, "mounts.json5") {
		t.Errorf("MountAllowlistPath = %q", cfg.MountAllowlistPath)
	}

	// A sibling whose name shares the root as a string prefix is outside.
	t.Setenv("PROJECT_ROOT", root)
	t.Setenv("MOUNT_ALLOWLIST_PATH", root+"-extra/mounts.json5")
	if _, err := Load(); err != nil {
		t.Errorf("prefix sibling rejected: %v", err)
	}
}

func TestResolveTimezoneFallback(t *testing.T) {
	if loc := resolveTimezone("Not/AZone"); loc == nil {
		t.Fatal("nil location for invalid zone")
	}
	if loc := resolveTimezone("UTC"); loc.String() != "UTC" {
		t.Errorf("zone = %v", loc)
	}
}

func TestBannerBoxes(t *testing.T) {
	e := &ConfigurationError{Option: "MOUNT_ALLOWLIST_PATH", Reason: "inside project root"}
	banner := e.Banner()
	if !strings.Contains(banner, "┌") || !strings.Contains(banner, "┘") {
		t.Errorf("banner missing frame:\n%s", banner)
	}
	if !strings.Contains(banner, "MOUNT_ALLOWLIST_PATH") {
		t.Errorf("banner missing option:\n%s", banner)
	}
}
