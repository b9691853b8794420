package container

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/titanous/json5"

	"github.com/nextlevelbuilder/g2/internal/store"
)

// Container-side mount points. Fixed so the agent image can rely on them.
const (
	projectMountPath     = "/workspace/project"
	groupMountPath       = "/workspace/group"
	globalMountPath      = "/workspace/global"
	sessionMountPath     = "/home/agent/.claude"
	ipcMountPath         = "/workspace/ipc"
	runnerMountPath      = "/opt/agent-runner"
	credentialsMountPath = "/home/agent/.credentials"
)

// VolumeMount is one host→container bind mount.
type VolumeMount struct {
	HostPath      string
	ContainerPath string
	ReadOnly      bool
}

// MountBuilder produces the deterministic mount set for a group run.
type MountBuilder struct {
	projectRoot    string
	groupsDir      string
	sessionsDir    string
	ipcDir         string
	runnerDir      string
	skillsDir      string
	credentialsDir string
	allowlistPath  string
}

// NewMountBuilder wires the host directory layout. allowlistPath may be
// empty, in which case every additional mount request is rejected.
func NewMountBuilder(projectRoot, sessionsDir, ipcDir, allowlistPath string) *MountBuilder {
	return &MountBuilder{
		projectRoot:    projectRoot,
		groupsDir:      filepath.Join(projectRoot, "groups"),
		sessionsDir:    sessionsDir,
		ipcDir:         ipcDir,
		runnerDir:      filepath.Join(projectRoot, "container", "agent-runner"),
		skillsDir:      filepath.Join(projectRoot, "container", "skills"),
		credentialsDir: filepath.Join(filepath.Dir(sessionsDir), "credentials"),
		allowlistPath:  allowlistPath,
	}
}

// GroupDir returns the host workspace folder for a group.
func (b *MountBuilder) GroupDir(folder string) string {
	return filepath.Join(b.groupsDir, folder)
}

// Prepare performs every filesystem side effect a run needs: the group
// workspace, the session tree, the IPC namespace, the agent settings
// file and the skills mirror. BuildMounts is pure once this has
// succeeded.
func (b *MountBuilder) Prepare(group *store.RegisteredGroup, isMain bool) error {
	folder := group.Folder
	dirs := []string{
		b.GroupDir(folder),
		filepath.Join(b.sessionsDir, folder, ".claude"),
		filepath.Join(b.ipcDir, folder, "messages"),
		filepath.Join(b.ipcDir, folder, "tasks"),
		filepath.Join(b.ipcDir, folder, "input"),
		filepath.Join(b.ipcDir, folder, "responses"),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("prepare %s: %w", d, err)
		}
	}
	if err := b.writeSettings(folder, isMain); err != nil {
		return err
	}
	return b.syncSkills(folder)
}

type agentSettings struct {
	Permissions agentPermissions `json:"permissions"`
}

type agentPermissions struct {
	AdditionalDirectories []string `json:"additionalDirectories"`
}

// writeSettings publishes the session's settings.json. The directory
// grants mirror the mount contract: main sees the project root, everyone
// else only their own workspace plus the shared global view.
func (b *MountBuilder) writeSettings(folder string, isMain bool) error {
	dirs := []string{groupMountPath, ipcMountPath}
	if isMain {
		dirs = append([]string{projectMountPath}, dirs...)
	} else {
		dirs = append(dirs, globalMountPath)
	}
	doc, err := json.MarshalIndent(agentSettings{
		Permissions: agentPermissions{AdditionalDirectories: dirs},
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}

	path := filepath.Join(b.sessionsDir, folder, ".claude", "settings.json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(doc, '\n'), 0o644); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("publish settings: %w", err)
	}
	return nil
}

// syncSkills mirrors the shipped skills tree into the session so the
// agent picks up both additions and removals on its next run. A missing
// source tree leaves any existing mirror alone.
func (b *MountBuilder) syncSkills(folder string) error {
	if !dirExists(b.skillsDir) {
		return nil
	}
	dst := filepath.Join(b.sessionsDir, folder, ".claude", "skills")
	if err := os.RemoveAll(dst); err != nil {
		return fmt.Errorf("clear skills mirror: %w", err)
	}
	return copyTree(b.skillsDir, dst)
}

func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("copy skill %s: %w", rel, err)
		}
		return os.WriteFile(target, data, 0o644)
	})
}

// BuildMounts returns the mount set for a group. Main mounts the whole
// project read-write; everyone else gets only their own folder plus a
// read-only view of global/ when it exists.
func (b *MountBuilder) BuildMounts(group *store.RegisteredGroup, isMain bool) ([]VolumeMount, error) {
	var mounts []VolumeMount

	if isMain {
		mounts = append(mounts, VolumeMount{HostPath: b.projectRoot, ContainerPath: projectMountPath})
	}
	mounts = append(mounts, VolumeMount{HostPath: b.GroupDir(group.Folder), ContainerPath: groupMountPath})

	if !isMain {
		global := filepath.Join(b.groupsDir, "global")
		if dirExists(global) {
			mounts = append(mounts, VolumeMount{HostPath: global, ContainerPath: globalMountPath, ReadOnly: true})
		}
	}

	mounts = append(mounts,
		VolumeMount{HostPath: filepath.Join(b.sessionsDir, group.Folder, ".claude"), ContainerPath: sessionMountPath},
		VolumeMount{HostPath: filepath.Join(b.ipcDir, group.Folder), ContainerPath: ipcMountPath},
	)

	mounts = append(mounts, VolumeMount{HostPath: b.runnerDir, ContainerPath: runnerMountPath, ReadOnly: true})
	if dirExists(b.credentialsDir) {
		mounts = append(mounts, VolumeMount{HostPath: b.credentialsDir, ContainerPath: credentialsMountPath, ReadOnly: true})
	}

	if group.ContainerConfig != nil && len(group.ContainerConfig.AdditionalMounts) > 0 {
		extra, err := b.validateAdditionalMounts(group.ContainerConfig.AdditionalMounts)
		if err != nil {
			return nil, err
		}
		mounts = append(mounts, extra...)
	}

	return mounts, nil
}

// validateAdditionalMounts checks every requested extra mount against
// the external allowlist. The allowlist file itself lives outside every
// mountable tree, so a container can never grant itself access.
func (b *MountBuilder) validateAdditionalMounts(reqs []store.AdditionalMount) ([]VolumeMount, error) {
	if b.allowlistPath == "" {
		return nil, fmt.Errorf("additional mounts requested but no mount allowlist is configured")
	}
	allowed, err := loadAllowlist(b.allowlistPath)
	if err != nil {
		return nil, err
	}

	var mounts []VolumeMount
	for _, req := range reqs {
		host, err := filepath.Abs(req.HostPath)
		if err != nil {
			return nil, fmt.Errorf("additional mount %q: %w", req.HostPath, err)
		}
		if !pathAllowed(host, allowed) {
			return nil, fmt.Errorf("additional mount %q is not in the allowlist", host)
		}
		if !filepath.IsAbs(req.ContainerPath) {
			return nil, fmt.Errorf("additional mount container path %q must be absolute", req.ContainerPath)
		}
		mounts = append(mounts, VolumeMount{
			HostPath:      host,
			ContainerPath: req.ContainerPath,
			ReadOnly:      req.ReadOnly,
		})
	}
	return mounts, nil
}

type allowlistFile struct {
	AllowedPaths []string `json:"allowedPaths"`
}

// loadAllowlist parses the json5 allowlist file.
func loadAllowlist(path string) ([]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read mount allowlist: %w", err)
	}
	var f allowlistFile
	if err := json5.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse mount allowlist: %w", err)
	}
	out := make([]string, 0, len(f.AllowedPaths))
	for _, p := range f.AllowedPaths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, fmt.Errorf("mount allowlist entry %q: %w", p, err)
		}
		out = append(out, abs)
	}
	return out, nil
}

// pathAllowed reports whether host equals or sits under one of the
// allowed prefixes.
func pathAllowed(host string, allowed []string) bool {
	for _, prefix := range allowed {
		if host == prefix || strings.HasPrefix(host, prefix+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
