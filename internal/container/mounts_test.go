package container

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/nextlevelbuilder/g2/internal/store"
)

func testBuilder(t *testing.T, allowlist string) (*MountBuilder, string) {
	t.Helper()
	root := t.TempDir()
	data := t.TempDir()
	b := NewMountBuilder(root,
		filepath.Join(data, "sessions"),
		filepath.Join(data, "ipc"),
		allowlist)
	return b, root
}

func mountFor(t *testing.T, mounts []VolumeMount, containerPath string) *VolumeMount {
	t.Helper()
	for i := range mounts {
		if mounts[i].ContainerPath == containerPath {
			return &mounts[i]
		}
	}
	return nil
}

func TestBuildMountsMainGroup(t *testing.T) {
	b, root := testBuilder(t, "")
	group := &store.RegisteredGroup{JID: "m@g.us", Folder: "main"}
	if err := b.Prepare(group, true); err != nil {
		t.Fatalf("prepare: %v", err)
	}

	mounts, err := b.BuildMounts(group, true)
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	proj := mountFor(t, mounts, projectMountPath)
	if proj == nil || proj.HostPath != root || proj.ReadOnly {
		t.Fatalf("project mount wrong: %+v", proj)
	}
	if g := mountFor(t, mounts, groupMountPath); g == nil || g.ReadOnly {
		t.Fatalf("group mount wrong: %+v", g)
	}
	if s := mountFor(t, mounts, sessionMountPath); s == nil || s.ReadOnly {
		t.Fatalf("session mount wrong: %+v", s)
	}
	if ipc := mountFor(t, mounts, ipcMountPath); ipc == nil || ipc.ReadOnly {
		t.Fatalf("ipc mount wrong: %+v", ipc)
	}
	if r := mountFor(t, mounts, runnerMountPath); r == nil || !r.ReadOnly {
		t.Fatalf("runner mount wrong: %+v", r)
	}
}

func TestBuildMountsNonMainGroup(t *testing.T) {
	b, root := testBuilder(t, "")
	if err := os.MkdirAll(filepath.Join(root, "groups", "global"), 0o755); err != nil {
		t.Fatal(err)
	}
	group := &store.RegisteredGroup{JID: "o@g.us", Folder: "other"}
	if err := b.Prepare(group, false); err != nil {
		t.Fatalf("prepare: %v", err)
	}

	mounts, err := b.BuildMounts(group, false)
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	if mountFor(t, mounts, projectMountPath) != nil {
		t.Fatal("non-main group must not see the project root")
	}
	global := mountFor(t, mounts, globalMountPath)
	if global == nil || !global.ReadOnly {
		t.Fatalf("global mount wrong: %+v", global)
	}
	if r := mountFor(t, mounts, runnerMountPath); r == nil || !r.ReadOnly {
		t.Fatalf("runner mount wrong: %+v", r)
	}
}

func TestRunnerMountPresentWithoutHostDir(t *testing.T) {
	b, root := testBuilder(t, "")
	group := &store.RegisteredGroup{JID: "o@g.us", Folder: "other"}

	mounts, err := b.BuildMounts(group, false)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	r := mountFor(t, mounts, runnerMountPath)
	if r == nil || !r.ReadOnly {
		t.Fatalf("runner mount wrong: %+v", r)
	}
	if r.HostPath != filepath.Join(root, "container", "agent-runner") {
		t.Fatalf("runner host path = %q", r.HostPath)
	}
}

func readSettings(t *testing.T, b *MountBuilder, folder string) []string {
	t.Helper()
	raw, err := os.ReadFile(filepath.Join(b.sessionsDir, folder, ".claude", "settings.json"))
	if err != nil {
		t.Fatalf("read settings: %v", err)
	}
	var s struct {
		Permissions struct {
			AdditionalDirectories []string `json:"additionalDirectories"`
		} `json:"permissions"`
	}
	if err := json.Unmarshal(raw, &s); err != nil {
		t.Fatalf("parse settings: %v", err)
	}
	return s.Permissions.AdditionalDirectories
}

func TestPrepareWritesSettings(t *testing.T) {
	b, _ := testBuilder(t, "")

	if err := b.Prepare(&store.RegisteredGroup{JID: "m@g.us", Folder: "main"}, true); err != nil {
		t.Fatalf("prepare main: %v", err)
	}
	main := readSettings(t, b, "main")
	if main[0] != projectMountPath {
		t.Fatalf("main dirs = %v, want project root first", main)
	}

	if err := b.Prepare(&store.RegisteredGroup{JID: "o@g.us", Folder: "other"}, false); err != nil {
		t.Fatalf("prepare other: %v", err)
	}
	other := readSettings(t, b, "other")
	for _, d := range other {
		if d == projectMountPath {
			t.Fatalf("non-main settings grant the project root: %v", other)
		}
	}
	found := false
	for _, d := range other {
		if d == globalMountPath {
			found = true
		}
	}
	if !found {
		t.Fatalf("non-main settings missing global dir: %v", other)
	}

	// Publish is atomic; no temp file may survive.
	if _, err := os.Stat(filepath.Join(b.sessionsDir, "other", ".claude", "settings.json.tmp")); !os.IsNotExist(err) {
		t.Fatal("settings temp file left behind")
	}
}

func TestPrepareSyncsSkills(t *testing.T) {
	b, root := testBuilder(t, "")
	group := &store.RegisteredGroup{JID: "o@g.us", Folder: "other"}

	src := filepath.Join(root, "container", "skills", "research")
	if err := os.MkdirAll(src, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "SKILL.md"), []byte("# research\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := b.Prepare(group, false); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	mirror := filepath.Join(b.sessionsDir, "other", ".claude", "skills")
	got, err := os.ReadFile(filepath.Join(mirror, "research", "SKILL.md"))
	if err != nil || string(got) != "# research\n" {
		t.Fatalf("skill not mirrored: %v %q", err, got)
	}

	// A removed skill disappears from the mirror on the next prepare.
	if err := os.RemoveAll(src); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "container", "skills", "notes.md"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := b.Prepare(group, false); err != nil {
		t.Fatalf("second prepare: %v", err)
	}
	if _, err := os.Stat(filepath.Join(mirror, "research")); !os.IsNotExist(err) {
		t.Fatal("stale skill survived the sync")
	}
	if _, err := os.Stat(filepath.Join(mirror, "notes.md")); err != nil {
		t.Fatalf("new skill missing: %v", err)
	}
}

func TestAdditionalMountsRequireAllowlist(t *testing.T) {
	b, _ := testBuilder(t, "")
	group := &store.RegisteredGroup{
		JID: "o@g.us", Folder: "other",
		ContainerConfig: &store.ContainerConfig{
			AdditionalMounts: []store.AdditionalMount{
				{HostPath: "/tmp/anything", ContainerPath: "/mnt/x"},
			},
		},
	}
	if _, err := b.BuildMounts(group, false); err == nil {
		t.Fatal("expected error without an allowlist")
	}
}

func TestAdditionalMountsValidatedAgainstAllowlist(t *testing.T) {
	allowedDir := t.TempDir()
	allowlist := filepath.Join(t.TempDir(), "allowlist.json5")
	// json5 allows comments and trailing commas.
	content := "{\n  // extra mounts groups may request\n  allowedPaths: [\"" + allowedDir + "\",],\n}\n"
	if err := os.WriteFile(allowlist, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	b, _ := testBuilder(t, allowlist)

	tests := []struct {
		name    string
		mount   store.AdditionalMount
		wantErr bool
	}{
		{"allowed root", store.AdditionalMount{HostPath: allowedDir, ContainerPath: "/mnt/docs"}, false},
		{"allowed subdir", store.AdditionalMount{HostPath: filepath.Join(allowedDir, "sub"), ContainerPath: "/mnt/sub", ReadOnly: true}, false},
		{"outside allowlist", store.AdditionalMount{HostPath: "/etc", ContainerPath: "/mnt/etc"}, true},
		{"prefix trick", store.AdditionalMount{HostPath: allowedDir + "-evil", ContainerPath: "/mnt/evil"}, true},
		{"relative container path", store.AdditionalMount{HostPath: allowedDir, ContainerPath: "docs"}, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			group := &store.RegisteredGroup{
				JID: "o@g.us", Folder: "other",
				ContainerConfig: &store.ContainerConfig{
					AdditionalMounts: []store.AdditionalMount{tc.mount},
				},
			}
			_, err := b.BuildMounts(group, false)
			if tc.wantErr && err == nil {
				t.Fatal("expected validation error")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}
