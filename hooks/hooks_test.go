package hooks

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rmed/scout/transport"
)

func newTestNode(t *testing.T, homeDir, rulesRoot string) *Node {
	t.Helper()
	return &Node{
		Transport:       &transport.Adapter{},
		HomeDir:         homeDir,
		RulesDir:        func(agent string) string { return filepath.Join(rulesRoot, agent) },
		HomePlaceholder: "%HOME%",
	}
}

func writeManifest(t *testing.T, path string, lines ...string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	content := ""
	for _, l := range lines {
		content += l + "\n"
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestBuildBackupAndRestoreRoundTrip(t *testing.T) {
	home := t.TempDir()
	rules := t.TempDir()
	n := newTestNode(t, home, rules)

	if err := os.MkdirAll(filepath.Join(home, "a1", "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(home, "a1", "rules.txt"), []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(home, "a1", "sub", "nested.txt"), []byte("world"), 0o644); err != nil {
		t.Fatal(err)
	}
	writeManifest(t, n.staticManifestPath("a1"), "a1/rules.txt", "a1/sub/nested.txt")

	backupDir, err := n.BuildBackup("a1")
	if err != nil {
		t.Fatalf("BuildBackup: %v", err)
	}
	if _, err := os.Stat(filepath.Join(backupDir, "a1", "rules.txt")); err != nil {
		t.Fatalf("backup not written: %v", err)
	}

	if err := n.RemoveStatic("a1"); err != nil {
		t.Fatalf("RemoveStatic: %v", err)
	}
	if _, err := os.Stat(filepath.Join(home, "a1", "rules.txt")); !os.IsNotExist(err) {
		t.Fatal("expected rules.txt to be gone")
	}

	if err := n.RestoreStatic("a1", backupDir); err != nil {
		t.Fatalf("RestoreStatic: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(home, "a1", "rules.txt"))
	if err != nil || string(data) != "hello" {
		t.Fatalf("rules.txt = %q, %v", data, err)
	}
	nested, err := os.ReadFile(filepath.Join(home, "a1", "sub", "nested.txt"))
	if err != nil || string(nested) != "world" {
		t.Fatalf("nested.txt = %q, %v", nested, err)
	}
}

func TestBuildBackupEmptyManifestIsNotAnError(t *testing.T) {
	n := newTestNode(t, t.TempDir(), t.TempDir())
	backupDir, err := n.BuildBackup("ghost")
	if err != nil {
		t.Fatalf("expected an empty manifest to be a no-op, got %v", err)
	}
	entries, err := os.ReadDir(backupDir)
	if err != nil {
		t.Fatalf("backup dir should still exist: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected an empty backup dir, got %v", entries)
	}
}

func TestBackupPairsWalksBackupDirectory(t *testing.T) {
	home := t.TempDir()
	n := newTestNode(t, home, t.TempDir())

	if err := os.MkdirAll(filepath.Join(home, "a1", "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(home, "a1", "rules.txt"), []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(home, "a1", "sub", "nested.txt"), []byte("world"), 0o644); err != nil {
		t.Fatal(err)
	}
	writeManifest(t, n.staticManifestPath("a1"), "a1/rules.txt", "a1/sub/nested.txt")

	backupDir, err := n.BuildBackup("a1")
	if err != nil {
		t.Fatalf("BuildBackup: %v", err)
	}

	conn := transport.OutpostConn{Host: "o1.example.com", Directory: "/opt/scout"}
	pairs, err := n.BackupPairs("a1", backupDir, conn)
	if err != nil {
		t.Fatalf("BackupPairs: %v", err)
	}
	if len(pairs) != 2 {
		t.Fatalf("expected 2 pairs, got %d: %+v", len(pairs), pairs)
	}
	for _, p := range pairs {
		if filepath.Dir(p.Dst) != "/opt/scout/a1" && filepath.Dir(p.Dst) != "/opt/scout/a1/sub" {
			t.Errorf("unexpected remote dst %q", p.Dst)
		}
	}
}

func TestUploadDynamicSkipsMissingLocalFiles(t *testing.T) {
	home := t.TempDir()
	n := newTestNode(t, home, t.TempDir())
	writeManifest(t, n.dynamicManifestPath("a1"), "a1/state.db")

	conn := transport.OutpostConn{Host: "o1.example.com", Directory: "/opt/scout"}
	if err := n.UploadDynamic(conn, "a1"); err != nil {
		t.Fatalf("expected no error when the dynamic file doesn't exist locally, got %v", err)
	}
}

func TestDownloadDynamicNoopWithEmptyManifest(t *testing.T) {
	n := newTestNode(t, t.TempDir(), t.TempDir())
	conn := transport.OutpostConn{Host: "o1.example.com", Directory: "/opt/scout"}
	if err := n.DownloadDynamic(conn, "a1"); err != nil {
		t.Fatalf("expected an empty dynamic manifest to be a no-op, got %v", err)
	}
}

func TestRunPreMigrationLocalSkipsMissingCmdFile(t *testing.T) {
	n := newTestNode(t, t.TempDir(), t.TempDir())
	if err := n.RunPreMigration(transport.OutpostConn{}, "a1"); err != nil {
		t.Fatalf("expected a missing cmd file to be a no-op, got %v", err)
	}
}

func TestRemoveStaticMissingFilesIsNotAnError(t *testing.T) {
	home := t.TempDir()
	n := newTestNode(t, home, t.TempDir())
	writeManifest(t, n.staticManifestPath("a1"), "a1/already-gone.txt")

	if err := n.RemoveStatic("a1"); err != nil {
		t.Fatalf("expected an already-missing static file to be a no-op, got %v", err)
	}
}
