package transport

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"
)

func TestReplaceHome(t *testing.T) {
	got := replaceHome("cd %HOME%/bin && ./run.sh", "%HOME%", "/opt/outpost1")
	want := "cd /opt/outpost1/bin && ./run.sh"
	if got != want {
		t.Errorf("replaceHome = %q, want %q", got, want)
	}
}

func TestReplaceHomeEmptyPlaceholder(t *testing.T) {
	got := replaceHome("./run.sh", "", "/opt/outpost1")
	if got != "./run.sh" {
		t.Errorf("replaceHome with empty placeholder changed the command: %q", got)
	}
}

func TestReadLinesSkipsBlankTrailer(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cmds.txt")
	if err := os.WriteFile(path, []byte("echo one\necho two\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	lines, err := readLines(path)
	if err != nil {
		t.Fatalf("readLines: %v", err)
	}
	if len(lines) != 2 || lines[0] != "echo one" || lines[1] != "echo two" {
		t.Fatalf("readLines = %v", lines)
	}
}

func TestReadLinesMissingFile(t *testing.T) {
	_, err := readLines(filepath.Join(t.TempDir(), "missing.txt"))
	if err == nil || !os.IsNotExist(err) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
}

func TestIsAgentLiveNoPIDFile(t *testing.T) {
	a := &Adapter{varDir: t.TempDir()}
	if a.IsAgentLive("ghost") {
		t.Fatal("expected false for an agent with no PID file")
	}
}

func TestIsAgentLiveOwnProcess(t *testing.T) {
	dir := t.TempDir()
	a := &Adapter{varDir: dir}
	pid := os.Getpid()
	if err := os.WriteFile(a.pidFilePath("self"), []byte(strconv.Itoa(pid)+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if !a.IsAgentLive("self") {
		t.Fatal("expected the current process to be reported live")
	}
}

func TestTrimSpace(t *testing.T) {
	if got := trimSpace("  \t123\n"); got != "123" {
		t.Errorf("trimSpace = %q, want %q", got, "123")
	}
}

func TestParseCHeader(t *testing.T) {
	size, err := parseCHeader("C0644 1024 payload.bin\n")
	if err != nil {
		t.Fatalf("parseCHeader: %v", err)
	}
	if size != 1024 {
		t.Errorf("size = %d, want 1024", size)
	}
}

func TestParseCHeaderMalformed(t *testing.T) {
	if _, err := parseCHeader("not a header"); err == nil {
		t.Fatal("expected error for malformed header")
	}
}

func TestTunnelsIsOpenInitiallyFalse(t *testing.T) {
	tn := NewTunnels()
	if tn.IsTunnelOpen("outpost1") {
		t.Fatal("expected no tunnels open on a fresh registry")
	}
}

func TestCloseTunnelUnknownIsNoop(t *testing.T) {
	tn := NewTunnels()
	a := &Adapter{}
	if err := a.CloseTunnel(tn, "unknown"); err != nil {
		t.Fatalf("CloseTunnel on unknown name should be a no-op: %v", err)
	}
}

func TestLaunchLocalAgentFallsBackWithoutDocker(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "launcher.sh")
	if err := os.WriteFile(script, []byte("#!/bin/sh\necho \"$2\" > \""+dir+"/ran\"\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	a := &Adapter{varDir: dir, launcher: script}
	if err := a.LaunchLocalAgent("a1"); err != nil {
		t.Fatalf("LaunchLocalAgent: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "ran"))
	if err != nil || string(data) != "a1\n" {
		t.Fatalf("launcher script did not run as expected: data=%q err=%v", data, err)
	}
}

func TestContainerLauncherUnavailableWithoutDaemon(t *testing.T) {
	// No Docker daemon is assumed reachable in the test environment;
	// NewContainerLauncher must degrade gracefully rather than error.
	l := NewContainerLauncher("scout/agent:latest")
	if l.IsAvailable() {
		t.Skip("a Docker daemon is reachable in this environment; skipping the unavailable-path assertion")
	}
	if err := l.LaunchAgent(context.Background(), "a1", "/opt/scout", nil); err == nil {
		t.Fatal("expected an error launching an agent with no Docker daemon available")
	}
}
