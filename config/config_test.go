package config

import (
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "outpost.list"), filepath.Join(dir, "scout.conf"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func TestHoldUnholdRoundTrip(t *testing.T) {
	s := newTestStore(t)
	s.free = []string{"a1"}

	ok, reason, err := s.MarkHold("a1")
	if err != nil || !ok {
		t.Fatalf("MarkHold(a1) = %v, %q, %v", ok, reason, err)
	}
	free, hold := s.FreeAndHold()
	if len(free) != 0 || len(hold) != 1 || hold[0] != "a1" {
		t.Fatalf("after hold: free=%v hold=%v", free, hold)
	}

	ok, reason, err = s.MarkHold("a1")
	if err != nil {
		t.Fatalf("MarkHold second call: %v", err)
	}
	if ok || reason != "agent a1 is already in hold list" {
		t.Fatalf("expected already-in-hold-list reply, got ok=%v reason=%q", ok, reason)
	}
}

func TestMarkUnhold(t *testing.T) {
	s := newTestStore(t)
	s.hold = []string{"a1"}

	ok, _, err := s.MarkUnhold("a1")
	if err != nil || !ok {
		t.Fatalf("MarkUnhold: ok=%v err=%v", ok, err)
	}
	free, hold := s.FreeAndHold()
	if len(hold) != 0 || len(free) != 1 || free[0] != "a1" {
		t.Fatalf("after unhold: free=%v hold=%v", free, hold)
	}
}

func TestRefreshAgentsAddsAndRemoves(t *testing.T) {
	s := newTestStore(t)
	s.free = []string{"a1", "stale"}

	if err := s.RefreshAgents([]string{"a1", "a2"}); err != nil {
		t.Fatalf("RefreshAgents: %v", err)
	}

	free, hold := s.FreeAndHold()
	if len(hold) != 0 {
		t.Fatalf("hold should stay empty, got %v", hold)
	}
	want := map[string]bool{"a1": true, "a2": true}
	if len(free) != 2 {
		t.Fatalf("free = %v, want 2 entries", free)
	}
	for _, a := range free {
		if !want[a] {
			t.Errorf("unexpected agent %q survived refresh", a)
		}
	}
}

func TestOutpostRoundTrip(t *testing.T) {
	s := newTestStore(t)
	entry := OutpostEntry{
		Name: "o1", Host: "10.0.0.1", Directory: "/srv/zoe",
		RemotePort: 9000, LocalTunnel: 9001, RemoteTunnel: 9002,
		MIPS: 1000, Priority: 1,
	}
	if err := s.UpsertOutpost(entry); err != nil {
		t.Fatalf("UpsertOutpost: %v", err)
	}

	got, ok := s.Outpost("o1")
	if !ok {
		t.Fatal("expected outpost o1 to exist")
	}
	if got != entry {
		t.Fatalf("got %+v, want %+v", got, entry)
	}

	// Reopen from disk to confirm the write round-trips.
	reopened, err := Open(s.outpostPath, s.scoutPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got2, ok := reopened.Outpost("o1")
	if !ok || got2 != entry {
		t.Fatalf("after reopen: got %+v, ok=%v, want %+v", got2, ok, entry)
	}
}
