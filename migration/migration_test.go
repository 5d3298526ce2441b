package migration

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rmed/scout"
	"github.com/rmed/scout/agentbook"
	"github.com/rmed/scout/bus"
	"github.com/rmed/scout/transport"
	"github.com/rmed/scout/zonebook"
)

type recordingPublisher struct {
	sent []*bus.Envelope
}

func (p *recordingPublisher) Publish(ctx context.Context, env *bus.Envelope) error {
	p.sent = append(p.sent, env)
	return nil
}

func (p *recordingPublisher) tags() []string {
	var out []string
	for _, e := range p.sent {
		if len(e.Tag) > 0 {
			out = append(out, e.Tag[0])
		}
	}
	return out
}

type fakeHooks struct {
	staticList        []string
	backupPath        string
	removedStatic     []string
	restoredStatic    []string
	preMigrationRan   int
	postMigRan        int
	uploadedDynamic   int
	downloadedDynamic int
	launchedLocal     []string
}

func (h *fakeHooks) StaticManifest(agent string) ([]string, error) {
	return h.staticList, nil
}
func (h *fakeHooks) BuildBackup(agent string) (string, error) {
	return h.backupPath, nil
}
func (h *fakeHooks) BackupPairs(agent, backupDir string, conn transport.OutpostConn) ([]transport.Pair, error) {
	return nil, nil
}
func (h *fakeHooks) RemoveStatic(agent string) error {
	h.removedStatic = append(h.removedStatic, agent)
	return nil
}
func (h *fakeHooks) RestoreStatic(agent, backupPath string) error {
	h.restoredStatic = append(h.restoredStatic, agent)
	return nil
}
func (h *fakeHooks) RunPreMigration(conn transport.OutpostConn, agent string) error {
	h.preMigrationRan++
	return nil
}
func (h *fakeHooks) RunPostMigration(conn transport.OutpostConn, agent string) error {
	h.postMigRan++
	return nil
}
func (h *fakeHooks) UploadDynamic(conn transport.OutpostConn, agent string) error {
	h.uploadedDynamic++
	return nil
}
func (h *fakeHooks) DownloadDynamic(conn transport.OutpostConn, agent string) error {
	h.downloadedDynamic++
	return nil
}
func (h *fakeHooks) LaunchLocal(agent string) error {
	h.launchedLocal = append(h.launchedLocal, agent)
	return nil
}

func newProtocol(t *testing.T, pub *recordingPublisher, hooks *fakeHooks) (*Protocol, *zonebook.Book, *agentbook.Book) {
	t.Helper()
	zones, err := zonebook.Open(filepath.Join(t.TempDir(), "zone.sqlite"))
	if err != nil {
		t.Fatalf("zonebook.Open: %v", err)
	}
	t.Cleanup(func() { zones.Close() })

	agents, err := agentbook.Open(filepath.Join(t.TempDir(), "agent.sqlite"))
	if err != nil {
		t.Fatalf("agentbook.Open: %v", err)
	}
	t.Cleanup(func() { agents.Close() })

	p := &Protocol{
		Zones:        zones,
		Agents:       agents,
		Transport:    &transport.Adapter{},
		Pub:          pub,
		Hooks:        hooks,
		BusPort:      9000,
		QuiesceGrace: 20 * time.Millisecond,
		AttachSettle: 5 * time.Millisecond,
	}
	return p, zones, agents
}

// TestCentralToOutpostHappyPath is spec scenario 4: migrate-agent a1 o1
// with o1 running, a1 on central, a1 free.
func TestCentralToOutpostHappyPath(t *testing.T) {
	ctx := context.Background()
	pub := &recordingPublisher{}
	hooks := &fakeHooks{backupPath: filepath.Join(t.TempDir(), "a1-backup.tar")}
	p, zones, agents := newProtocol(t, pub, hooks)

	if err := zones.UpsertOutpost(ctx, "o1"); err != nil {
		t.Fatal(err)
	}
	if _, err := zones.SetRunning(ctx, "o1", true); err != nil {
		t.Fatal(err)
	}
	if err := zones.UpsertAgent(ctx, "a1"); err != nil {
		t.Fatal(err)
	}

	// Simulate the agent responding to travel! with store-info before the
	// grace period elapses, so notifyTravelling returns immediately.
	go func() {
		agents.StoreInfo(ctx, "a1", "settle-blob")
	}()

	conn := transport.OutpostConn{Host: "o1.example", Directory: "/opt/outpost"}
	if err := p.Move(ctx, "a1", "o1", conn); err != nil {
		t.Fatalf("Move: %v", err)
	}

	loc, ok, err := zones.LocationOf(ctx, "a1")
	if err != nil || !ok || loc != "o1" {
		t.Fatalf("LocationOf after migration: loc=%q ok=%v err=%v", loc, ok, err)
	}

	sentTags := pub.tags()
	wantOrder := []string{bus.TagTravel, bus.TagExit, bus.ActionAddAgent, bus.ActionLaunch}
	if len(sentTags) != len(wantOrder) {
		t.Fatalf("sent tags = %v, want %v", sentTags, wantOrder)
	}
	for i, want := range wantOrder {
		if sentTags[i] != want {
			t.Errorf("tag[%d] = %q, want %q", i, sentTags[i], want)
		}
	}

	if len(hooks.removedStatic) != 1 || hooks.preMigrationRan != 1 || hooks.postMigRan != 1 || hooks.uploadedDynamic != 1 {
		t.Errorf("hooks not fully exercised: %+v", hooks)
	}
}

// TestOutpostToCentralSendsCleanStaticAndPullsDynamic covers detach when
// the source is an outpost rather than central: there is no local backup
// to build, so the choreography instead tells the outpost to clean its
// static files and pulls the dynamic manifest back to central.
func TestOutpostToCentralSendsCleanStaticAndPullsDynamic(t *testing.T) {
	ctx := context.Background()
	pub := &recordingPublisher{}
	hooks := &fakeHooks{staticList: []string{"a1/config.yml", "a1/state.db"}}
	p, zones, agents := newProtocol(t, pub, hooks)
	p.ResolveOutpost = func(name string) (transport.OutpostConn, bool) {
		if name != "o1" {
			return transport.OutpostConn{}, false
		}
		return transport.OutpostConn{Host: "o1.example", Directory: "/opt/outpost"}, true
	}

	if err := zones.UpsertOutpost(ctx, "o1"); err != nil {
		t.Fatal(err)
	}
	if _, err := zones.SetRunning(ctx, "o1", true); err != nil {
		t.Fatal(err)
	}
	if err := zones.UpsertAgent(ctx, "a1"); err != nil {
		t.Fatal(err)
	}
	if _, err := zones.MoveAgent(ctx, "a1", "o1"); err != nil {
		t.Fatal(err)
	}

	go func() {
		agents.StoreInfo(ctx, "a1", "settle-blob")
	}()

	if err := p.Move(ctx, "a1", zonebook.Central, transport.OutpostConn{}); err != nil {
		t.Fatalf("Move: %v", err)
	}

	loc, ok, err := zones.LocationOf(ctx, "a1")
	if err != nil || !ok || loc != zonebook.Central {
		t.Fatalf("LocationOf after migration: loc=%q ok=%v err=%v", loc, ok, err)
	}

	if hooks.downloadedDynamic != 1 {
		t.Errorf("expected dynamic manifest pulled once, got %d", hooks.downloadedDynamic)
	}
	if len(hooks.restoredStatic) != 0 {
		t.Errorf("expected no RestoreStatic call without a backup, got %v", hooks.restoredStatic)
	}

	var clean, rm *bus.Envelope
	for _, env := range pub.sent {
		switch {
		case env.HasTag(bus.ActionCleanStatic):
			clean = env
		case env.HasTag(bus.ActionRmAgent):
			rm = env
		}
	}
	if clean == nil {
		t.Fatal("expected a clean-static envelope sent to the source outpost")
	}
	if clean.Dst != "o1" {
		t.Errorf("clean-static dst = %q, want o1", clean.Dst)
	}
	if static, _ := clean.Get("static"); static != "a1/config.yml\na1/state.db" {
		t.Errorf("clean-static static field = %q", static)
	}
	if rm == nil {
		t.Fatal("expected an rm-agent envelope sent to the source outpost")
	}
	if rm.Dst != "o1" {
		t.Errorf("rm-agent dst = %q, want o1", rm.Dst)
	}
}

// TestMoveUnknownDestination is spec scenario 5: migrating to an outpost
// that is not running is rejected with no state change.
func TestMoveUnknownDestination(t *testing.T) {
	ctx := context.Background()
	pub := &recordingPublisher{}
	hooks := &fakeHooks{}
	p, zones, _ := newProtocol(t, pub, hooks)

	if err := zones.UpsertAgent(ctx, "a1"); err != nil {
		t.Fatal(err)
	}

	err := p.Move(ctx, "a1", "ghost-outpost", transport.OutpostConn{})
	if err == nil {
		t.Fatal("expected an error migrating to an unknown/not-running outpost")
	}
	if !errors.Is(err, scout.ErrOutpostNotRunning) {
		t.Errorf("expected ErrOutpostNotRunning, got %v", err)
	}

	loc, ok, lerr := zones.LocationOf(ctx, "a1")
	if lerr != nil || !ok || loc != zonebook.Central {
		t.Fatalf("agent location should be unchanged: loc=%q ok=%v err=%v", loc, ok, lerr)
	}
	if len(pub.sent) != 0 {
		t.Errorf("expected no bus messages sent for a rejected migration, got %d", len(pub.sent))
	}
}

// TestMoveSameLocationRejected covers the S == D guard.
func TestMoveSameLocationRejected(t *testing.T) {
	ctx := context.Background()
	pub := &recordingPublisher{}
	hooks := &fakeHooks{}
	p, zones, _ := newProtocol(t, pub, hooks)

	if err := zones.UpsertAgent(ctx, "a1"); err != nil {
		t.Fatal(err)
	}

	err := p.Move(ctx, "a1", zonebook.Central, transport.OutpostConn{})
	if !errors.Is(err, scout.ErrUnknownSameLocation) {
		t.Fatalf("expected ErrUnknownSameLocation, got %v", err)
	}
}

func TestHandleStoreInfoThenRetrieveInfoRoundTrip(t *testing.T) {
	ctx := context.Background()
	pub := &recordingPublisher{}
	p, _, agents := newProtocol(t, pub, &fakeHooks{})

	incoming := bus.NewEnvelope("scout", bus.TagStoreInfo)
	incoming.Src = "a1"
	incoming.Set("agent", "a1")
	incoming.Set("state", "serialized-attrs")

	if err := p.HandleStoreInfo(ctx, incoming); err != nil {
		t.Fatalf("HandleStoreInfo: %v", err)
	}

	_, ok, err := agents.GetInfo(ctx, "a1")
	if err != nil || !ok {
		t.Fatalf("expected info stored for a1: ok=%v err=%v", ok, err)
	}

	if err := p.HandleRetrieveInfo(ctx, "a1"); err != nil {
		t.Fatalf("HandleRetrieveInfo: %v", err)
	}

	if len(pub.sent) != 1 || !pub.sent[0].HasTag(bus.TagSettle) {
		t.Fatalf("expected one settle! delivery, got %v", pub.sent)
	}
	if pub.sent[0].Dst != "a1" {
		t.Errorf("settle! dst = %q, want a1", pub.sent[0].Dst)
	}

	_, ok, err = agents.GetInfo(ctx, "a1")
	if err != nil {
		t.Fatalf("GetInfo after retrieve: %v", err)
	}
	if ok {
		t.Fatal("expected info to be deleted after retrieve")
	}
}

func TestHandleRetrieveInfoNoneStored(t *testing.T) {
	ctx := context.Background()
	p, _, _ := newProtocol(t, &recordingPublisher{}, &fakeHooks{})

	err := p.HandleRetrieveInfo(ctx, "ghost")
	if !errors.Is(err, scout.ErrNoStoreInfo) {
		t.Fatalf("expected ErrNoStoreInfo, got %v", err)
	}
}

func TestDeferredMessagesDeliveredInOrder(t *testing.T) {
	ctx := context.Background()
	pub := &recordingPublisher{}
	p, _, _ := newProtocol(t, pub, &fakeHooks{})

	for _, body := range []string{"m1", "m2", "m3"} {
		env := bus.NewEnvelope("a1", "chat")
		env.Src = "someone"
		env.Set("body", body)
		if err := p.HandleStoreMsg(ctx, env); err != nil {
			t.Fatalf("HandleStoreMsg(%q): %v", body, err)
		}
	}

	if err := p.HandleRetrieveMsg(ctx, "a1"); err != nil {
		t.Fatalf("HandleRetrieveMsg: %v", err)
	}

	if len(pub.sent) != 3 {
		t.Fatalf("expected 3 delivered messages, got %d", len(pub.sent))
	}
	for i, want := range []string{"m1", "m2", "m3"} {
		got, _ := pub.sent[i].Get("body")
		if got != want {
			t.Errorf("message %d = %q, want %q", i, got, want)
		}
		if pub.sent[i].Dst != "a1" {
			t.Errorf("message %d dst = %q, want a1", i, pub.sent[i].Dst)
		}
	}
}
