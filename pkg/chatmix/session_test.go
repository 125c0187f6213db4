package chatmix

import (
	"errors"
	"fmt"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap"
)

func init() {
	// no need to wait for a real graph to settle
	sinkSettleDelay = 0
}

type volumeCall struct {
	ID    string
	Level float32
}

// fakeGateway stands in for a live PipeWire instance so the session state
// machine can be exercised without a USB device or an audio server
type fakeGateway struct {
	reachable bool

	defaultName string
	defaultID   string

	staleSinks map[string]bool
	createErr  error
	linkErr    error

	// expr -> id, keyed by the exact pattern callers pass to FindNodeID
	nodeIDs map[string]string

	created     []string
	destroyed   []string
	links       [][2]string
	setVolumes  []volumeCall
	setDefaults []string
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		reachable:   true,
		defaultName: "alsa_output.pci-0000_00_1f.3.analog-stereo",
		defaultID:   "43",
		staleSinks:  map[string]bool{},
		nodeIDs: map[string]string{
			gameSinkIDPattern: "55",
			chatSinkIDPattern: "56",
		},
	}
}

func (g *fakeGateway) IsReachable() bool { return g.reachable }

func (g *fakeGateway) AwaitReachable(attempts uint, delay time.Duration) error {
	if !g.reachable {
		return fmt.Errorf("pipewire unreachable after %d attempts", attempts)
	}
	return nil
}

func (g *fakeGateway) DefaultOutput() (string, string) {
	return g.defaultName, g.defaultID
}

func (g *fakeGateway) CreateNullSink(name string, description string) error {
	if g.createErr != nil {
		return g.createErr
	}
	g.created = append(g.created, name)
	return nil
}

func (g *fakeGateway) DestroySink(name string) bool {
	g.destroyed = append(g.destroyed, name)
	if g.staleSinks[name] {
		delete(g.staleSinks, name)
		return true
	}
	return false
}

func (g *fakeGateway) LinkPorts(sourcePort string, destPort string) error {
	if g.linkErr != nil {
		return g.linkErr
	}
	g.links = append(g.links, [2]string{sourcePort, destPort})
	return nil
}

func (g *fakeGateway) FindNodeID(expr string) (string, error) {
	if id, ok := g.nodeIDs[expr]; ok {
		return id, nil
	}
	return "", fmt.Errorf("no node matching %q in wpctl status", expr)
}

func (g *fakeGateway) SetVolume(id string, level float32) error {
	g.setVolumes = append(g.setVolumes, volumeCall{ID: id, Level: level})
	return nil
}

func (g *fakeGateway) SetDefault(id string) error {
	g.setDefaults = append(g.setDefaults, id)
	return nil
}

func testConfig() *Config {
	return &Config{
		SetGameSinkAsDefault: true,
		PipeWireWaitAttempts: 1,
		PipeWireWaitDelay:    0,
	}
}

func newTestSession(gateway Gateway) *SessionManager {
	return NewSessionManager(zap.NewNop().Sugar(), gateway)
}

func TestProvisionHappyPath(t *testing.T) {
	gw := newFakeGateway()
	sm := newTestSession(gw)

	if err := sm.Provision(testConfig()); err != nil {
		t.Fatalf("Provision returned error: %v", err)
	}

	state := sm.State()
	if state == nil {
		t.Fatal("expected session state after provisioning")
	}

	if !state.SinksCreated {
		t.Error("expected SinksCreated to be set")
	}
	if state.Game.ID != "55" || state.Chat.ID != "56" {
		t.Errorf("unexpected sink ids: game=%q chat=%q", state.Game.ID, state.Chat.ID)
	}
	if state.PriorDefault.Name != gw.defaultName || state.PriorDefault.ID != gw.defaultID {
		t.Errorf("prior default not captured: %+v", state.PriorDefault)
	}

	wantCreated := []string{gameSinkName, chatSinkName}
	if diff := cmp.Diff(wantCreated, gw.created); diff != "" {
		t.Errorf("created sinks mismatch (-want +got):\n%s", diff)
	}

	wantLinks := [][2]string{
		{"ChatMix_Game:monitor_FL", gw.defaultName + ":playback_FL"},
		{"ChatMix_Game:monitor_FR", gw.defaultName + ":playback_FR"},
		{"ChatMix_Chat:monitor_FL", gw.defaultName + ":playback_FL"},
		{"ChatMix_Chat:monitor_FR", gw.defaultName + ":playback_FR"},
	}
	if diff := cmp.Diff(wantLinks, gw.links); diff != "" {
		t.Errorf("links mismatch (-want +got):\n%s", diff)
	}

	// policy flag on: the game sink becomes the system default
	if diff := cmp.Diff([]string{"55"}, gw.setDefaults); diff != "" {
		t.Errorf("set-default calls mismatch (-want +got):\n%s", diff)
	}
}

func TestProvisionWithoutDefaultPolicy(t *testing.T) {
	gw := newFakeGateway()
	sm := newTestSession(gw)

	cfg := testConfig()
	cfg.SetGameSinkAsDefault = false

	if err := sm.Provision(cfg); err != nil {
		t.Fatalf("Provision returned error: %v", err)
	}

	if len(gw.setDefaults) != 0 {
		t.Errorf("expected no set-default calls, got %v", gw.setDefaults)
	}
}

func TestProvisionDestroysStaleSinks(t *testing.T) {
	gw := newFakeGateway()
	gw.staleSinks[gameSinkName] = true
	gw.staleSinks[chatSinkName] = true

	sm := newTestSession(gw)

	if err := sm.Provision(testConfig()); err != nil {
		t.Fatalf("Provision with stale sinks should not fail: %v", err)
	}

	// stale sinks are destroyed first, and each sink is created exactly once
	wantDestroyed := []string{gameSinkName, chatSinkName}
	if diff := cmp.Diff(wantDestroyed, gw.destroyed); diff != "" {
		t.Errorf("destroyed sinks mismatch (-want +got):\n%s", diff)
	}
	if len(gw.created) != 2 {
		t.Errorf("expected exactly 2 sink creations, got %d", len(gw.created))
	}
}

func TestProvisionStaleSinksAbsent(t *testing.T) {
	gw := newFakeGateway()
	sm := newTestSession(gw)

	// nothing to destroy is the normal case, never an error
	if err := sm.Provision(testConfig()); err != nil {
		t.Fatalf("Provision with no stale sinks failed: %v", err)
	}
}

func TestProvisionUnreachable(t *testing.T) {
	gw := newFakeGateway()
	gw.reachable = false

	sm := newTestSession(gw)

	err := sm.Provision(testConfig())
	if !errors.Is(err, ErrAudioServiceUnavailable) {
		t.Fatalf("expected ErrAudioServiceUnavailable, got %v", err)
	}

	if len(gw.created) != 0 {
		t.Errorf("no sinks should be created when pipewire is unreachable, got %v", gw.created)
	}
}

func TestProvisionCreationFailureShortCircuits(t *testing.T) {
	gw := newFakeGateway()
	gw.createErr = errors.New("factory not found")

	sm := newTestSession(gw)

	err := sm.Provision(testConfig())
	if !errors.Is(err, ErrSinkCreationFailed) {
		t.Fatalf("expected ErrSinkCreationFailed, got %v", err)
	}

	if sm.State().SinksCreated {
		t.Error("SinksCreated must stay false when creation fails")
	}

	// reset the recorders; only teardown's calls matter from here
	gw.destroyed = nil
	gw.setDefaults = nil

	sm.Teardown()

	// sinks that never existed must not be destroyed...
	if len(gw.destroyed) != 0 {
		t.Errorf("teardown destroyed sinks that were never created: %v", gw.destroyed)
	}

	// ...but the captured default output is still restored
	if diff := cmp.Diff([]string{gw.defaultID}, gw.setDefaults); diff != "" {
		t.Errorf("default restoration mismatch (-want +got):\n%s", diff)
	}
}

func TestProvisionLinkFailure(t *testing.T) {
	gw := newFakeGateway()
	gw.linkErr = errors.New("no such port")

	sm := newTestSession(gw)

	err := sm.Provision(testConfig())
	if !errors.Is(err, ErrGraphWiringFailed) {
		t.Fatalf("expected ErrGraphWiringFailed, got %v", err)
	}

	// sinks were created before linking failed; teardown must remove them
	sm.Teardown()

	wantDestroyed := []string{gameSinkName, chatSinkName, gameSinkName, chatSinkName}
	if diff := cmp.Diff(wantDestroyed, gw.destroyed); diff != "" {
		t.Errorf("destroyed sinks mismatch (-want +got):\n%s", diff)
	}
}

func TestProvisionTwice(t *testing.T) {
	gw := newFakeGateway()
	sm := newTestSession(gw)

	if err := sm.Provision(testConfig()); err != nil {
		t.Fatalf("first Provision failed: %v", err)
	}

	if err := sm.Provision(testConfig()); err == nil {
		t.Fatal("second Provision should fail, at most one session per process")
	}
}

func TestProvisionUnresolvedIDsAreNotFatal(t *testing.T) {
	gw := newFakeGateway()
	delete(gw.nodeIDs, gameSinkIDPattern)
	delete(gw.nodeIDs, chatSinkIDPattern)

	sm := newTestSession(gw)

	if err := sm.Provision(testConfig()); err != nil {
		t.Fatalf("unresolved sink ids must not be fatal: %v", err)
	}

	state := sm.State()
	if state.Game.ID != "" || state.Chat.ID != "" {
		t.Errorf("expected empty sink ids, got game=%q chat=%q", state.Game.ID, state.Chat.ID)
	}

	// and without a game id, the default is left alone
	if len(gw.setDefaults) != 0 {
		t.Errorf("expected no set-default calls, got %v", gw.setDefaults)
	}
}

func TestApplyDebounce(t *testing.T) {
	gw := newFakeGateway()
	sm := newTestSession(gw)

	if err := sm.Provision(testConfig()); err != nil {
		t.Fatalf("Provision failed: %v", err)
	}

	inputs := []DialEvent{
		{GameValue: 50, ChatValue: 50},
		{GameValue: 50, ChatValue: 50},
		{GameValue: 60, ChatValue: 50},
		{GameValue: 60, ChatValue: 50},
		{GameValue: 60, ChatValue: 70},
	}

	issued := 0
	for _, event := range inputs {
		if sm.Apply(event) {
			issued++
		}
	}

	// initial pair, the game change, the chat change
	if issued != 3 {
		t.Errorf("expected 3 command-issuing steps, got %d", issued)
	}

	// both sinks resolved, so each step sets both volumes
	if len(gw.setVolumes) != 6 {
		t.Errorf("expected 6 volume commands, got %d", len(gw.setVolumes))
	}
}

func TestApplyNormalization(t *testing.T) {
	gw := newFakeGateway()
	sm := newTestSession(gw)

	if err := sm.Provision(testConfig()); err != nil {
		t.Fatalf("Provision failed: %v", err)
	}

	for _, tt := range []struct {
		raw  uint8
		want float32
	}{
		{raw: 0, want: 0.0},
		{raw: 100, want: 1.0},
		{raw: 37, want: 0.37},
	} {
		gw.setVolumes = nil

		sm.Apply(DialEvent{GameValue: tt.raw, ChatValue: tt.raw})

		want := []volumeCall{
			{ID: "55", Level: tt.want},
			{ID: "56", Level: tt.want},
		}
		if diff := cmp.Diff(want, gw.setVolumes); diff != "" {
			t.Errorf("raw %d: volume calls mismatch (-want +got):\n%s", tt.raw, diff)
		}
	}
}

func TestApplyPartialResolution(t *testing.T) {
	gw := newFakeGateway()
	delete(gw.nodeIDs, chatSinkIDPattern)

	sm := newTestSession(gw)

	if err := sm.Provision(testConfig()); err != nil {
		t.Fatalf("Provision failed: %v", err)
	}

	sm.Apply(DialEvent{GameValue: 40, ChatValue: 80})
	sm.Apply(DialEvent{GameValue: 45, ChatValue: 80})

	// only the game sink gets volume commands, one per debounced change
	want := []volumeCall{
		{ID: "55", Level: 0.40},
		{ID: "55", Level: 0.45},
	}
	if diff := cmp.Diff(want, gw.setVolumes); diff != "" {
		t.Errorf("volume calls mismatch (-want +got):\n%s", diff)
	}
}

func TestTeardownRunsOnce(t *testing.T) {
	gw := newFakeGateway()
	sm := newTestSession(gw)

	if err := sm.Provision(testConfig()); err != nil {
		t.Fatalf("Provision failed: %v", err)
	}

	gw.destroyed = nil
	gw.setDefaults = nil

	// a fatal error and a termination signal in quick succession must still
	// tear down exactly once
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sm.Teardown()
		}()
	}
	wg.Wait()

	wantDestroyed := []string{gameSinkName, chatSinkName}
	if diff := cmp.Diff(wantDestroyed, gw.destroyed); diff != "" {
		t.Errorf("expected a single destroy pass (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{gw.defaultID}, gw.setDefaults); diff != "" {
		t.Errorf("expected a single default restore (-want +got):\n%s", diff)
	}
}

func TestTeardownRestoresDefaultByName(t *testing.T) {
	gw := newFakeGateway()
	gw.defaultID = ""
	gw.nodeIDs[regexp.QuoteMeta(gw.defaultName)] = "43"

	sm := newTestSession(gw)

	if err := sm.Provision(testConfig()); err != nil {
		t.Fatalf("Provision failed: %v", err)
	}

	gw.setDefaults = nil
	sm.Teardown()

	// no id was captured up front, so teardown re-resolves the name
	if diff := cmp.Diff([]string{"43"}, gw.setDefaults); diff != "" {
		t.Errorf("default restoration mismatch (-want +got):\n%s", diff)
	}
}

func TestTeardownSkipsAutoDefault(t *testing.T) {
	gw := newFakeGateway()
	gw.defaultName = ""
	gw.defaultID = ""

	sm := newTestSession(gw)

	if err := sm.Provision(testConfig()); err != nil {
		t.Fatalf("Provision failed: %v", err)
	}

	if sm.State().PriorDefault.Name != autoDefaultSink {
		t.Fatalf("expected auto sentinel, got %q", sm.State().PriorDefault.Name)
	}

	gw.setDefaults = nil
	sm.Teardown()

	if len(gw.setDefaults) != 0 {
		t.Errorf("auto sentinel must suppress restoration, got %v", gw.setDefaults)
	}
}

func TestTeardownWithoutSession(t *testing.T) {
	gw := newFakeGateway()
	sm := newTestSession(gw)

	// teardown before provisioning touches nothing
	sm.Teardown()

	if len(gw.destroyed) != 0 || len(gw.setDefaults) != 0 {
		t.Errorf("teardown without a session issued commands: destroyed=%v defaults=%v",
			gw.destroyed, gw.setDefaults)
	}
}
