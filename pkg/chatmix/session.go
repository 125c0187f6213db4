package chatmix

import (
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	gameSinkName = "ChatMix_Game"
	chatSinkName = "ChatMix_Chat"

	gameSinkDescription = "ChatMix Game"
	chatSinkDescription = "ChatMix Chat"

	// recorded as the pre-session default when it can't be determined;
	// teardown never attempts restoration for it
	autoDefaultSink = "auto"
)

// freshly created nodes take a moment to show up in the graph
var sinkSettleDelay = 500 * time.Millisecond

// wpctl lists sinks by description, so the id patterns match the
// human-readable form rather than the node name
const (
	gameSinkIDPattern = `ChatMix.*Game`
	chatSinkIDPattern = `ChatMix.*Chat`
)

var (
	ErrAudioServiceUnavailable = errors.New("pipewire is not available")
	ErrSinkCreationFailed      = errors.New("virtual sink creation failed")
	ErrGraphWiringFailed       = errors.New("couldn't wire virtual sinks to the default output")
)

// SinkDescriptor represents one provisioned virtual sink
type SinkDescriptor struct {
	Name        string
	Description string

	// ID is the graph-assigned numeric identifier, resolved after creation.
	// Empty when resolution failed; volume commands for the role are then
	// skipped.
	ID string

	CreatedAt time.Time
}

// SessionState is the single mutable record describing one daemon run
type SessionState struct {
	Game SinkDescriptor
	Chat SinkDescriptor

	// PriorDefault is the system default output captured before provisioning,
	// restored during teardown
	PriorDefault struct {
		Name string
		ID   string
	}

	// SinksCreated tells teardown whether sink destruction must be attempted
	SinksCreated bool

	// debounce memory: the last dial values actually applied
	lastGame uint8
	lastChat uint8
	haveLast bool
}

// SessionManager owns the virtual-sink session: provisioning the audio graph
// at startup, applying dial movements during steady state, and guaranteed
// cleanup on the way out
type SessionManager struct {
	logger  *zap.SugaredLogger
	gateway Gateway

	state *SessionState

	// both the signal path and the fatal-error path can reach Teardown;
	// it must run at most once
	teardownOnce sync.Once
}

// NewSessionManager creates a SessionManager instance driving the given gateway
func NewSessionManager(logger *zap.SugaredLogger, gateway Gateway) *SessionManager {
	logger = logger.Named("session")

	sm := &SessionManager{
		logger:  logger,
		gateway: gateway,
	}

	logger.Debug("Created session manager instance")

	return sm
}

// State exposes the current session state, nil before provisioning
func (sm *SessionManager) State() *SessionState {
	return sm.state
}

// Provision sets up the virtual-sink pair and wires it into the audio graph:
// wait for PipeWire, capture the current default output, clear any stale
// sinks from an unclean shutdown, create and link the Game/Chat sinks,
// resolve their ids, and optionally take over the system default.
// A returned error is fatal and must be routed to Teardown by the caller.
func (sm *SessionManager) Provision(cfg *Config) error {
	if sm.state != nil {
		return errors.New("session already provisioned")
	}

	state := &SessionState{}
	state.Game = SinkDescriptor{Name: gameSinkName, Description: gameSinkDescription}
	state.Chat = SinkDescriptor{Name: chatSinkName, Description: chatSinkDescription}
	sm.state = state

	sm.logger.Info("Waiting for PipeWire connection...")

	waitDelay := time.Duration(cfg.PipeWireWaitDelay) * time.Millisecond
	if err := sm.gateway.AwaitReachable(cfg.PipeWireWaitAttempts, waitDelay); err != nil {
		sm.logger.Errorw("PipeWire is not available after waiting. Check if pipewire.service is running.",
			"error", err)
		return ErrAudioServiceUnavailable
	}

	sm.logger.Info("PipeWire connection established!")

	sm.capturePriorDefault()
	sm.destroyStaleSinks()

	if err := sm.createSinks(); err != nil {
		// SinksCreated stays false so teardown won't destroy what never existed
		return fmt.Errorf("%w: %v", ErrSinkCreationFailed, err)
	}

	// wait for the sinks to appear in the graph before linking
	time.Sleep(sinkSettleDelay)

	if err := sm.linkSinksToDefault(); err != nil {
		return fmt.Errorf("%w: %v", ErrGraphWiringFailed, err)
	}

	sm.resolveSinkIDs()

	if cfg.SetGameSinkAsDefault {
		sm.adoptGameSinkAsDefault()
	}

	return nil
}

func (sm *SessionManager) capturePriorDefault() {
	name, id := sm.gateway.DefaultOutput()
	if name == "" {
		sm.logger.Warnw("Could not determine default sink name, using auto")
		name = autoDefaultSink
	}

	sm.state.PriorDefault.Name = name
	sm.state.PriorDefault.ID = id

	if id != "" {
		sm.logger.Infow("Default sink identified", "name", name, "id", id)
	} else {
		sm.logger.Infow("Default sink identified", "name", name)
	}
}

func (sm *SessionManager) destroyStaleSinks() {
	// leftovers from a previous unclean shutdown; absence is the normal case
	staleGame := sm.gateway.DestroySink(gameSinkName)
	staleChat := sm.gateway.DestroySink(chatSinkName)

	if staleGame || staleChat {
		sm.logger.Infow("Destroyed stale virtual sinks from a previous run",
			"game", staleGame, "chat", staleChat)
	} else {
		sm.logger.Debug("No stale virtual sinks to destroy")
	}
}

func (sm *SessionManager) createSinks() error {
	sm.logger.Info("Creating virtual sinks...")

	if err := sm.gateway.CreateNullSink(sm.state.Game.Name, sm.state.Game.Description); err != nil {
		return err
	}
	sm.state.Game.CreatedAt = time.Now()

	if err := sm.gateway.CreateNullSink(sm.state.Chat.Name, sm.state.Chat.Description); err != nil {
		return err
	}
	sm.state.Chat.CreatedAt = time.Now()

	sm.state.SinksCreated = true

	return nil
}

func (sm *SessionManager) linkSinksToDefault() error {
	target := sm.state.PriorDefault.Name

	sm.logger.Infow("Linking virtual sink monitors to default output", "target", target)

	links := [][2]string{
		{gameSinkName + ":monitor_FL", target + ":playback_FL"},
		{gameSinkName + ":monitor_FR", target + ":playback_FR"},
		{chatSinkName + ":monitor_FL", target + ":playback_FL"},
		{chatSinkName + ":monitor_FR", target + ":playback_FR"},
	}

	for _, link := range links {
		if err := sm.gateway.LinkPorts(link[0], link[1]); err != nil {
			return err
		}
	}

	return nil
}

func (sm *SessionManager) resolveSinkIDs() {
	if id, err := sm.gateway.FindNodeID(gameSinkIDPattern); err == nil {
		sm.state.Game.ID = id
		sm.logger.Infow("Resolved Game sink id", "id", id)
	} else {
		sm.logger.Warnw("Could not resolve Game sink id, its volume commands will be skipped", "error", err)
	}

	if id, err := sm.gateway.FindNodeID(chatSinkIDPattern); err == nil {
		sm.state.Chat.ID = id
		sm.logger.Infow("Resolved Chat sink id", "id", id)
	} else {
		sm.logger.Warnw("Could not resolve Chat sink id, its volume commands will be skipped", "error", err)
	}
}

func (sm *SessionManager) adoptGameSinkAsDefault() {
	if sm.state.Game.ID == "" {
		sm.logger.Warn("Could not find Game sink id to set as default")
		return
	}

	if err := sm.gateway.SetDefault(sm.state.Game.ID); err != nil {
		sm.logger.Warnw("Could not set Game sink as default output", "error", err)
		return
	}

	sm.logger.Infow("Set Game sink as default output", "id", sm.state.Game.ID)
}

// Apply issues volume commands for one decoded dial report, debouncing
// against the last-applied pair. Roles whose sink id never resolved are
// silently skipped (already warned at provisioning time). Reports whether
// any command-issuing step took place.
func (sm *SessionManager) Apply(event DialEvent) bool {
	state := sm.state
	if state == nil {
		return false
	}

	if state.haveLast && event.GameValue == state.lastGame && event.ChatValue == state.lastChat {
		return false
	}

	if state.Game.ID != "" {
		_ = sm.gateway.SetVolume(state.Game.ID, float32(event.GameValue)/100.0)
	}

	if state.Chat.ID != "" {
		_ = sm.gateway.SetVolume(state.Chat.ID, float32(event.ChatValue)/100.0)
	}

	state.lastGame = event.GameValue
	state.lastChat = event.ChatValue
	state.haveLast = true

	return true
}

// Teardown restores the pre-session default output and destroys the virtual
// sinks. Safe to call from both the signal path and the fatal-error path;
// only the first call does anything.
func (sm *SessionManager) Teardown() {
	sm.teardownOnce.Do(sm.teardown)
}

func (sm *SessionManager) teardown() {
	state := sm.state
	if state == nil {
		sm.logger.Debug("No session to tear down")
		return
	}

	sm.logger.Info("Cleanup on shutdown")

	sm.restorePriorDefault(state)

	if state.SinksCreated {
		sm.logger.Info("Destroying virtual sinks...")
		sm.gateway.DestroySink(gameSinkName)
		sm.gateway.DestroySink(chatSinkName)
	}

	sm.state = nil
}

func (sm *SessionManager) restorePriorDefault(state *SessionState) {
	if state.PriorDefault.ID != "" {
		if err := sm.gateway.SetDefault(state.PriorDefault.ID); err != nil {
			sm.logger.Warnw("Failed to restore default output", "id", state.PriorDefault.ID, "error", err)
		}
		return
	}

	if state.PriorDefault.Name == "" || state.PriorDefault.Name == autoDefaultSink {
		return
	}

	// no id captured up front; try resolving the name now
	id, err := sm.gateway.FindNodeID(regexp.QuoteMeta(state.PriorDefault.Name))
	if err != nil {
		sm.logger.Warnw("Failed to re-resolve prior default output",
			"name", state.PriorDefault.Name, "error", err)
		return
	}

	if err := sm.gateway.SetDefault(id); err != nil {
		sm.logger.Warnw("Failed to restore default output", "id", id, "error", err)
	}
}
