// Package chatmix implements a background daemon that turns the ChatMix dial
// on SteelSeries Arctis headsets into a two-channel volume control for a
// PipeWire desktop: one virtual sink for game audio, one for chat audio,
// both wired into the real default output.
package chatmix

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/adrg/xdg"
	"go.uber.org/zap"

	"github.com/MixyLabs/chatmix/pkg/chatmix/util"
)

const (
	pipewireRuntimeDirEnv = "PIPEWIRE_RUNTIME_DIR"

	bannerWidth = 45
)

// ChatMix is the main entity managing all subcomponents
type ChatMix struct {
	logger    *zap.SugaredLogger
	notifier  Notifier
	configMan *ConfigManager
	gateway   Gateway
	dial      *DialIO
	session   *SessionManager

	stopChannel   chan bool
	stopping      sync.Once
	failureReason string

	version string
	verbose bool
}

// NewChatMix creates a ChatMix instance
func NewChatMix(logger *zap.SugaredLogger, verbose bool) (*ChatMix, error) {
	logger = logger.Named("chatmix")

	notifier, err := NewToastNotifier(logger)
	if err != nil {
		logger.Errorw("Failed to create ToastNotifier", "error", err)
		return nil, fmt.Errorf("create new ToastNotifier: %w", err)
	}

	config, err := NewConfig(logger, notifier)
	if err != nil {
		logger.Errorw("Failed to create Config", "error", err)
		return nil, fmt.Errorf("create new Config: %w", err)
	}

	c := &ChatMix{
		logger:      logger,
		notifier:    notifier,
		configMan:   config,
		stopChannel: make(chan bool, 1),
		verbose:     verbose,
	}

	gateway := NewPipeWireGateway(logger)
	c.gateway = gateway
	c.session = NewSessionManager(logger, gateway)

	dial, err := NewDialIO(c, logger)
	if err != nil {
		logger.Errorw("Failed to create DialIO", "error", err)
		return nil, fmt.Errorf("create new DialIO: %w", err)
	}
	c.dial = dial

	logger.Debug("Created chatmix instance")

	return c, nil
}

func (c *ChatMix) currConf() *Config {
	return &c.configMan.current
}

// Initialize locates the headset, provisions the virtual-sink session and
// enters the steady-state run loop. It only returns on early setup errors
// that happen before any graph state exists; everything past that point
// exits the process through the teardown path.
func (c *ChatMix) Initialize() error {
	defer c.recoverFromPanic()

	c.logger.Debug("Initializing")

	if c.version != "" {
		c.logger.Infow("Starting", "version", c.version)
	}

	c.ensureRuntimeDir()

	// load the config for the first time
	if err := c.configMan.Load(); err != nil {
		c.logger.Errorw("Failed to load config during initialization", "error", err)
		return fmt.Errorf("load config during init: %w", err)
	}

	// termination signals only raise the stop flag; the run loop owns the
	// actual shutdown, so teardown has a single implementation regardless
	// of what triggered it
	c.setupInterruptHandler()

	if err := c.dial.Locate(); err != nil {
		c.logger.Errorw("Failed to locate the ChatMix dial", "error", err)

		if c.currConf().Notifications {
			c.notifier.Notify("Headset not found!",
				"Make sure a supported SteelSeries headset is connected.")
		}

		c.signalStop(err.Error())
		c.terminate()
	}

	if err := c.session.Provision(c.currConf()); err != nil {
		c.logger.Errorw("Failed to provision audio session", "error", err)
		c.signalStop(err.Error())
		c.terminate()
	}

	c.run()

	return nil
}

// SetVersion causes chatmix to log a version string if called before Initialize
func (c *ChatMix) SetVersion(version string) {
	c.version = version
}

// Verbose returns a boolean indicating whether chatmix is running in verbose mode
func (c *ChatMix) Verbose() bool {
	return c.verbose
}

// ensureRuntimeDir points PipeWire's tools at the user session's runtime
// directory when the environment doesn't already do so
func (c *ChatMix) ensureRuntimeDir() {
	if _, set := os.LookupEnv(pipewireRuntimeDirEnv); set {
		return
	}

	runtimeDir := xdg.RuntimeDir
	if runtimeDir == "" {
		runtimeDir = fmt.Sprintf("/run/user/%d", os.Getuid())
	}

	if err := os.Setenv(pipewireRuntimeDirEnv, runtimeDir); err != nil {
		c.logger.Warnw("Failed to set PipeWire runtime dir", "error", err)
		return
	}

	c.logger.Debugw("Set PipeWire runtime dir", "dir", runtimeDir)
}

func (c *ChatMix) setupInterruptHandler() {
	interruptChannel := util.SetupCloseHandler()

	go func() {
		signal := <-interruptChannel
		c.logger.Debugw("Interrupted", "signal", signal)
		c.signalStop("")
	}()
}

func (c *ChatMix) run() {
	c.logger.Info("Run loop starting")

	go c.configMan.WatchConfigFileChanges()
	go c.logConfigReloads()

	if err := c.dial.Start(); err != nil {
		c.logger.Errorw("Failed to start USB read loop", "error", err)
		c.signalStop(fmt.Sprintf("couldn't start USB read loop: %v", err))
	}

	banner := strings.Repeat("-", bannerWidth)
	c.logger.Info(banner)
	c.logger.Info("ChatMix enabled!")
	c.logger.Info(banner)

	events := c.dial.Events()

	for {
		select {
		case <-c.stopChannel:
			c.logger.Debug("Stop channel signaled, terminating")
			c.terminate()

		case event, ok := <-events:
			if !ok {
				// the read loop only closes its channel on unrecoverable
				// transport errors (it already logged the specifics)
				c.signalStop("USB input/output error - likely disconnect")
				c.terminate()
			}

			c.session.Apply(event)
		}
	}
}

// logConfigReloads surfaces config file edits; the session-scoped settings
// themselves only apply on the next daemon start
func (c *ChatMix) logConfigReloads() {
	configReloadedChannel := c.configMan.SubscribeToChanges()

	for range configReloadedChannel {
		c.logger.Info("Config reloaded; session-scoped settings take effect on next start")
	}
}

// signalStop raises the one-shot stop flag, optionally carrying a failure
// reason. The empty reason means a clean, signal-triggered shutdown.
func (c *ChatMix) signalStop(reason string) {
	c.stopping.Do(func() {
		c.failureReason = reason

		select {
		case c.stopChannel <- true:
		default:
		}
	})
}

// terminate runs the shutdown sequence and exits the process. Exit code 0
// for a clean stop, 1 when a failure reason was recorded.
func (c *ChatMix) terminate() {
	c.logger.Info("Stopping")

	c.configMan.StopWatchingConfigFile()
	c.dial.Close()
	c.session.Teardown()

	banner := strings.Repeat("-", bannerWidth)

	if c.failureReason != "" {
		if c.currConf().Notifications {
			c.notifier.Notify("ChatMix stopped", c.failureReason)
		}

		c.logger.Info(banner)
		c.logger.Error("Failure reason: " + c.failureReason)
		c.logger.Info(banner)

		_ = c.logger.Sync()
		os.Exit(1)
	}

	c.logger.Info(banner)
	c.logger.Info("ChatMix shut down gracefully... Bye Bye!")
	c.logger.Info(banner)

	_ = c.logger.Sync()
	os.Exit(0)
}
