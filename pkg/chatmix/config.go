package chatmix

import (
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/MixyLabs/chatmix/pkg/chatmix/util"
)

type ConfigManager struct {
	logger             *zap.SugaredLogger
	notifier           Notifier
	stopWatcherChannel chan bool

	reloadConsumers []chan bool

	userConfig *viper.Viper

	current Config
}

// Config holds the user-tweakable behavior of the daemon. All of it has
// sensible defaults; the config file is optional.
type Config struct {
	// SetGameSinkAsDefault routes all system audio through the Game sink
	// (the "AllSound" behavior). When false, only applications explicitly
	// playing to the virtual sinks are affected.
	SetGameSinkAsDefault bool `mapstructure:"set_game_sink_as_default"`

	Notifications bool `mapstructure:"notifications"`

	// USBPollTimeout bounds each interrupt read, in milliseconds; expiry is
	// the idle condition, not an error
	USBPollTimeout uint `mapstructure:"usb_poll_timeout"`

	PipeWireWaitAttempts uint `mapstructure:"pipewire_wait_attempts"`
	PipeWireWaitDelay    uint `mapstructure:"pipewire_wait_delay"`
}

const (
	userConfigFilepath = "config.yaml"

	userConfigName = "config"
	userConfigPath = "."

	configType = "yaml"

	configKeySetGameSinkAsDefault = "set_game_sink_as_default"
	configKeyNotifications        = "notifications"
	configKeyUSBPollTimeout       = "usb_poll_timeout"
	configKeyPipeWireWaitAttempts = "pipewire_wait_attempts"
	configKeyPipeWireWaitDelay    = "pipewire_wait_delay"

	defaultUSBPollTimeout       = 1000
	defaultPipeWireWaitAttempts = 10
	defaultPipeWireWaitDelay    = 500
)

func NewConfig(logger *zap.SugaredLogger, notifier Notifier) (*ConfigManager, error) {
	logger = logger.Named("config")

	cc := &ConfigManager{
		logger:             logger,
		notifier:           notifier,
		reloadConsumers:    []chan bool{},
		stopWatcherChannel: make(chan bool),
	}

	userConfig := viper.New()
	userConfig.SetConfigName(userConfigName)
	userConfig.SetConfigType(configType)
	userConfig.AddConfigPath(userConfigPath)

	userConfig.SetDefault(configKeySetGameSinkAsDefault, true)
	userConfig.SetDefault(configKeyNotifications, true)
	userConfig.SetDefault(configKeyUSBPollTimeout, defaultUSBPollTimeout)
	userConfig.SetDefault(configKeyPipeWireWaitAttempts, defaultPipeWireWaitAttempts)
	userConfig.SetDefault(configKeyPipeWireWaitDelay, defaultPipeWireWaitDelay)

	cc.userConfig = userConfig

	logger.Debug("Created config instance")

	return cc, nil
}

func (cc *ConfigManager) Load() error {
	cc.logger.Debugw("Loading config", "path", userConfigFilepath)

	// the config file is entirely optional - the daemon has workable defaults
	if !util.FileExists(userConfigFilepath) {
		cc.logger.Debugw("No config file found, using defaults", "path", userConfigFilepath)

		if err := cc.populateFromViper(); err != nil {
			return fmt.Errorf("populate config defaults: %w", err)
		}

		return nil
	}

	if err := cc.userConfig.ReadInConfig(); err != nil {
		cc.logger.Warnw("Viper failed to read user config", "error", err)

		// if the error is yaml-format-related, show a sensible error. otherwise, show 'em to the logs
		if strings.Contains(err.Error(), "yaml:") {
			cc.notifier.Notify("Invalid configuration!",
				fmt.Sprintf("Please make sure %s is in a valid YAML format.", userConfigFilepath))
		} else {
			cc.notifier.Notify("Error loading configuration!", "Please check chatmix's logs for more details.")
		}

		return fmt.Errorf("read user config: %w", err)
	}

	if err := cc.populateFromViper(); err != nil {
		cc.logger.Warnw("Failed to populate config fields", "error", err)
		return fmt.Errorf("populate config fields: %w", err)
	}

	cc.logger.Info("Loaded config successfully")
	cc.logger.Infow("Config values",
		"setGameSinkAsDefault", cc.current.SetGameSinkAsDefault,
		"notifications", cc.current.Notifications,
		"usbPollTimeout", cc.current.USBPollTimeout)

	return nil
}

// SubscribeToChanges allows external components to receive updates when the config is reloaded
func (cc *ConfigManager) SubscribeToChanges() chan bool {
	c := make(chan bool)
	cc.reloadConsumers = append(cc.reloadConsumers, c)

	return c
}

// WatchConfigFileChanges starts watching for configuration file changes
// and attempts reloading the config when they happen
func (cc *ConfigManager) WatchConfigFileChanges() {
	cc.logger.Debugw("Starting to watch user config file for changes", "path", userConfigFilepath)

	const (
		minTimeBetweenReloadAttempts = time.Millisecond * 500
		delayBetweenEventAndReload   = time.Millisecond * 50
	)

	lastAttemptedReload := time.Now()

	// establish watch using viper as opposed to doing it ourselves, though our internal cooldown is still required
	cc.userConfig.WatchConfig()
	cc.userConfig.OnConfigChange(func(event fsnotify.Event) {
		if event.Op&fsnotify.Write == fsnotify.Write {
			now := time.Now()

			// ... check if it's not a duplicate (many editors will write to a file twice)
			if lastAttemptedReload.Add(minTimeBetweenReloadAttempts).Before(now) {
				cc.logger.Debugw("Config file modified, attempting reload", "event", event)

				// wait a bit to let the editor actually flush the new file contents to disk
				<-time.After(delayBetweenEventAndReload)

				if err := cc.Load(); err != nil {
					cc.logger.Warnw("Failed to reload config file", "error", err)
				} else {
					cc.logger.Info("Reloaded config successfully")

					cc.onConfigReloaded()
				}

				// don't forget to update the time
				lastAttemptedReload = now
			}
		}
	})

	// wait till they stop us
	<-cc.stopWatcherChannel
	cc.logger.Debug("Stopping user config file watcher")
	cc.userConfig.OnConfigChange(nil)
}

// StopWatchingConfigFile signals our filesystem watcher to stop
func (cc *ConfigManager) StopWatchingConfigFile() {
	select {
	case cc.stopWatcherChannel <- true:
	default:
	}
}

func (cc *ConfigManager) populateFromViper() error {
	err := cc.userConfig.Unmarshal(&cc.current, func(dConf *mapstructure.DecoderConfig) {
		dConf.WeaklyTypedInput = false
	})
	if err != nil {
		return err
	}

	cc.logger.Debug("Populated config fields from viper")

	return nil
}

func (cc *ConfigManager) onConfigReloaded() {
	cc.logger.Debug("Notifying consumers about configuration reload")

	for _, consumer := range cc.reloadConsumers {
		consumer <- true
	}
}
