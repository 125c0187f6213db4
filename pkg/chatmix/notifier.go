package chatmix

import (
	"github.com/gen2brain/beeep"
	"go.uber.org/zap"
)

// Notifier provides generic notification sending
type Notifier interface {
	Notify(title string, message string)
}

// ToastNotifier provides toast notifications for the local user
type ToastNotifier struct {
	logger *zap.SugaredLogger
}

// NewToastNotifier creates a ToastNotifier instance
func NewToastNotifier(logger *zap.SugaredLogger) (*ToastNotifier, error) {
	logger = logger.Named("notifier")

	notifier := &ToastNotifier{logger: logger}

	logger.Debug("Created toast notifier instance")

	return notifier, nil
}

// Notify sends a desktop notification. Failures are logged but never
// propagated - notifications are a courtesy, not part of the state machine.
func (tn *ToastNotifier) Notify(title string, message string) {
	tn.logger.Infow("Sending toast notification", "title", title, "message", message)

	if err := beeep.Notify(title, message, ""); err != nil {
		tn.logger.Warnw("Failed to send toast notification", "error", err)
	}
}
