package proxy

import (
	"fmt"

	"github.com/vnmchuo/llm-sidecar/internal/logging"
)

// Notifier surfaces connection and error state to the user. Best effort:
// implementations are never required for correctness.
type Notifier interface {
	ShowConnectionStatus(connected bool, info string)
	ShowError(message string)
}

// LogNotifier writes notifications to the log. The default when no richer
// surface (status bar, output pane) is attached.
type LogNotifier struct {
	Log logging.Logger
}

func (n LogNotifier) ShowConnectionStatus(connected bool, info string) {
	if connected {
		n.Log.Info("notifier", fmt.Sprintf("connection status: %s", info))
	} else {
		n.Log.Warn("notifier", fmt.Sprintf("connection status: %s", info))
	}
}

func (n LogNotifier) ShowError(message string) {
	n.Log.Error("notifier", message, nil)
}

// NopNotifier discards notifications.
type NopNotifier struct{}

func (NopNotifier) ShowConnectionStatus(bool, string) {}
func (NopNotifier) ShowError(string)                  {}
