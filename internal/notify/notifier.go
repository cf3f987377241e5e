// Package notify is the user-facing notification side-channel. Success and
// failure of a pipeline run both end in a notification; cancellation stays
// silent.
package notify

import "log/slog"

type Notifier interface {
	Success(message string)
	Error(message, title string)
}

// LogNotifier is the default sink when no UI channel is attached.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Success(message string) {
	n.logger.Info("notification", "kind", "success", "message", message)
}

func (n *LogNotifier) Error(message, title string) {
	n.logger.Error("notification", "kind", "error", "title", title, "message", message)
}
