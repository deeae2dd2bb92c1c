package install

import "log/slog"

// Notifier presents install outcomes to the user. Calls are fire-and-forget.
type Notifier interface {
	Installed(name string)
	InstallFailed()
}

// LogNotifier reports install outcomes through a logger.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) logger() *slog.Logger {
	if n.Logger == nil {
		return slog.Default()
	}
	return n.Logger
}

// Installed implements Notifier.
func (n LogNotifier) Installed(name string) {
	n.logger().Info("userscript installed successfully", "script", name)
}

// InstallFailed implements Notifier.
func (n LogNotifier) InstallFailed() {
	n.logger().Warn("cannot install userscript")
}
