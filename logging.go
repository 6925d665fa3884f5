package dispatchq

import "log/slog"

// resolveLogger falls back to the process default logger when a component was
// built without an explicit one.
func resolveLogger(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.Default()
	}
	return logger
}
