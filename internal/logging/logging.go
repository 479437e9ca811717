package logging

import (
	"io"
	"log/slog"
	"strings"
)

// ParseLevel maps a config/flag value onto a slog level. Unknown values are info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// level is shared by every logger New builds so SetLevel applies at runtime.
var level = new(slog.LevelVar)

// SetLevel changes the level of loggers built by New.
func SetLevel(l string) {
	level.Set(ParseLevel(l))
}

// New returns a JSON logger tagged with the device id and installs it as the
// process default.
func New(w io.Writer, lvl, deviceID string) *slog.Logger {
	SetLevel(lvl)
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	logger := slog.New(handler).With("service", "posrelayd")
	if deviceID != "" {
		logger = logger.With("device_id", deviceID)
	}
	slog.SetDefault(logger)
	return logger
}

// OrDefault lets components accept a nil logger.
func OrDefault(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}
