package bridge

import (
	"io"
	"log/slog"
)

// NewLogger creates the structured logger described by config.
func NewLogger(config *LogConfig, w io.Writer) (*slog.Logger, error) {
	level, err := config.level()
	if err != nil {
		return nil, err
	}
	options := &slog.HandlerOptions{Level: level}
	if config.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, options)), nil
	}
	return slog.New(slog.NewTextHandler(w, options)), nil
}
