package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"

	"github.com/warp/profile-engine/config"
)

// NewLogger creates a structured zerolog.Logger writing JSON to stdout with the
// service name attached. Unknown levels fall back to info.
func NewLogger(cfg *config.Config) zerolog.Logger {
	return New(os.Stdout, cfg.ServiceName, cfg.LogLevel)
}

// New builds the same logger on an arbitrary writer.
func New(w io.Writer, service, level string) zerolog.Logger {
	ctx := zerolog.New(w).With().Timestamp()
	if service != "" {
		ctx = ctx.Str("service", service)
	}
	logger := ctx.Logger()

	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}

	return logger.Level(lvl)
}
