package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"

	"github.com/edvin/jitaccess/internal/config"
)

// NewLogger returns a JSON logger on stdout tagged with the service name.
func NewLogger(cfg *config.Config) zerolog.Logger {
	return New(os.Stdout, cfg.ServiceName, cfg.LogLevel)
}

// New builds a logger writing to w. An unparseable level falls back to info.
func New(w io.Writer, service, level string) zerolog.Logger {
	ctx := zerolog.New(w).With().Timestamp()
	if service != "" {
		ctx = ctx.Str("service", service)
	}

	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return ctx.Logger().Level(lvl)
}
