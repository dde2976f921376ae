package logging

import (
	"os"

	"github.com/rs/zerolog"

	"github.com/edvin/volume-backup/internal/config"
)

// NewLogger creates the root structured logger, tagged with the service name
// and the host label every run's metrics are tagged with.
func NewLogger(cfg *config.Config) zerolog.Logger {
	ctx := zerolog.New(os.Stdout).With().
		Timestamp().
		Str("service", "volume-backup")

	if cfg.Hostname != "" {
		ctx = ctx.Str("host", cfg.Hostname)
	}

	logger := ctx.Logger()

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}

	return logger.Level(level)
}
