package peerbridge

import (
	"os"

	"github.com/rs/zerolog"
)

// NewLogger builds the daemon's root logger: a single stdout writer, plain
// or pretty depending on cfg, matching the teacher's configureLogging but
// scoped to this daemon's single-output case (no log-file rotation, nothing
// reopened or reloaded on SIGHUP).
func NewLogger(cfg Config) zerolog.Logger {
	if cfg.LogPretty {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
			Level(cfg.LogLevel).
			With().
			Timestamp().
			Logger()
	}
	return zerolog.New(os.Stdout).
		Level(cfg.LogLevel).
		With().
		Timestamp().
		Logger()
}
