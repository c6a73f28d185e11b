// Package gwlog wires the gateway's structured logging.
package gwlog

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New builds a root logger writing to w at the given minimum level. Pass
// pretty=true for a human-readable console writer during development;
// production deployments want the default JSON encoding.
func New(w io.Writer, level zerolog.Level, pretty bool) zerolog.Logger {
	if w == nil {
		w = os.Stderr
	}
	if pretty {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

// Component returns a child logger tagged with the owning component name,
// the way each aznet driver would prefix its own log lines.
func Component(base zerolog.Logger, name string) zerolog.Logger {
	return base.With().Str("component", name).Logger()
}
