// Package logging configures the process-wide zerolog logger, matching
// the corpus's convention of a console writer in development and
// structured JSON otherwise.
package logging

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Configure sets the global zerolog logger's time format and output
// writer. devMode switches from JSON to a human-readable console writer.
func Configure(devMode bool) {
	zerolog.TimeFieldFormat = time.RFC3339
	if devMode {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}

// WithComponent returns a child logger tagged with a component name, for
// telling apart log lines of different components in a single process.
// The listener's own components log through the global logger without
// such a tag.
func WithComponent(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}
