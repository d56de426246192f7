package testutil

import (
	"os"
	"testing"

	"github.com/rs/zerolog"
)

// TestLogger returns a logger tagged with the test name. It writes to stdout
// rather than t.Log because connection goroutines may still log after the
// test has returned.
func TestLogger(t *testing.T) zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, NoColor: true}).
		With().
		Timestamp().
		Str("test", t.Name()).
		Logger()
}
