package smqp

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// NewConsoleLogger returns a human readable logger tagged with app
func NewConsoleLogger(app string, level zerolog.Level) zerolog.Logger {
	output := zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.RFC3339,
	}
	return zerolog.New(output).Level(level).With().Timestamp().Str("app", app).Logger()
}
