package app

import (
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
)

// SetupLogging configures the standard logrus logger from the config.
func SetupLogging(config LoggingConfig, out io.Writer) error {
	level, err := logrus.ParseLevel(config.Level)
	if err != nil {
		return fmt.Errorf("app: logging: %w", err)
	}
	logrus.SetLevel(level)

	switch config.Format {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	case "", "text":
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return fmt.Errorf("app: logging: unknown format %q", config.Format)
	}

	if out != nil {
		logrus.SetOutput(out)
	}
	return nil
}

// DebugFlags raise the configured log level from the command line.
type DebugFlags struct {
	Verbose bool
	Debug   bool
}

func (f DebugFlags) Apply(config *LoggingConfig) {
	switch {
	case f.Debug:
		config.Level = "debug"
	case f.Verbose:
		if level, err := logrus.ParseLevel(config.Level); err != nil || level < logrus.InfoLevel {
			config.Level = "info"
		}
	}
}
