// Package rlog configures the daemon's shared logrus logger. It mirrors
// the split the teacher keeps between a config-carried format/level and
// a single package-level logger handed out via Default(), as done by
// (Config).ConfigureLogger in internal/praefect/config/log.go.
package rlog

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

var std = logrus.New()

// Config carries the subset of the daemon's TOML configuration that
// controls logging: the [logging] table's format, level and file keys
// (level is also overridden by -L/--log-level).
type Config struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
	File   string `toml:"file"`
}

// Configure installs format and level on the shared logger. format is
// one of "text" or "json"; an empty level leaves the default (info).
func Configure(c Config) error {
	switch c.Format {
	case "json":
		std.SetFormatter(&logrus.JSONFormatter{TimestampFormat: TimestampFormat})
	default:
		std.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: TimestampFormat})
	}

	if c.Level != "" {
		level, err := logrus.ParseLevel(c.Level)
		if err != nil {
			return err
		}
		std.SetLevel(level)
	}

	out, err := openOutput(c.File)
	if err != nil {
		return err
	}
	std.SetOutput(out)

	return nil
}

func openOutput(path string) (io.Writer, error) {
	if path == "" {
		return os.Stderr, nil
	}
	return os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
}

// TimestampFormat is shared between the text and JSON formatters so log
// lines are diffable across a format change.
const TimestampFormat = "2006-01-02T15:04:05.000Z07:00"

// Default returns the shared logger as a logrus.FieldLogger, the same
// type every other package in this daemon depends on so tests can
// substitute a *logrus.Logger with hooks installed.
func Default() logrus.FieldLogger {
	return std
}
