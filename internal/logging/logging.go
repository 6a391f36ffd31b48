package logging

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"dashsync/internal/config"
)

// New builds the process logger from the logging section.
func New(c config.Logging, out io.Writer) (*logrus.Logger, error) {
	l := logrus.New()
	if out == nil {
		out = os.Stderr
	}
	l.SetOutput(out)
	level := c.Level
	if level == "" {
		level = "info"
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("logging.level: %w", err)
	}
	l.SetLevel(lvl)
	switch c.Format {
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{})
	default:
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return l, nil
}

// Discard returns a logger that drops everything.
func Discard() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// OrDiscard returns l, or a discarding logger when l is nil.
func OrDiscard(l logrus.FieldLogger) logrus.FieldLogger {
	if l == nil {
		return Discard()
	}
	return l
}
