// Package logging wraps logrus with the conventions Spine's components
// expect: a component name, a parsed level, and a console/json formatter
// switch driven by SPINE_LOG_FORMAT.
package logging

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger is a thin wrapper around logrus.Logger.
type Logger struct {
	*logrus.Logger
	component string
}

// Config controls logger construction.
type Config struct {
	Level     string
	Format    string
	Component string
}

// New builds a Logger from Config. Unparseable levels fall back to info;
// unrecognized formats fall back to console text.
func New(cfg Config) *Logger {
	l := logrus.New()

	level, err := logrus.ParseLevel(strings.TrimSpace(cfg.Level))
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	switch strings.ToLower(strings.TrimSpace(cfg.Format)) {
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{})
	default:
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	l.SetOutput(os.Stdout)

	return &Logger{Logger: l, component: cfg.Component}
}

// NewDefault returns an info-level, console-formatted logger tagged with
// component, for callers that do not have a loaded Config yet.
func NewDefault(component string) *Logger {
	return New(Config{Level: "info", Format: "console", Component: component})
}

// WithField returns a log entry carrying the logger's component plus key.
func (l *Logger) WithField(key string, value interface{}) *logrus.Entry {
	return l.entry().WithField(key, value)
}

// WithFields returns a log entry carrying the logger's component plus fields.
func (l *Logger) WithFields(fields logrus.Fields) *logrus.Entry {
	return l.entry().WithFields(fields)
}

// WithError returns a log entry carrying the logger's component plus error.
func (l *Logger) WithError(err error) *logrus.Entry {
	return l.entry().WithError(err)
}

func (l *Logger) entry() *logrus.Entry {
	if l.component == "" {
		return logrus.NewEntry(l.Logger)
	}
	return l.Logger.WithField("component", l.component)
}
