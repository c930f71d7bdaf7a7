// Package logging provides structured logging for the sync engine.
package logging

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	// global logger instance
	global *logrus.Logger
	once   sync.Once
)

// Init initializes the global logger with an output and minimum level.
// Level is one of "debug", "info", "warn", "error".
func Init(out io.Writer, level string) {
	once.Do(func() {
		global = newLogger(out, level)
	})
}

// Get returns the global logger instance.
func Get() *logrus.Logger {
	if global == nil {
		Init(os.Stdout, "info")
	}
	return global
}

func newLogger(out io.Writer, level string) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(out)
	l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05Z07:00"})

	switch strings.ToLower(level) {
	case "debug":
		l.SetLevel(logrus.DebugLevel)
	case "warn":
		l.SetLevel(logrus.WarnLevel)
	case "error":
		l.SetLevel(logrus.ErrorLevel)
	default:
		l.SetLevel(logrus.InfoLevel)
	}
	return l
}

func entry(context []map[string]interface{}) *logrus.Entry {
	fields := logrus.Fields{}
	for _, c := range context {
		for k, v := range c {
			fields[k] = v
		}
	}
	return Get().WithFields(fields)
}

// Debug logs a debug message with optional structured context.
func Debug(message string, context ...map[string]interface{}) {
	entry(context).Debug(message)
}

// Info logs an info message with optional structured context.
func Info(message string, context ...map[string]interface{}) {
	entry(context).Info(message)
}

// Warn logs a warning message with optional structured context.
func Warn(message string, context ...map[string]interface{}) {
	entry(context).Warn(message)
}

// Error logs an error message with optional structured context.
func Error(message string, err error, context ...map[string]interface{}) {
	e := entry(context)
	if err != nil {
		e = e.WithError(err)
	}
	e.Error(message)
}
