// Package logx provides structured logging for the merchsense daemon
package logx

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Logger provides structured JSON logging with key-value fields
type Logger struct {
	base *logrus.Logger
}

// New creates a new structured logger writing JSON to stdout
func New(levelStr string) *Logger {
	return NewWithOutput(levelStr, os.Stdout)
}

// NewWithOutput creates a logger writing to the given destination
func NewWithOutput(levelStr string, out io.Writer) *Logger {
	base := logrus.New()
	base.SetOutput(out)
	base.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05Z07:00",
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "ts",
			logrus.FieldKeyLevel: "level",
			logrus.FieldKeyMsg:   "msg",
		},
	})
	base.SetLevel(parseLevel(levelStr))
	return &Logger{base: base}
}

// parseLevel converts a level string to a logrus level
func parseLevel(levelStr string) logrus.Level {
	switch levelStr {
	case "debug":
		return logrus.DebugLevel
	case "info":
		return logrus.InfoLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// fields converts alternating key-value pairs into logrus fields
func fields(keysAndValues ...interface{}) logrus.Fields {
	f := make(logrus.Fields, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		key := fmt.Sprintf("%v", keysAndValues[i])
		f[key] = keysAndValues[i+1]
	}
	return f
}

// Debug logs a debug message
func (l *Logger) Debug(msg string, keysAndValues ...interface{}) {
	l.base.WithFields(fields(keysAndValues...)).Debug(msg)
}

// Info logs an info message
func (l *Logger) Info(msg string, keysAndValues ...interface{}) {
	l.base.WithFields(fields(keysAndValues...)).Info(msg)
}

// Warn logs a warning message
func (l *Logger) Warn(msg string, keysAndValues ...interface{}) {
	l.base.WithFields(fields(keysAndValues...)).Warn(msg)
}

// Error logs an error message
func (l *Logger) Error(msg string, keysAndValues ...interface{}) {
	l.base.WithFields(fields(keysAndValues...)).Error(msg)
}
