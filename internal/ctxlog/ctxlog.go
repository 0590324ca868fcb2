// Package ctxlog carries a logrus entry through context.Context so that
// run and step fields follow the call chain.
package ctxlog

import (
	"context"
	"io"

	"github.com/sirupsen/logrus"
)

type key struct{}

var loggerKey = key{}

// WithLogger returns a new context with the provided entry embedded.
func WithLogger(ctx context.Context, entry *logrus.Entry) context.Context {
	return context.WithValue(ctx, loggerKey, entry)
}

// FromContext extracts the entry from ctx, falling back to the standard
// logger when none was attached.
func FromContext(ctx context.Context) *logrus.Entry {
	if entry, ok := ctx.Value(loggerKey).(*logrus.Entry); ok {
		return entry
	}
	return logrus.NewEntry(logrus.StandardLogger())
}

// With attaches fields to the context's logger.
func With(ctx context.Context, fields logrus.Fields) context.Context {
	return WithLogger(ctx, FromContext(ctx).WithFields(fields))
}

// New builds a logger for the given level and format ("text" or "json").
// Unknown levels fall back to info.
func New(level, format string, out io.Writer) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(out)

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logger.SetLevel(lvl)

	if format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger
}

// Discard returns an entry that drops everything. Useful in tests.
func Discard() *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logrus.NewEntry(logger)
}
