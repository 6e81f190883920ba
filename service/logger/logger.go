package logger

import (
	"context"
	"os"

	"github.com/sirupsen/logrus"
)

type loggerContextKey struct{}

var defaultLogger = newLogger()

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stdout)
	l.SetLevel(logrus.InfoLevel)
	return l
}

// InitWithDefaults configures the default logger for the given environment. Local
// environments get text output at debug level; everything else is JSON.
func InitWithDefaults(env string) {
	switch env {
	case "local", "":
		defaultLogger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
		defaultLogger.SetLevel(logrus.DebugLevel)
	case "production":
		defaultLogger.SetFormatter(&logrus.JSONFormatter{})
		defaultLogger.SetLevel(logrus.InfoLevel)
	default:
		defaultLogger.SetFormatter(&logrus.JSONFormatter{})
		defaultLogger.SetLevel(logrus.DebugLevel)
	}
}

// SetLoggerOptions applies options to the default logger
func SetLoggerOptions(opts ...func(*logrus.Logger)) {
	for _, opt := range opts {
		opt(defaultLogger)
	}
}

// NewContextWithFields returns a new context with the given fields added to its logger
func NewContextWithFields(ctx context.Context, fields logrus.Fields) context.Context {
	return context.WithValue(ctx, loggerContextKey{}, For(ctx).WithFields(fields))
}

// For returns the logger attached to ctx, or the default logger. A nil ctx is allowed.
func For(ctx context.Context) *logrus.Entry {
	if ctx != nil {
		if entry, ok := ctx.Value(loggerContextKey{}).(*logrus.Entry); ok {
			return entry.WithContext(ctx)
		}
		return logrus.NewEntry(defaultLogger).WithContext(ctx)
	}
	return logrus.NewEntry(defaultLogger)
}
