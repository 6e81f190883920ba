package logger

import (
	"bytes"
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestNewContextWithFields(t *testing.T) {
	buf := &bytes.Buffer{}
	SetLoggerOptions(func(l *logrus.Logger) {
		l.SetOutput(buf)
		l.SetFormatter(&logrus.JSONFormatter{})
	})

	ctx := NewContextWithFields(context.Background(), logrus.Fields{"soulID": "abc"})
	ctx = NewContextWithFields(ctx, logrus.Fields{"tokenRef": "0.0.5:1"})
	For(ctx).Info("hello")

	assert.Contains(t, buf.String(), `"soulID":"abc"`)
	assert.Contains(t, buf.String(), `"tokenRef":"0.0.5:1"`)
	assert.NotPanics(t, func() { For(nil).Debug("nil context") })
}
