package sentryutil

import (
	"context"
	"errors"
	"time"

	"github.com/getsentry/sentry-go"
	sentrygin "github.com/getsentry/sentry-go/gin"
	"github.com/gin-gonic/gin"

	"github.com/dreammarket/go-dreammarket/env"
	"github.com/dreammarket/go-dreammarket/service/logger"
)

const (
	soulContextName     = "soul context"
	workflowContextName = "workflow context"
)

// ErrDegraded marks an error that was reported but did not fail the surrounding operation
var ErrDegraded = errors.New("degraded")

// InitSentry configures the global sentry client. It is a no-op when SENTRY_DSN is not set.
func InitSentry() {
	dsn := env.GetString("SENTRY_DSN")
	if dsn == "" {
		logger.For(nil).Info("SENTRY_DSN not set, skipping sentry init")
		return
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:              dsn,
		Environment:      env.GetString("ENV"),
		TracesSampleRate: env.GetFloat("SENTRY_TRACES_SAMPLE_RATE"),
		AttachStacktrace: true,
	})
	if err != nil {
		logger.For(nil).Fatalf("failed to start sentry: %s", err)
	}
}

// SentryHubFromContext returns the hub attached to ctx, falling back to a gin context's hub
func SentryHubFromContext(ctx context.Context) *sentry.Hub {
	if ctx == nil {
		return nil
	}
	if gc, ok := ctx.(*gin.Context); ok {
		if hub := sentrygin.GetHubFromContext(gc); hub != nil {
			return hub
		}
	}
	return sentry.GetHubFromContext(ctx)
}

// NewSentryHubContext returns a copy of ctx with a cloned hub, so scope changes don't leak
// into the caller's hub
func NewSentryHubContext(ctx context.Context) context.Context {
	hub := SentryHubFromContext(ctx)
	if hub == nil {
		hub = sentry.CurrentHub()
	}
	return sentry.SetHubOnContext(ctx, hub.Clone())
}

// SetSoulContext tags the scope with the soul that is being processed
func SetSoulContext(scope *sentry.Scope, soulID, tokenRef, agentID string) {
	scope.SetContext(soulContextName, map[string]interface{}{
		"SoulID":   soulID,
		"TokenRef": tokenRef,
		"AgentID":  agentID,
	})
	scope.SetTag("soulID", soulID)
}

// SetWorkflowContext tags the scope with the workflow and the state it reached
func SetWorkflowContext(scope *sentry.Scope, workflow, state string) {
	scope.SetContext(workflowContextName, map[string]interface{}{
		"Workflow": workflow,
		"State":    state,
	})
	scope.SetTag("workflow", workflow)
}

// ReportError reports an error to sentry using the hub on ctx, or the current hub
func ReportError(ctx context.Context, err error, scopeFuncs ...func(*sentry.Scope)) {
	hub := SentryHubFromContext(ctx)
	if hub == nil {
		hub = sentry.CurrentHub()
	}

	hub.WithScope(func(scope *sentry.Scope) {
		for _, f := range scopeFuncs {
			f(scope)
		}
		if errors.Is(err, ErrDegraded) {
			scope.SetLevel(sentry.LevelWarning)
		}
		hub.CaptureException(err)
	})
}

// RecoverAndRaise reports a panic to sentry then re-panics
func RecoverAndRaise(ctx context.Context) {
	if err := recover(); err != nil {
		hub := SentryHubFromContext(ctx)
		if hub == nil {
			hub = sentry.CurrentHub()
		}
		hub.Recover(err)
		sentry.Flush(2 * time.Second)
		panic(err)
	}
}
