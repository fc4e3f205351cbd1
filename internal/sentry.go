package internal

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/getsentry/sentry-go"
)

// GetSentryHubFromContextOrDefault is a version of sentry.GetHubFromContext which
// automatically falls back to sentry.CurrentHub if the given context has not been
// attached a hub.
//
// The returned pointer is always nonnil.
func GetSentryHubFromContextOrDefault(ctx context.Context) *sentry.Hub {
	hub := sentry.GetHubFromContext(ctx)
	if hub == nil {
		hub = sentry.CurrentHub()
	}
	return hub
}

// RecoverHandlerPanic must be deferred directly by the function running a message handler. It stops
// the panic from escaping, logs the stack and reports it to sentry, and returns the panic as an error
// through errp so the caller can account for the dropped message.
func RecoverHandlerPanic(ctx context.Context, errp *error) {
	panicErr := recover()
	if panicErr == nil {
		return
	}
	logger.Error().Str("stack", string(debug.Stack())).Interface("panic", panicErr).Msg("recovered panic in handler")
	GetSentryHubFromContextOrDefault(ctx).RecoverWithContext(ctx, panicErr)
	if errp != nil {
		*errp = fmt.Errorf("panic: %v", panicErr)
	}
}

// ReportPanicsToSentry is deferred at the top of long-lived goroutines. Unlike RecoverHandlerPanic
// it re-panics after reporting, as there is nothing sensible to continue with.
func ReportPanicsToSentry() {
	panicErr := recover()
	if panicErr != nil {
		sentry.CurrentHub().Recover(panicErr)
		sentry.Flush(time.Second * 5)
		panic(panicErr)
	}
}
