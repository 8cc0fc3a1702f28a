package observability

import (
	"time"

	"github.com/getsentry/sentry-go"
)

// InitSentry wires up error reporting. A BeforeSend hook strips credentials
// from captured request data so tokens and API keys never leave the process.
// An empty DSN disables reporting entirely.
func InitSentry(dsn, environment string) error {
	if dsn == "" {
		return nil
	}

	return sentry.Init(sentry.ClientOptions{
		Dsn:              dsn,
		Environment:      environment,
		AttachStacktrace: true,
		BeforeSend:       scrubEvent,
	})
}

func scrubEvent(event *sentry.Event, _ *sentry.EventHint) *sentry.Event {
	if event.Request != nil {
		event.Request.Cookies = ""
		delete(event.Request.Headers, "Authorization")
		delete(event.Request.Headers, "X-Api-Key")
		delete(event.Request.Headers, "Cookie")
	}
	return event
}

func FlushSentry() {
	sentry.Flush(2 * time.Second)
}
