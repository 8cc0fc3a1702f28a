package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Store interface {
	Insert(ctx context.Context, event Event) error
	List(ctx context.Context, filter Filter) ([]Event, error)
}

// Recorder appends security events to the audit trail. Writes are best
// effort: a failing sink reports to the fallback channel (zap + sentry) and
// never fails the operation that produced the event.
type Recorder struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time
}

func NewRecorder(store Store, logger *zap.Logger) *Recorder {
	return &Recorder{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

func (r *Recorder) Record(ctx context.Context, actor, action, outcome, ip string, eventContext map[string]any) {
	if actor == "" {
		actor = AnonymousActor
	}

	event := Event{
		OccurredAt: r.now().UTC(),
		Actor:      actor,
		Action:     action,
		Outcome:    outcome,
		IP:         ip,
		Context:    Redact(eventContext),
	}

	id, err := uuid.NewV7()
	if err != nil {
		r.fallback(event, fmt.Errorf("generate audit event id: %w", err))
		return
	}
	event.ID = id.String()

	// The event must outlive the request: a response already written upstream
	// would otherwise cancel the insert.
	if err := r.store.Insert(context.WithoutCancel(ctx), event); err != nil {
		r.fallback(event, err)
	}
}

func (r *Recorder) List(ctx context.Context, filter Filter) ([]Event, error) {
	return r.store.List(ctx, filter)
}

func (r *Recorder) fallback(event Event, err error) {
	sentry.CaptureException(fmt.Errorf("audit sink unavailable: %w", err))
	r.logger.Error("audit_write_failed",
		zap.Error(err),
		zap.String("actor", event.Actor),
		zap.String("action", event.Action),
		zap.String("outcome", event.Outcome),
		zap.Any("context", event.Context),
	)
}
