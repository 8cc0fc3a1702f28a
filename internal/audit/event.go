package audit

import "time"

const (
	OutcomeSuccess     = "success"
	OutcomeFailure     = "failure"
	OutcomeRateLimited = "rate_limited"
	OutcomeLockedOut   = "locked_out"
)

// AnonymousActor labels events with no resolved identity.
const AnonymousActor = "anonymous"

type Event struct {
	ID         string         `json:"id"`
	OccurredAt time.Time      `json:"occurred_at"`
	Actor      string         `json:"actor"`
	Action     string         `json:"action"`
	Outcome    string         `json:"outcome"`
	IP         string         `json:"ip,omitempty"`
	Context    map[string]any `json:"context,omitempty"`
}

type Filter struct {
	Actor   string
	Action  string
	Outcome string
	Limit   int
}
