package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Insert(ctx context.Context, event Event) error {
	contextJSON := []byte("{}")
	if event.Context != nil {
		encoded, err := json.Marshal(event.Context)
		if err != nil {
			return fmt.Errorf("encode audit context: %w", err)
		}
		contextJSON = encoded
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO audit_events (id, occurred_at, actor, action, outcome, ip, context)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, event.ID, event.OccurredAt, event.Actor, event.Action, event.Outcome, event.IP, contextJSON)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}

	return nil
}

func (r *Repository) List(ctx context.Context, filter Filter) ([]Event, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, occurred_at, actor, action, outcome, ip, context
		FROM audit_events
		WHERE ($1 = '' OR actor = $1)
		  AND ($2 = '' OR action = $2)
		  AND ($3 = '' OR outcome = $3)
		ORDER BY occurred_at DESC
		LIMIT $4
	`, filter.Actor, filter.Action, filter.Outcome, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	events := make([]Event, 0)
	for rows.Next() {
		var event Event
		var contextJSON []byte
		if err := rows.Scan(&event.ID, &event.OccurredAt, &event.Actor, &event.Action, &event.Outcome, &event.IP, &contextJSON); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		if len(contextJSON) > 0 {
			if err := json.Unmarshal(contextJSON, &event.Context); err != nil {
				return nil, fmt.Errorf("decode audit context: %w", err)
			}
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit events: %w", err)
	}

	return events, nil
}
