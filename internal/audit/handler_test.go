package audit

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestListEndpointPassesFilter(t *testing.T) {
	var got Filter
	store := &mockStore{
		ListFunc: func(_ context.Context, filter Filter) ([]Event, error) {
			got = filter
			return []Event{
				{ID: "ev-1", OccurredAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), Actor: "stargazer", Action: "auth.login", Outcome: OutcomeFailure},
			}, nil
		},
	}
	handler := NewHandler(NewRecorder(store, zap.NewNop()))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/audit?actor=stargazer&outcome=failure&limit=25", nil)
	handler.List(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if got.Actor != "stargazer" || got.Outcome != OutcomeFailure || got.Limit != 25 {
		t.Errorf("filter = %+v", got)
	}

	var body struct {
		Count  int     `json:"count"`
		Events []Event `json:"events"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Count != 1 || len(body.Events) != 1 || body.Events[0].ID != "ev-1" {
		t.Errorf("unexpected body: %+v", body)
	}
}

func TestListEndpointRejectsBadLimit(t *testing.T) {
	handler := NewHandler(NewRecorder(&mockStore{}, zap.NewNop()))

	for _, limit := range []string{"zero", "0", "-5"} {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/audit?limit="+limit, nil)
		handler.List(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("limit %q: status = %d, want 400", limit, rec.Code)
		}
	}
}

func TestListEndpointReportsStoreFailure(t *testing.T) {
	store := &mockStore{
		ListFunc: func(context.Context, Filter) ([]Event, error) {
			return nil, errors.New("db down")
		},
	}
	handler := NewHandler(NewRecorder(store, zap.NewNop()))

	rec := httptest.NewRecorder()
	handler.List(rec, httptest.NewRequest(http.MethodGet, "/audit", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
}
