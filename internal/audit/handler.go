package audit

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/getsentry/sentry-go"
)

type Handler struct {
	recorder *Recorder
}

func NewHandler(recorder *Recorder) *Handler {
	return &Handler{recorder: recorder}
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	limit := 0
	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	events, err := h.recorder.List(r.Context(), Filter{
		Actor:   strings.TrimSpace(query.Get("actor")),
		Action:  strings.TrimSpace(query.Get("action")),
		Outcome: strings.TrimSpace(query.Get("outcome")),
		Limit:   limit,
	})
	if err != nil {
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to query audit trail")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"count":  len(events),
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
