package neo

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/getsentry/sentry-go"

	"neo-guardian/internal/auth"
)

var neoIDPattern = regexp.MustCompile(`^[0-9]{1,16}$`)

// FeedSource is the slice of the NASA client the handlers need.
type FeedSource interface {
	Feed(ctx context.Context, start, end time.Time) ([]Object, error)
	Lookup(ctx context.Context, id string) (Object, error)
}

type Handler struct {
	source FeedSource
	now    func() time.Time
}

func NewHandler(source FeedSource) *Handler {
	return &Handler{
		source: source,
		now:    time.Now,
	}
}

type feedResponse struct {
	StartDate      string   `json:"start_date"`
	EndDate        string   `json:"end_date"`
	TotalCount     int      `json:"total_count"`
	HazardousCount int      `json:"hazardous_count"`
	Objects        []Object `json:"neos"`
}

// Feed handles GET /neo/feed?start_date=&end_date=&hazardous_only=.
func (h *Handler) Feed(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	start, err := parseDateParam(query.Get("start_date"), h.today())
	if err != nil {
		writeError(w, http.StatusBadRequest, "start_date must be formatted YYYY-MM-DD")
		return
	}
	end, err := parseDateParam(query.Get("end_date"), start.Add(maxFeedRange))
	if err != nil {
		writeError(w, http.StatusBadRequest, "end_date must be formatted YYYY-MM-DD")
		return
	}

	if end.Before(start) {
		writeError(w, http.StatusBadRequest, "end_date must not precede start_date")
		return
	}
	if end.Sub(start) > maxFeedRange {
		writeError(w, http.StatusBadRequest, "date range cannot exceed 7 days")
		return
	}

	objects, err := h.source.Feed(r.Context(), start, end)
	if err != nil {
		h.upstreamFailure(w, r, err)
		return
	}

	if query.Get("hazardous_only") == "true" {
		objects = filterHazardous(objects)
	}

	auth.AnnotateAudit(r.Context(), "start_date", start.Format("2006-01-02"))
	auth.AnnotateAudit(r.Context(), "end_date", end.Format("2006-01-02"))

	writeJSON(w, http.StatusOK, feedResponse{
		StartDate:      start.Format("2006-01-02"),
		EndDate:        end.Format("2006-01-02"),
		TotalCount:     len(objects),
		HazardousCount: len(filterHazardous(objects)),
		Objects:        objects,
	})
}

// Today handles GET /neo/today with the day's aggregate threat picture.
func (h *Handler) Today(w http.ResponseWriter, r *http.Request) {
	today := h.today()

	objects, err := h.source.Feed(r.Context(), today, today)
	if err != nil {
		h.upstreamFailure(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, Summarize(today.Format("2006-01-02"), objects))
}

// Hazardous handles GET /neo/hazardous?days=.
func (h *Handler) Hazardous(w http.ResponseWriter, r *http.Request) {
	days := 7
	if raw := r.URL.Query().Get("days"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 7 {
			writeError(w, http.StatusBadRequest, "days must be between 1 and 7")
			return
		}
		days = parsed
	}

	start := h.today()
	objects, err := h.source.Feed(r.Context(), start, start.AddDate(0, 0, days))
	if err != nil {
		h.upstreamFailure(w, r, err)
		return
	}

	hazardous := filterHazardous(objects)
	writeJSON(w, http.StatusOK, map[string]any{
		"count": len(hazardous),
		"neos":  hazardous,
	})
}

// Lookup handles GET /neo/{id}.
func (h *Handler) Lookup(w http.ResponseWriter, r *http.Request) {
	object, ok := h.fetchObject(w, r)
	if !ok {
		return
	}

	writeJSON(w, http.StatusOK, object)
}

// Analyze handles GET /neo/{id}/analysis.
func (h *Handler) Analyze(w http.ResponseWriter, r *http.Request) {
	object, ok := h.fetchObject(w, r)
	if !ok {
		return
	}

	writeJSON(w, http.StatusOK, AnalyzeObject(object))
}

func (h *Handler) fetchObject(w http.ResponseWriter, r *http.Request) (Object, bool) {
	id := r.PathValue("id")
	if !neoIDPattern.MatchString(id) {
		writeError(w, http.StatusBadRequest, "invalid neo id")
		return Object{}, false
	}

	object, err := h.source.Lookup(r.Context(), id)
	if err != nil {
		if errors.Is(err, ErrObjectNotFound) {
			writeError(w, http.StatusNotFound, "neo not found")
			return Object{}, false
		}
		h.upstreamFailure(w, r, err)
		return Object{}, false
	}

	auth.AnnotateAudit(r.Context(), "neo_id", id)
	return object, true
}

func (h *Handler) upstreamFailure(w http.ResponseWriter, r *http.Request, err error) {
	sentry.CaptureException(err)
	auth.AnnotateAudit(r.Context(), "reason", "upstream_unavailable")
	writeError(w, http.StatusBadGateway, "upstream data source unavailable")
}

func (h *Handler) today() time.Time {
	now := h.now().UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}

func parseDateParam(raw string, fallback time.Time) (time.Time, error) {
	if raw == "" {
		return fallback, nil
	}
	return time.Parse("2006-01-02", raw)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
