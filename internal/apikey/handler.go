package apikey

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/getsentry/sentry-go"

	"neo-guardian/internal/auth"
)

const maxJSONBodyBytes = 1 << 20

// Handler serves key management. Every route runs behind the gateway, which
// owns the audit record; handlers annotate it with the key involved. All
// management requires a session: a key cannot manage keys.
type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type createKeyRequest struct {
	Name          string   `json:"name"`
	Scopes        []string `json:"scopes"`
	ExpiresInDays int      `json:"expires_in_days"`
}

// createKeyResponse is the only place the plaintext secret ever appears.
type createKeyResponse struct {
	Key
	Secret string `json:"key"`
}

func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	identity, ok := sessionIdentity(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
	var body createKeyRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if body.ExpiresInDays < 0 {
		writeError(w, http.StatusBadRequest, "expires_in_days must not be negative")
		return
	}

	ttl := time.Duration(body.ExpiresInDays) * 24 * time.Hour
	key, secret, err := h.service.Create(r.Context(), identity.Subject, identity.Role, body.Name, body.Scopes, ttl)
	if err != nil {
		switch {
		case errors.Is(err, ErrAdminScope):
			auth.AnnotateAudit(r.Context(), "reason", "admin_scope_forbidden")
			writeError(w, http.StatusForbidden, "admin scope requires an administrator session")
		case errors.Is(err, ErrInvalidName):
			writeError(w, http.StatusBadRequest, "invalid key name")
		case errors.Is(err, ErrUnknownScope):
			writeError(w, http.StatusBadRequest, "unknown scope")
		default:
			sentry.CaptureException(err)
			writeError(w, http.StatusInternalServerError, "failed to create api key")
		}
		return
	}

	auth.AnnotateAudit(r.Context(), "key_id", key.ID)
	auth.AnnotateAudit(r.Context(), "key_name", key.Name)
	auth.AnnotateAudit(r.Context(), "scopes", key.Scopes)

	writeJSON(w, http.StatusCreated, createKeyResponse{Key: key, Secret: secret})
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	identity, ok := sessionIdentity(w, r)
	if !ok {
		return
	}

	keys, err := h.service.List(r.Context(), identity.Subject)
	if err != nil {
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to list api keys")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"keys":  keys,
		"count": len(keys),
	})
}

func (h *Handler) Revoke(w http.ResponseWriter, r *http.Request) {
	identity, ok := sessionIdentity(w, r)
	if !ok {
		return
	}

	keyID := r.PathValue("id")
	if keyID == "" {
		writeError(w, http.StatusBadRequest, "missing key id")
		return
	}

	if err := h.service.Revoke(r.Context(), identity.Subject, keyID); err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			writeError(w, http.StatusNotFound, "api key not found")
			return
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to revoke api key")
		return
	}

	auth.AnnotateAudit(r.Context(), "key_id", keyID)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) Regenerate(w http.ResponseWriter, r *http.Request) {
	identity, ok := sessionIdentity(w, r)
	if !ok {
		return
	}

	keyID := r.PathValue("id")
	if keyID == "" {
		writeError(w, http.StatusBadRequest, "missing key id")
		return
	}

	key, secret, err := h.service.Regenerate(r.Context(), identity.Subject, keyID)
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			writeError(w, http.StatusNotFound, "api key not found")
			return
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to regenerate api key")
		return
	}

	auth.AnnotateAudit(r.Context(), "key_id", key.ID)
	auth.AnnotateAudit(r.Context(), "rotated", true)

	writeJSON(w, http.StatusOK, createKeyResponse{Key: key, Secret: secret})
}

func sessionIdentity(w http.ResponseWriter, r *http.Request) (auth.Identity, bool) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok || identity.Credential != auth.CredentialToken {
		auth.AnnotateAudit(r.Context(), "reason", "session_required")
		writeError(w, http.StatusForbidden, "session authentication required")
		return auth.Identity{}, false
	}
	return identity, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
