package auth

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"

	"neo-guardian/internal/audit"
	"neo-guardian/internal/password"
)

var usernameRegex = regexp.MustCompile(`^[a-z0-9_.-]{3,32}$`)

const maxJSONBodyBytes = 1 << 20

// Handler serves the public authentication routes. These sit in front of the
// gateway, so each one records its own audit outcome.
type Handler struct {
	service  *Service
	recorder *audit.Recorder
}

func NewHandler(service *Service, recorder *audit.Recorder) *Handler {
	return &Handler{service: service, recorder: recorder}
}

type registerRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Email    string `json:"email"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type logoutRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var body registerRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	body.Username = strings.TrimSpace(strings.ToLower(body.Username))
	body.Email = strings.TrimSpace(body.Email)
	if !usernameRegex.MatchString(body.Username) {
		writeError(w, http.StatusBadRequest, "username format is invalid")
		return
	}
	if !isPlausibleEmail(body.Email) {
		writeError(w, http.StatusBadRequest, "email format is invalid")
		return
	}

	ip := clientIP(r)
	profile, err := h.service.Register(r.Context(), body.Username, body.Password, body.Email)
	if err != nil {
		var policyErr *password.PolicyError
		if errors.As(err, &policyErr) {
			h.recorder.Record(r.Context(), body.Username, "auth.register", audit.OutcomeFailure, ip, map[string]any{
				"reason": "weak_password",
				"rule":   policyErr.Rule,
			})
			writeError(w, http.StatusBadRequest, "weak password: "+policyErr.Rule)
			return
		}
		if errors.Is(err, ErrUsernameTaken) {
			h.recorder.Record(r.Context(), body.Username, "auth.register", audit.OutcomeFailure, ip, map[string]any{
				"reason": "username_taken",
			})
			writeError(w, http.StatusConflict, "username already taken")
			return
		}
		sentry.CaptureException(err)
		h.recorder.Record(r.Context(), body.Username, "auth.register", audit.OutcomeFailure, ip, map[string]any{
			"reason": "internal_error",
		})
		writeError(w, http.StatusInternalServerError, "failed to register")
		return
	}

	h.recorder.Record(r.Context(), profile.ID, "auth.register", audit.OutcomeSuccess, ip, map[string]any{
		"username": profile.Username,
	})
	writeJSON(w, http.StatusCreated, profile)
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var body loginRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	body.Username = strings.TrimSpace(strings.ToLower(body.Username))
	body.Password = strings.TrimSpace(body.Password)
	if !usernameRegex.MatchString(body.Username) {
		writeError(w, http.StatusBadRequest, "username format is invalid")
		return
	}
	if len(body.Password) < password.MinLength || len(body.Password) > 200 {
		writeError(w, http.StatusBadRequest, "password format is invalid")
		return
	}

	ip := clientIP(r)
	tokens, err := h.service.Login(r.Context(), body.Username, body.Password)
	if err != nil {
		var lockedErr ErrAccountLocked
		switch {
		case errors.As(err, &lockedErr):
			retryAfter := int(time.Until(lockedErr.Until).Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			h.recorder.Record(r.Context(), body.Username, "auth.login", audit.OutcomeLockedOut, ip, map[string]any{
				"retry_after_seconds": retryAfter,
			})
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "account temporarily locked")
		case errors.Is(err, ErrAccountDisabled):
			// Disabled accounts answer exactly like a bad password; only
			// the audit trail knows the difference.
			h.recorder.Record(r.Context(), body.Username, "auth.login", audit.OutcomeFailure, ip, map[string]any{
				"reason": "account_disabled",
			})
			writeError(w, http.StatusUnauthorized, "invalid credentials")
		case errors.Is(err, ErrInvalidCredentials):
			h.recorder.Record(r.Context(), body.Username, "auth.login", audit.OutcomeFailure, ip, map[string]any{
				"reason": "invalid_credentials",
			})
			writeError(w, http.StatusUnauthorized, "invalid credentials")
		default:
			sentry.CaptureException(err)
			h.recorder.Record(r.Context(), body.Username, "auth.login", audit.OutcomeFailure, ip, map[string]any{
				"reason": "internal_error",
			})
			writeError(w, http.StatusInternalServerError, "failed to login")
		}
		return
	}

	h.recorder.Record(r.Context(), body.Username, "auth.login", audit.OutcomeSuccess, ip, map[string]any{
		"method": "password",
	})
	writeJSON(w, http.StatusOK, tokens)
}

func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	var body refreshRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	ip := clientIP(r)
	tokens, userID, err := h.service.Refresh(r.Context(), body.RefreshToken)
	if err != nil {
		reason, ok := refreshFailureReason(err)
		if !ok {
			sentry.CaptureException(err)
			h.recorder.Record(r.Context(), "", "auth.refresh", audit.OutcomeFailure, ip, map[string]any{
				"reason": "internal_error",
			})
			writeError(w, http.StatusInternalServerError, "failed to refresh token")
			return
		}
		h.recorder.Record(r.Context(), "", "auth.refresh", audit.OutcomeFailure, ip, map[string]any{
			"reason": reason,
		})
		writeError(w, http.StatusUnauthorized, "invalid refresh token")
		return
	}

	h.recorder.Record(r.Context(), userID, "auth.refresh", audit.OutcomeSuccess, ip, nil)
	writeJSON(w, http.StatusOK, tokens)
}

// refreshFailureReason maps a rotation error to its audit label. The caller
// always answers with the same generic denial.
func refreshFailureReason(err error) (string, bool) {
	switch {
	case errors.Is(err, ErrReuseDetected):
		return "reuse_detected", true
	case errors.Is(err, ErrFamilyRevoked):
		return "family_revoked", true
	case errors.Is(err, ErrTokenExpired):
		return "token_expired", true
	case errors.Is(err, ErrInvalidSignature):
		return "invalid_signature", true
	case errors.Is(err, ErrInvalidRefreshToken):
		return "unknown_token", true
	default:
		return "", false
	}
}

func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	var body logoutRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	ip := clientIP(r)
	userID, err := h.service.Logout(r.Context(), body.RefreshToken)
	if err != nil {
		if errors.Is(err, ErrInvalidRefreshToken) {
			h.recorder.Record(r.Context(), "", "auth.logout", audit.OutcomeFailure, ip, map[string]any{
				"reason": "invalid_refresh_token",
			})
			writeError(w, http.StatusUnauthorized, "invalid refresh token")
			return
		}
		sentry.CaptureException(err)
		h.recorder.Record(r.Context(), "", "auth.logout", audit.OutcomeFailure, ip, map[string]any{
			"reason": "internal_error",
		})
		writeError(w, http.StatusInternalServerError, "failed to logout")
		return
	}

	h.recorder.Record(r.Context(), userID, "auth.logout", audit.OutcomeSuccess, ip, nil)
	w.WriteHeader(http.StatusNoContent)
}

// ChangePassword runs behind the gateway, which owns the audit record; the
// handler only annotates it.
func (h *Handler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	identity, ok := IdentityFromContext(r.Context())
	if !ok || identity.Credential != CredentialToken {
		AnnotateAudit(r.Context(), "reason", "session_required")
		writeError(w, http.StatusForbidden, "session authentication required")
		return
	}

	var body changePasswordRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	err := h.service.ChangePassword(r.Context(), identity.Subject, body.CurrentPassword, body.NewPassword)
	if err != nil {
		var policyErr *password.PolicyError
		switch {
		case errors.As(err, &policyErr):
			AnnotateAudit(r.Context(), "reason", "weak_password")
			writeError(w, http.StatusBadRequest, "weak password: "+policyErr.Rule)
		case errors.Is(err, ErrInvalidCredentials):
			AnnotateAudit(r.Context(), "reason", "invalid_current_password")
			writeError(w, http.StatusUnauthorized, "invalid credentials")
		default:
			sentry.CaptureException(err)
			writeError(w, http.StatusInternalServerError, "failed to change password")
		}
		return
	}

	AnnotateAudit(r.Context(), "operation", "password_changed")
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	identity, ok := IdentityFromContext(r.Context())
	if !ok || identity.Credential != CredentialToken {
		writeError(w, http.StatusForbidden, "session authentication required")
		return
	}

	profile, err := h.service.Me(r.Context(), identity.Subject)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeError(w, http.StatusNotFound, "user not found")
			return
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to load profile")
		return
	}

	writeJSON(w, http.StatusOK, profile)
}

// decodeJSON enforces the shared body rules: bounded size, strict fields.
// It writes the 400 itself and reports whether decoding succeeded.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return false
	}
	return true
}

func isPlausibleEmail(email string) bool {
	if len(email) < 3 || len(email) > 320 {
		return false
	}
	at := strings.Index(email, "@")
	if at <= 0 || at == len(email)-1 {
		return false
	}
	return !strings.ContainsAny(email, " \t\r\n")
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
