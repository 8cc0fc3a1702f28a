// Package maintenance exposes the cron-triggered cleanup endpoint that sweeps
// expired token families, stale login attempt counters, and long-dead API
// keys. Audit events are never touched; that table is append-only.
package maintenance

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"neo-guardian/internal/auth"
)

// AuthCleaner removes expired auth state in bounded batches.
type AuthCleaner interface {
	CleanupStaleAuthData(ctx context.Context, familyRetention, loginAttemptRetention time.Duration, batchSize int) (auth.CleanupResult, error)
}

// KeyCleaner removes revoked or expired API keys past their retention window.
type KeyCleaner interface {
	CleanupStaleKeys(ctx context.Context, retention time.Duration, batchSize int) (int64, error)
}

type CleanupHandler struct {
	authStore        AuthCleaner
	keyStore         KeyCleaner
	logger           *zap.Logger
	cronSecret       string
	familyRetention  time.Duration
	attemptRetention time.Duration
	keyRetention     time.Duration
	batchSize        int
}

func NewCleanupHandler(
	authStore AuthCleaner,
	keyStore KeyCleaner,
	logger *zap.Logger,
	cronSecret string,
	familyRetention time.Duration,
	attemptRetention time.Duration,
	keyRetention time.Duration,
	batchSize int,
) *CleanupHandler {
	return &CleanupHandler{
		authStore:        authStore,
		keyStore:         keyStore,
		logger:           logger,
		cronSecret:       strings.TrimSpace(cronSecret),
		familyRetention:  familyRetention,
		attemptRetention: attemptRetention,
		keyRetention:     keyRetention,
		batchSize:        batchSize,
	}
}

// Handle runs the sweep. The endpoint pretends not to exist unless a cron
// secret is configured, and requires that secret as a bearer token.
func (h *CleanupHandler) Handle(w http.ResponseWriter, r *http.Request) {
	if h.cronSecret == "" {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}

	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	if !h.authorized(r) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	authResult, err := h.authStore.CleanupStaleAuthData(r.Context(), h.familyRetention, h.attemptRetention, h.batchSize)
	if err != nil {
		h.logger.Error("auth_cleanup_failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "cleanup failed"})
		return
	}

	deletedKeys, err := h.keyStore.CleanupStaleKeys(r.Context(), h.keyRetention, h.batchSize)
	if err != nil {
		h.logger.Error("apikey_cleanup_failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "cleanup failed"})
		return
	}

	h.logger.Info("cleanup_completed",
		zap.Int64("deleted_token_families", authResult.DeletedTokenFamilies),
		zap.Int64("deleted_login_attempts", authResult.DeletedLoginAttempts),
		zap.Int64("deleted_api_keys", deletedKeys),
	)

	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"result": map[string]int64{
			"deleted_token_families": authResult.DeletedTokenFamilies,
			"deleted_login_attempts": authResult.DeletedLoginAttempts,
			"deleted_api_keys":       deletedKeys,
		},
	})
}

func (h *CleanupHandler) authorized(r *http.Request) bool {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return false
	}
	presented := strings.TrimSpace(parts[1])
	return subtle.ConstantTimeCompare([]byte(presented), []byte(h.cronSecret)) == 1
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
