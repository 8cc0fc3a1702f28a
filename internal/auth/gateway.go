package auth

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"neo-guardian/internal/audit"
	"neo-guardian/internal/ratelimit"
)

const (
	CredentialToken  = "token"
	CredentialAPIKey = "api_key"
)

// deniedMessage is the single body every gateway denial carries. Which check
// failed is recorded in the audit trail, never revealed to the caller.
const deniedMessage = "invalid or missing credentials"

// Identity is the resolved caller of a protected request.
type Identity struct {
	Subject    string
	Role       string
	Scopes     []string
	Credential string
	KeyID      string
}

func (i Identity) HasScope(scope string) bool {
	for _, s := range i.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// KeyIdentity is what an API key resolves to.
type KeyIdentity struct {
	UserID string
	KeyID  string
	Name   string
	Scopes []string
}

// KeyVerifier authenticates presented API key secrets.
type KeyVerifier interface {
	VerifyKey(ctx context.Context, presented string) (KeyIdentity, error)
}

type ctxKey int

const (
	identityContextKey ctxKey = iota
	auditNoteContextKey
)

func WithIdentity(ctx context.Context, identity Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, identity)
}

func IdentityFromContext(ctx context.Context) (Identity, bool) {
	identity, ok := ctx.Value(identityContextKey).(Identity)
	return identity, ok
}

// auditNote collects handler-contributed fields for the single audit record
// the gateway emits per request.
type auditNote struct {
	mu     sync.Mutex
	fields map[string]any
}

// AnnotateAudit attaches a field to the audit record of the current gateway
// request. Outside a gateway-protected request it is a no-op.
func AnnotateAudit(ctx context.Context, key string, value any) {
	note, ok := ctx.Value(auditNoteContextKey).(*auditNote)
	if !ok {
		return
	}
	note.mu.Lock()
	defer note.mu.Unlock()
	note.fields[key] = value
}

// Gateway runs the admission pipeline for protected routes: rate limit,
// credential resolution, scope check, then exactly one audit record for the
// outcome.
type Gateway struct {
	tokens   *TokenService
	keys     KeyVerifier
	limiter  *ratelimit.Limiter
	recorder *audit.Recorder
	now      func() time.Time
}

func NewGateway(tokens *TokenService, keys KeyVerifier, limiter *ratelimit.Limiter, recorder *audit.Recorder) *Gateway {
	return &Gateway{
		tokens:   tokens,
		keys:     keys,
		limiter:  limiter,
		recorder: recorder,
		now:      time.Now,
	}
}

// Protect wraps next with the full admission pipeline. An empty requiredScope
// only authenticates; any non-empty scope must be held exactly.
func (g *Gateway) Protect(requiredScope string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		action := r.Method + " " + r.URL.Path

		allowed, retryAfter := g.limiter.Admit(ip, g.now().UTC())
		if !allowed {
			seconds := int(retryAfter.Seconds())
			g.recorder.Record(r.Context(), "", action, audit.OutcomeRateLimited, ip, map[string]any{
				"retry_after_seconds": seconds,
			})
			w.Header().Set("Retry-After", strconv.Itoa(seconds))
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}

		identity, reason := g.resolve(r)
		if reason != "" {
			g.recorder.Record(r.Context(), "", action, audit.OutcomeFailure, ip, map[string]any{
				"reason": reason,
			})
			writeError(w, http.StatusUnauthorized, deniedMessage)
			return
		}

		if requiredScope != "" && !identity.HasScope(requiredScope) {
			g.recorder.Record(r.Context(), identity.Subject, action, audit.OutcomeFailure, ip, map[string]any{
				"reason":         "insufficient_scope",
				"required_scope": requiredScope,
				"method":         identity.Credential,
			})
			writeError(w, http.StatusForbidden, "insufficient scope")
			return
		}

		note := &auditNote{fields: map[string]any{}}
		ctx := WithIdentity(r.Context(), identity)
		ctx = context.WithValue(ctx, auditNoteContextKey, note)

		recorder := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(recorder, r.WithContext(ctx))

		outcome := audit.OutcomeSuccess
		if recorder.statusCode >= 400 {
			outcome = audit.OutcomeFailure
		}

		note.mu.Lock()
		// Context keys here must not collide with the redaction filter's
		// sensitive-name list, or the values come out masked.
		eventContext := map[string]any{
			"status": recorder.statusCode,
			"method": identity.Credential,
		}
		if requiredScope != "" {
			eventContext["scope"] = requiredScope
		}
		if identity.KeyID != "" {
			eventContext["key_id"] = identity.KeyID
		}
		for key, value := range note.fields {
			eventContext[key] = value
		}
		note.mu.Unlock()

		g.recorder.Record(r.Context(), identity.Subject, action, outcome, ip, eventContext)
	})
}

// resolve authenticates the request from exactly one credential source. A
// bearer token takes precedence when both headers are present. The returned
// reason is empty on success and names the internal failure otherwise.
func (g *Gateway) resolve(r *http.Request) (Identity, string) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			return Identity{}, "malformed_authorization"
		}
		tokenStr := strings.TrimSpace(parts[1])
		if tokenStr == "" {
			return Identity{}, "malformed_authorization"
		}

		claims, err := g.tokens.VerifyAccess(tokenStr)
		if err != nil {
			switch err {
			case ErrTokenExpired:
				return Identity{}, "token_expired"
			default:
				return Identity{}, "invalid_token"
			}
		}

		return Identity{
			Subject:    claims.UserID,
			Role:       claims.Role,
			Scopes:     RoleScopes(claims.Role),
			Credential: CredentialToken,
		}, ""
	}

	if presented := strings.TrimSpace(r.Header.Get("X-API-Key")); presented != "" {
		key, err := g.keys.VerifyKey(r.Context(), presented)
		if err != nil {
			return Identity{}, "api_key_" + keyFailure(err)
		}
		return Identity{
			Subject:    key.UserID,
			Scopes:     key.Scopes,
			Credential: CredentialAPIKey,
			KeyID:      key.KeyID,
		}, ""
	}

	return Identity{}, "missing_credentials"
}

// keyFailure classifies a key verification error for the audit trail without
// depending on the key service's error types.
func keyFailure(err error) string {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "expired"):
		return "expired"
	case strings.Contains(msg, "revoked"):
		return "revoked"
	default:
		return "invalid"
	}
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

func clientIP(r *http.Request) string {
	xForwardedFor := strings.TrimSpace(r.Header.Get("X-Forwarded-For"))
	if xForwardedFor != "" {
		parts := strings.Split(xForwardedFor, ",")
		if len(parts) > 0 {
			ip := strings.TrimSpace(parts[0])
			if ip != "" {
				return ip
			}
		}
	}

	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}

	return "unknown"
}
