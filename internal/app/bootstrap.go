// Package app assembles the whole service: configuration from env, database
// and migrations, the auth/audit/rate-limit pipeline, and the route table.
// Both the serverless entrypoint and cmd/api build the same Runtime.
package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"neo-guardian/internal/apikey"
	"neo-guardian/internal/audit"
	"neo-guardian/internal/auth"
	"neo-guardian/internal/db"
	"neo-guardian/internal/fieldcrypt"
	"neo-guardian/internal/impact"
	"neo-guardian/internal/maintenance"
	"neo-guardian/internal/neo"
	"neo-guardian/internal/observability"
	"neo-guardian/internal/password"
	"neo-guardian/internal/ratelimit"
)

type Options struct {
	LoadDotEnv    bool
	RunMigrations bool
}

type Runtime struct {
	Handler http.Handler
	Close   func() error
}

func Build(options Options) (*Runtime, error) {
	if options.LoadDotEnv {
		_ = godotenv.Load()
	}

	environment := envOrDefault("APP_ENV", "development")
	logger := observability.NewLogger(observability.LoggerConfig{
		Level:       envOrDefault("LOG_LEVEL", "info"),
		Environment: environment,
	})

	databaseURL, err := mustEnv("DATABASE_URL")
	if err != nil {
		return nil, err
	}
	jwtSecret, err := mustEnv("JWT_SECRET")
	if err != nil {
		return nil, err
	}
	fieldKey, err := mustEnv("FIELD_ENCRYPTION_KEY")
	if err != nil {
		return nil, err
	}

	if err := observability.InitSentry(os.Getenv("SENTRY_DSN"), environment); err != nil {
		logger.Error("init_sentry_failed", zap.Error(err))
	}

	ctx := context.Background()

	database, err := db.Open(ctx, databaseURL, db.Pool{
		MaxOpenConns:    envIntOrDefault("DB_MAX_OPEN_CONNS", 10),
		MaxIdleConns:    envIntOrDefault("DB_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: envMinutesOrDefault("DB_CONN_MAX_LIFETIME_MINUTES", 30),
		ConnMaxIdleTime: envMinutesOrDefault("DB_CONN_MAX_IDLE_TIME_MINUTES", 10),
	})
	if err != nil {
		return nil, err
	}

	if options.RunMigrations {
		if err := db.RunMigrations(ctx, database); err != nil {
			_ = database.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
	}

	cipher, err := fieldcrypt.New(fieldKey)
	if err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("init field cipher: %w", err)
	}

	hasher := password.NewHasher(password.Params{
		TimeCost:    uint32(envIntOrDefault("ARGON2_TIME_COST", 3)),
		MemoryKB:    uint32(envIntOrDefault("ARGON2_MEMORY_KB", 64*1024)),
		Parallelism: uint8(envIntOrDefault("ARGON2_PARALLELISM", 4)),
	})

	auditRepo := audit.NewRepository(database)
	recorder := audit.NewRecorder(auditRepo, logger)

	authRepo := auth.NewRepository(database)
	guard := auth.NewGuard(authRepo,
		envIntOrDefault("LOGIN_MAX_ATTEMPTS", 5),
		envMinutesOrDefault("LOGIN_LOCK_MINUTES", 30),
	)
	tokens := auth.NewTokenService(authRepo, jwtSecret)
	tokens.WithTTLs(
		envMinutesOrDefault("ACCESS_TOKEN_TTL_MINUTES", 15),
		envHoursOrDefault("REFRESH_TOKEN_TTL_HOURS", 168),
	)
	authService := auth.NewService(authRepo, guard, tokens, hasher, cipher, logger)
	authHandler := auth.NewHandler(authService, recorder)

	if err := authService.BootstrapAdmin(ctx, os.Getenv("ADMIN_USERNAME"), os.Getenv("ADMIN_PASSWORD"), os.Getenv("ADMIN_EMAIL")); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("bootstrap admin: %w", err)
	}

	keyRepo := apikey.NewRepository(database)
	keyService := apikey.NewService(keyRepo, logger)
	keyHandler := apikey.NewHandler(keyService)

	limiter := ratelimit.New(
		envIntOrDefault("RATE_LIMIT_PER_MINUTE", 60),
		envIntOrDefault("RATE_LIMIT_PER_HOUR", 1000),
	)
	gateway := auth.NewGateway(tokens, keyService, limiter, recorder)

	neoHandler := neo.NewHandler(neo.NewClient(os.Getenv("NASA_API_KEY")))
	impactHandler := impact.NewHandler()
	auditHandler := audit.NewHandler(recorder)

	cleanupHandler := maintenance.NewCleanupHandler(
		authRepo,
		keyRepo,
		logger,
		os.Getenv("CRON_SECRET"),
		envDaysOrDefault("AUTH_FAMILY_RETENTION_DAYS", 14),
		envDaysOrDefault("AUTH_LOGIN_ATTEMPT_RETENTION_DAYS", 30),
		envDaysOrDefault("APIKEY_RETENTION_DAYS", 30),
		envIntOrDefault("AUTH_CLEANUP_BATCH_SIZE", 500),
	)

	mux := http.NewServeMux()

	// Public surface. Credential endpoints sit behind the same sliding-window
	// limiter as the protected routes so lockout probing is throttled too.
	mux.Handle("POST /auth/register", limiter.Middleware(http.HandlerFunc(authHandler.Register)))
	mux.Handle("POST /auth/login", limiter.Middleware(http.HandlerFunc(authHandler.Login)))
	mux.Handle("POST /auth/refresh", limiter.Middleware(http.HandlerFunc(authHandler.Refresh)))
	mux.Handle("POST /auth/logout", limiter.Middleware(http.HandlerFunc(authHandler.Logout)))
	mux.HandleFunc("GET /health", healthHandler(database))
	mux.HandleFunc("GET /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.HandleFunc("POST /internal/maintenance/cleanup", cleanupHandler.Handle)

	// Authenticated, any scope. Key management additionally requires a session
	// inside the handlers; keys cannot mint keys.
	mux.Handle("POST /auth/change-password", gateway.Protect("", http.HandlerFunc(authHandler.ChangePassword)))
	mux.Handle("GET /auth/me", gateway.Protect("", http.HandlerFunc(authHandler.Me)))
	mux.Handle("POST /apikeys", gateway.Protect("", http.HandlerFunc(keyHandler.Create)))
	mux.Handle("GET /apikeys", gateway.Protect("", http.HandlerFunc(keyHandler.List)))
	mux.Handle("DELETE /apikeys/{id}", gateway.Protect("", http.HandlerFunc(keyHandler.Revoke)))
	mux.Handle("POST /apikeys/{id}/regenerate", gateway.Protect("", http.HandlerFunc(keyHandler.Regenerate)))

	// Read scope.
	mux.Handle("GET /neo/feed", gateway.Protect(auth.ScopeRead, http.HandlerFunc(neoHandler.Feed)))
	mux.Handle("GET /neo/today", gateway.Protect(auth.ScopeRead, http.HandlerFunc(neoHandler.Today)))
	mux.Handle("GET /neo/hazardous", gateway.Protect(auth.ScopeRead, http.HandlerFunc(neoHandler.Hazardous)))
	mux.Handle("GET /neo/{id}", gateway.Protect(auth.ScopeRead, http.HandlerFunc(neoHandler.Lookup)))
	mux.Handle("GET /neo/{id}/analysis", gateway.Protect(auth.ScopeRead, http.HandlerFunc(neoHandler.Analyze)))
	mux.Handle("GET /impact/historical", gateway.Protect(auth.ScopeRead, http.HandlerFunc(impactHandler.Historical)))
	mux.Handle("GET /impact/historical/{name}", gateway.Protect(auth.ScopeRead, http.HandlerFunc(impactHandler.HistoricalDetail)))
	mux.Handle("GET /impact/historical/{name}/simulate", gateway.Protect(auth.ScopeRead, http.HandlerFunc(impactHandler.SimulateHistorical)))

	// Write scope.
	mux.Handle("POST /impact/simulate", gateway.Protect(auth.ScopeWrite, http.HandlerFunc(impactHandler.Simulate)))
	mux.Handle("GET /impact/compare", gateway.Protect(auth.ScopeWrite, http.HandlerFunc(impactHandler.Compare)))

	// Admin scope.
	mux.Handle("GET /audit", gateway.Protect(auth.ScopeAdmin, http.HandlerFunc(auditHandler.List)))

	handler := observability.RecoverMiddleware(logger,
		observability.RequestIDMiddleware(
			observability.RequestLoggingMiddleware(logger,
				observability.SecurityHeadersMiddleware(mux))))

	return &Runtime{
		Handler: handler,
		Close: func() error {
			observability.FlushSentry()
			_ = logger.Sync()
			return database.Close()
		},
	}, nil
}

func healthHandler(database *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		body := map[string]any{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)}
		if err := database.PingContext(ctx); err != nil {
			status = http.StatusServiceUnavailable
			body = map[string]any{"status": "degraded", "time": time.Now().UTC().Format(time.RFC3339)}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}
}

func mustEnv(name string) (string, error) {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return "", fmt.Errorf("missing required env: %s", name)
	}
	return value, nil
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func envIntOrDefault(name string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func envMinutesOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Minute
}

func envHoursOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Hour
}

func envDaysOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * 24 * time.Hour
}

func EnvBoolOrDefault(name string, fallback bool) bool {
	value := strings.TrimSpace(strings.ToLower(os.Getenv(name)))
	if value == "" {
		return fallback
	}

	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}
