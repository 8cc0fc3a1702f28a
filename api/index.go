// Package api is the serverless entrypoint. The runtime is built once per
// cold start and reused across invocations.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"

	"neo-guardian/internal/app"
)

var (
	bootstrapOnce sync.Once
	apiRuntime    *app.Runtime
	bootstrapErr  error
)

// Handler serves every invocation. A failed bootstrap is remembered so
// subsequent invocations answer immediately instead of rebuilding.
func Handler(w http.ResponseWriter, r *http.Request) {
	bootstrapOnce.Do(bootstrap)

	if bootstrapErr != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "application bootstrap failed"})
		return
	}

	apiRuntime.Handler.ServeHTTP(w, r)
}

func bootstrap() {
	apiRuntime, bootstrapErr = app.Build(app.Options{
		LoadDotEnv:    false,
		RunMigrations: app.EnvBoolOrDefault("RUN_MIGRATIONS_ON_STARTUP", false),
	})
	if bootstrapErr != nil {
		// The platform captures stderr; without this the only signal is a 500.
		fmt.Fprintf(os.Stderr, "bootstrap failed: %v\n", bootstrapErr)
	}
}
