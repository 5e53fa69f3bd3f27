package api

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/V4T54L/mod-gate/internal/adapter/api/handler"
	"github.com/V4T54L/mod-gate/internal/adapter/api/middleware"
)

// NewRouter wires every endpoint of the moderation service onto one mux.
// Route patterns use the Go 1.22+ method and wildcard syntax.
func NewRouter(
	logger *slog.Logger,
	moderate *handler.ModerateHandler,
	ops *handler.OpsHandler,
	sessions *handler.SessionHandler,
) http.Handler {
	mux := http.NewServeMux()

	// Moderation pipeline
	mux.HandleFunc("POST /moderate", moderate.Moderate)
	mux.HandleFunc("POST /filter", moderate.Filter)
	mux.HandleFunc("POST /decide", moderate.Decide)

	// Live sessions
	mux.Handle("GET /ws", sessions)

	// Operational surface
	mux.HandleFunc("GET /health", ops.HealthCheck)
	mux.HandleFunc("GET /templates", ops.ListTemplates)
	mux.HandleFunc("GET /patterns", ops.ListPatterns)
	mux.HandleFunc("GET /users/{id}/violations", ops.UserViolations)
	mux.Handle("GET /metrics", promhttp.Handler())

	return middleware.Logging(logger)(mux)
}
