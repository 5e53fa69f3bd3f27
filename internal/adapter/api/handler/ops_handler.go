package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/V4T54L/mod-gate/internal/adapter/llm"
	"github.com/V4T54L/mod-gate/internal/adapter/pattern"
	"github.com/V4T54L/mod-gate/internal/domain"
)

// probeTimeout bounds each dependency check on the health endpoint.
const probeTimeout = 2 * time.Second

// TemplateSource serves the template allowlist views.
type TemplateSource interface {
	List() []domain.TemplateInfo
	Version() string
}

// PatternSource reports the active rule configuration.
type PatternSource interface {
	Info() []pattern.RuleSetInfo
	Version() string
}

// HistorySource reads a user's recent violation record.
type HistorySource interface {
	Recent(ctx context.Context, userID string, window time.Duration) ([]domain.UserViolation, error)
	Counts(ctx context.Context, userID string, window time.Duration) (domain.ViolationCounts, error)
}

// BreakerState exposes the LLM circuit state.
type BreakerState interface {
	State() llm.State
}

// SubscriberCounter reports live session-hub subscriptions.
type SubscriberCounter interface {
	Subscribers() int
}

// SimulatorStatus reports whether the traffic simulator is running.
type SimulatorStatus interface {
	Running() bool
}

// DependencyProbe checks one external dependency's reachability.
type DependencyProbe func(ctx context.Context) error

// OpsHandler serves the operational endpoints: health, template and
// pattern listings, and per-user violation history.
type OpsHandler struct {
	templates TemplateSource
	patterns  PatternSource
	history   HistorySource
	breaker   BreakerState
	hub       SubscriberCounter
	sim       SimulatorStatus
	probes    map[string]DependencyProbe
	logger    *slog.Logger
}

// NewOpsHandler creates a new OpsHandler. probes maps a dependency name
// to its reachability check; nil disables dependency probing.
func NewOpsHandler(
	templates TemplateSource,
	patterns PatternSource,
	history HistorySource,
	breaker BreakerState,
	hub SubscriberCounter,
	sim SimulatorStatus,
	probes map[string]DependencyProbe,
	logger *slog.Logger,
) *OpsHandler {
	return &OpsHandler{
		templates: templates,
		patterns:  patterns,
		history:   history,
		breaker:   breaker,
		hub:       hub,
		sim:       sim,
		probes:    probes,
		logger:    logger,
	}
}

type healthResponse struct {
	Status          string            `json:"status"`
	BreakerState    string            `json:"breaker_state"`
	Subscribers     int               `json:"subscribers"`
	SimulatorOn     bool              `json:"simulator_running"`
	TemplateVersion string            `json:"template_version"`
	PatternVersion  string            `json:"pattern_version"`
	Dependencies    map[string]string `json:"dependencies,omitempty"`
}

// HealthCheck handles GET /health: process liveness plus a snapshot of
// the moving parts a responder wants first.
func (h *OpsHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:          "ok",
		BreakerState:    h.breaker.State().String(),
		Subscribers:     h.hub.Subscribers(),
		SimulatorOn:     h.sim.Running(),
		TemplateVersion: h.templates.Version(),
		PatternVersion:  h.patterns.Version(),
	}

	if len(h.probes) > 0 {
		resp.Dependencies = make(map[string]string, len(h.probes))
		for name, probe := range h.probes {
			ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
			err := probe(ctx)
			cancel()
			if err != nil {
				resp.Status = "degraded"
				resp.Dependencies[name] = err.Error()
				continue
			}
			resp.Dependencies[name] = "ok"
		}
	}

	h.respondWithJSON(w, http.StatusOK, resp)
}

// ListTemplates handles GET /templates.
func (h *OpsHandler) ListTemplates(w http.ResponseWriter, r *http.Request) {
	h.respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"version":   h.templates.Version(),
		"templates": h.templates.List(),
	})
}

// ListPatterns handles GET /patterns.
func (h *OpsHandler) ListPatterns(w http.ResponseWriter, r *http.Request) {
	h.respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"version":   h.patterns.Version(),
		"rule_sets": h.patterns.Info(),
	})
}

// UserViolations handles GET /users/{id}/violations. The optional
// window query parameter takes a Go duration (default 24h).
func (h *OpsHandler) UserViolations(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("id")
	if userID == "" {
		http.Error(w, "user id is required", http.StatusBadRequest)
		return
	}

	window := 24 * time.Hour
	if raw := r.URL.Query().Get("window"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			http.Error(w, "window must be a positive duration", http.StatusBadRequest)
			return
		}
		window = parsed
	}

	violations, err := h.history.Recent(r.Context(), userID, window)
	if err != nil {
		h.logger.Error("failed to read violation history", "user_id", userID, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	counts, err := h.history.Counts(r.Context(), userID, window)
	if err != nil {
		h.logger.Error("failed to count violations", "user_id", userID, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	h.respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"user_id":    userID,
		"window":     window.String(),
		"violations": violations,
		"counts":     counts,
	})
}

func (h *OpsHandler) respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error("failed to marshal JSON response", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("Internal Server Error"))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}
