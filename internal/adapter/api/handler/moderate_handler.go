package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/V4T54L/mod-gate/internal/adapter/pii"
	"github.com/V4T54L/mod-gate/internal/domain"
)

// maxRequestBytes caps a single ingress payload. A capped message body
// plus a bounded metadata map fits well under this.
const maxRequestBytes = 64 * 1024

// Moderator runs one message through the full pipeline.
type Moderator interface {
	Process(ctx context.Context, msg domain.IncomingMessage, templateName string) domain.ProcessedEvent
}

// Screener runs the deterministic pre-screen alone.
type Screener interface {
	Check(ctx context.Context, msg domain.IncomingMessage) domain.FilterOutcome
}

// Decider applies policy and side effects to a pre-made verdict.
type Decider interface {
	Decide(ctx context.Context, msg domain.IncomingMessage, outcome domain.FilterOutcome, verdict domain.ModerationVerdict, startedAt time.Time) domain.ProcessedEvent
}

// TemplateResolver checks requested template names against the
// server-side allowlist.
type TemplateResolver interface {
	Get(name string) (domain.PromptTemplate, error)
}

// ModerateHandler serves the moderation endpoints: the full pipeline,
// the filter-only probe, and verdict replay.
type ModerateHandler struct {
	moderator Moderator
	screener  Screener
	decider   Decider
	templates TemplateResolver
	redactor  *pii.Redactor
	logger    *slog.Logger
	deadline  time.Duration
}

// NewModerateHandler creates a new ModerateHandler.
func NewModerateHandler(
	moderator Moderator,
	screener Screener,
	decider Decider,
	templates TemplateResolver,
	redactor *pii.Redactor,
	logger *slog.Logger,
	deadline time.Duration,
) *ModerateHandler {
	return &ModerateHandler{
		moderator: moderator,
		screener:  screener,
		decider:   decider,
		templates: templates,
		redactor:  redactor,
		logger:    logger,
		deadline:  deadline,
	}
}

// messageRequest is the JSON envelope shared by the moderation
// endpoints. MessageID is optional; ingress mints one when absent.
type messageRequest struct {
	MessageID    string            `json:"message_id"`
	Message      string            `json:"message"`
	UserID       string            `json:"user_id"`
	Username     string            `json:"username"`
	ChannelID    string            `json:"channel_id"`
	Timestamp    time.Time         `json:"timestamp"`
	TemplateName string            `json:"template_name"`
	Metadata     map[string]string `json:"metadata"`
}

func (req *messageRequest) validate() error {
	if strings.TrimSpace(req.UserID) == "" {
		return errors.New("user_id is required")
	}
	if strings.TrimSpace(req.ChannelID) == "" {
		return errors.New("channel_id is required")
	}
	if len(req.Metadata) > domain.MaxMetadataEntries {
		return fmt.Errorf("metadata exceeds %d entries", domain.MaxMetadataEntries)
	}
	return nil
}

func (req *messageRequest) toDomain() domain.IncomingMessage {
	return domain.IncomingMessage{
		ID:        req.MessageID,
		UserID:    req.UserID,
		Username:  req.Username,
		ChannelID: req.ChannelID,
		Body:      req.Message,
		Timestamp: req.Timestamp,
		Metadata:  req.Metadata,
	}
}

// Moderate handles POST /moderate: the full pipeline for one message.
func (h *ModerateHandler) Moderate(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := req.validate(); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	// Template selection is a fixed server-side allowlist; an unknown
	// name is a caller bug, not content to adjudicate.
	if req.TemplateName != "" {
		if _, err := h.templates.Get(req.TemplateName); err != nil {
			h.respondWithError(w, http.StatusInternalServerError, "unknown template: "+req.TemplateName)
			return
		}
	}

	msg := req.toDomain()
	h.redactor.Scrub(&msg)

	ctx, cancel := context.WithTimeout(r.Context(), h.deadline)
	defer cancel()

	event := h.moderator.Process(ctx, msg, req.TemplateName)
	h.respondWithJSON(w, http.StatusOK, event)
}

// Filter handles POST /filter: the deterministic pre-screen without the
// LLM leg or any side effects.
func (h *ModerateHandler) Filter(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := req.validate(); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	msg := req.toDomain()
	h.redactor.Scrub(&msg)

	outcome := h.screener.Check(r.Context(), msg)
	h.respondWithJSON(w, http.StatusOK, outcome)
}

// decideRequest carries a message envelope plus a pre-made verdict for
// replay through the decision handler.
type decideRequest struct {
	Message       messageRequest        `json:"message"`
	Verdict       verdictRequest        `json:"verdict"`
	FilterOutcome *domain.FilterOutcome `json:"filter_outcome"`
}

type verdictRequest struct {
	Decision   string   `json:"decision"`
	Confidence float64  `json:"confidence"`
	Reasoning  string   `json:"reasoning"`
	Categories []string `json:"categories"`
}

// Decide handles POST /decide: policy evaluation and side effects for a
// verdict produced elsewhere.
func (h *ModerateHandler) Decide(w http.ResponseWriter, r *http.Request) {
	var req decideRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := req.Message.validate(); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	decision, ok := domain.ParseDecision(req.Verdict.Decision)
	if !ok {
		h.respondWithError(w, http.StatusBadRequest, "unknown decision: "+req.Verdict.Decision)
		return
	}
	if req.Verdict.Confidence < 0 || req.Verdict.Confidence > 1 {
		h.respondWithError(w, http.StatusBadRequest, "confidence must be between 0 and 1")
		return
	}

	msg := req.Message.toDomain()
	h.redactor.Scrub(&msg)

	// A replayed verdict without filter context counts as a clean pass.
	outcome := domain.FilterOutcome{ShouldProcess: true, Decision: domain.FilterPass}
	if req.FilterOutcome != nil {
		outcome = *req.FilterOutcome
	}
	verdict := domain.ModerationVerdict{
		Decision:   decision,
		Confidence: req.Verdict.Confidence,
		Reasoning:  req.Verdict.Reasoning,
		Categories: req.Verdict.Categories,
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.deadline)
	defer cancel()

	event := h.decider.Decide(ctx, msg, outcome, verdict, time.Now())
	h.respondWithJSON(w, http.StatusOK, event)
}

// decode reads a bounded, strictly-shaped JSON body. A false return
// means the 400 has already been written.
func (h *ModerateHandler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func (h *ModerateHandler) respondWithError(w http.ResponseWriter, code int, message string) {
	h.respondWithJSON(w, code, map[string]string{"error": message})
}

func (h *ModerateHandler) respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
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
