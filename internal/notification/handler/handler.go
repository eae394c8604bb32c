package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"civreg/internal/notification"
	dErrors "civreg/pkg/domain-errors"
	"civreg/pkg/platform/httputil"
	pstrings "civreg/pkg/platform/strings"
	"civreg/pkg/requestcontext"
)

// Service is the subset of the dispatcher the routes need.
type Service interface {
	Receive(ctx context.Context, raw []byte) (*notification.Outcome, error)
	Replay(ctx context.Context, id uuid.UUID) (*notification.Outcome, error)
	List(ctx context.Context, statuses []notification.Status, limit int) ([]*notification.Event, error)
}

// Handler serves the registry webhook and the event inspection routes.
type Handler struct {
	service Service
	logger  *slog.Logger
}

func New(service Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// Register mounts the webhook. It takes no credentials.
func (h *Handler) Register(r chi.Router) {
	r.Post("/webhook", h.handleWebhook)
}

// RegisterAdmin mounts the event inspection routes, which belong behind the
// admin middleware.
func (h *Handler) RegisterAdmin(r chi.Router) {
	r.Get("/events", h.handleListEvents)
	r.Post("/events/{id}/replay", h.handleReplay)
}

// webhookResponse mirrors the envelope the registry expects back.
type webhookResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
	Code    int    `json:"code"`
}

// handleWebhook accepts one registry event. The registry sends its own
// bearer token, which is not validated here. Every answer is HTTP 200 with
// the outcome in the envelope code; the registry treats non-2xx as a failed
// delivery and would redeliver rejected events forever.
func (h *Handler) handleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	raw, err := httputil.ReadBody(r)
	if err != nil {
		writeWebhook(w, http.StatusBadRequest, err.Error(), string(raw))
		return
	}

	outcome, err := h.service.Receive(ctx, raw)
	switch {
	case err == nil && outcome.Status == notification.StatusInvalid:
		writeWebhook(w, http.StatusBadRequest, outcome.Message, json.RawMessage(raw))
	case err == nil:
		httputil.WriteJSON(w, http.StatusOK, webhookResponse{Status: "ok", Code: http.StatusOK})
	case outcome == nil:
		h.logger.WarnContext(ctx, "unreadable registry event",
			"request_id", requestcontext.RequestID(ctx),
			"error", err,
		)
		writeWebhook(w, http.StatusBadRequest, err.Error(), string(raw))
	default:
		var failure *notification.Failure
		code := http.StatusInternalServerError
		if errors.As(err, &failure) {
			code = http.StatusBadRequest
		}
		writeWebhook(w, code, err.Error(), json.RawMessage(raw))
	}
}

func writeWebhook(w http.ResponseWriter, code int, message string, data any) {
	httputil.WriteJSON(w, http.StatusOK, webhookResponse{
		Status:  "error",
		Message: message,
		Data:    data,
		Code:    code,
	})
}

type eventResponse struct {
	ID          uuid.UUID       `json:"id"`
	Topic       string          `json:"topic"`
	Operation   string          `json:"operation"`
	Context     string          `json:"context"`
	Status      string          `json:"status"`
	Message     string          `json:"message,omitempty"`
	Payload     json.RawMessage `json:"payload"`
	ReceivedAt  time.Time       `json:"received_at"`
	ProcessedAt *time.Time      `json:"processed_at,omitempty"`
}

// handleListEvents serves GET /events?status=ERROR,INVALID&limit=50.
func (h *Handler) handleListEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var statuses []notification.Status
	for _, s := range pstrings.DedupeAndTrimUpper(pstrings.SplitList(r.URL.Query().Get("status"))) {
		statuses = append(statuses, notification.Status(s))
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "limit must be a non-negative integer"))
			return
		}
		limit = n
	}

	events, err := h.service.List(ctx, statuses, limit)
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to list events", "error", err)
		httputil.WriteError(w, err)
		return
	}
	out := make([]eventResponse, 0, len(events))
	for _, ev := range events {
		out = append(out, eventResponse{
			ID:          ev.ID,
			Topic:       string(ev.Topic),
			Operation:   string(ev.Operation),
			Context:     ev.Context,
			Status:      string(ev.Status),
			Message:     ev.Message,
			Payload:     ev.Payload,
			ReceivedAt:  ev.ReceivedAt,
			ProcessedAt: ev.ProcessedAt,
		})
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"events": out})
}

func (h *Handler) handleReplay(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "event id must be a UUID"))
		return
	}
	outcome, err := h.service.Replay(ctx, id)
	if outcome == nil {
		httputil.WriteError(w, err)
		return
	}
	// The replay itself was recorded; its outcome is the response either way.
	if err != nil {
		h.logger.WarnContext(ctx, "replayed event failed again",
			"event_id", id,
			"replay_id", outcome.EventID,
			"error", err,
		)
	}
	httputil.WriteJSON(w, http.StatusOK, outcome)
}
