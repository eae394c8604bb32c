package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"civreg/internal/payload"
	"civreg/internal/subscription"
	dErrors "civreg/pkg/domain-errors"
	"civreg/pkg/platform/httputil"
	"civreg/pkg/requestcontext"
)

type Service interface {
	Subscribe(ctx context.Context, topic payload.Topic) (*subscription.Subscription, error)
	Cancel(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, activeOnly bool) ([]*subscription.Subscription, error)
}

// Handler serves the operator subscription routes. They expect the admin
// middleware to have run.
type Handler struct {
	service Service
	logger  *slog.Logger
}

func New(service Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

func (h *Handler) Register(r chi.Router) {
	r.Post("/subscriptions", h.handleSubscribe)
	r.Get("/subscriptions", h.handleList)
	r.Delete("/subscriptions/{id}", h.handleCancel)
}

type subscribeRequest struct {
	Topic string `json:"topic"`
}

type subscriptionResponse struct {
	UUID        uuid.UUID  `json:"uuid"`
	Topic       string     `json:"topic"`
	CreatedBy   string     `json:"created_by"`
	CreatedAt   time.Time  `json:"created_at"`
	Active      bool       `json:"active"`
	CancelledBy string     `json:"cancelled_by,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
}

func toResponse(sub *subscription.Subscription) subscriptionResponse {
	return subscriptionResponse{
		UUID:        sub.UUID,
		Topic:       string(sub.Topic),
		CreatedBy:   sub.CreatedBy,
		CreatedAt:   sub.CreatedAt,
		Active:      sub.Active,
		CancelledBy: sub.CancelledBy,
		CancelledAt: sub.CancelledAt,
	}
}

func (h *Handler) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req, err := httputil.DecodeJSON[subscribeRequest](r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if req.Topic == "" {
		httputil.WriteError(w, dErrors.New(dErrors.CodeValidation, "topic is required"))
		return
	}

	sub, err := h.service.Subscribe(ctx, payload.Topic(req.Topic))
	if err != nil {
		h.logger.WarnContext(ctx, "subscribe failed",
			"request_id", requestcontext.RequestID(ctx),
			"topic", req.Topic,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, toResponse(sub))
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "subscription id must be a UUID"))
		return
	}
	if err := h.service.Cancel(ctx, id); err != nil {
		h.logger.WarnContext(ctx, "unsubscribe failed",
			"request_id", requestcontext.RequestID(ctx),
			"subscription", id,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleList serves GET /subscriptions; ?active=false includes cancelled ones.
func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	activeOnly := true
	if raw := r.URL.Query().Get("active"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "active must be a boolean"))
			return
		}
		activeOnly = v
	}
	subs, err := h.service.List(r.Context(), activeOnly)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	out := make([]subscriptionResponse, 0, len(subs))
	for _, sub := range subs {
		out = append(out, toResponse(sub))
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"subscriptions": out})
}
