package http

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/artpar/usagegate/adapters/hasher"
	"github.com/artpar/usagegate/app"
	"github.com/artpar/usagegate/domain/webhook"
	"github.com/artpar/usagegate/ports"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// AdminHandler serves the operator API.
type AdminHandler struct {
	webhooks  *app.WebhookProcessor
	rateLimit *app.RateLimitService
	verifier  ports.TokenVerifier
	logger    zerolog.Logger
}

// NewAdminHandler creates the operator API handler. token is plaintext or a
// bcrypt hash; an empty token disables every admin endpoint.
func NewAdminHandler(webhooks *app.WebhookProcessor, rateLimit *app.RateLimitService, token string, logger zerolog.Logger) *AdminHandler {
	return &AdminHandler{webhooks: webhooks, rateLimit: rateLimit, verifier: hasher.ForSecret(token), logger: logger}
}

// Router returns the admin router.
func (h *AdminHandler) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(h.AuthMiddleware)

	r.Get("/webhooks/dead-letter", h.ListDeadLetters)
	r.Get("/webhooks/{eventID}", h.GetEvent)
	r.Post("/webhooks/{eventID}/replay", h.Replay)

	r.Get("/suspensions", h.ListSuspensions)
	r.Delete("/suspensions/{identifier}", h.LiftSuspension)
	return r
}

// AuthMiddleware requires "Authorization: Bearer <token>" or X-Admin-Token.
func (h *AdminHandler) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.verifier == nil {
			writeError(w, http.StatusForbidden, "admin_disabled", "admin API is not configured")
			return
		}

		token := r.Header.Get("X-Admin-Token")
		if auth := r.Header.Get("Authorization"); token == "" && strings.HasPrefix(auth, "Bearer ") {
			token = strings.TrimPrefix(auth, "Bearer ")
		}
		if token == "" || !h.verifier.Verify(token) {
			h.logger.Warn().Str("path", r.URL.Path).Msg("admin request rejected")
			writeError(w, http.StatusUnauthorized, "unauthorized", "valid admin token required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// EventResponse is a stored webhook event.
type EventResponse struct {
	EventID       string     `json:"event_id"`
	Type          string     `json:"type"`
	State         string     `json:"state"`
	Processed     bool       `json:"processed"`
	Attempts      int        `json:"attempts"`
	LastError     string     `json:"last_error,omitempty"`
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	ProcessedAt   *time.Time `json:"processed_at,omitempty"`
}

func (h *AdminHandler) eventResponse(ev webhook.Event) EventResponse {
	return EventResponse{
		EventID:       ev.EventID,
		Type:          ev.Type,
		State:         string(webhook.StateOf(ev, h.webhooks.RetryPolicy())),
		Processed:     ev.Processed,
		Attempts:      ev.Attempts,
		LastError:     ev.LastError,
		NextAttemptAt: ev.NextAttemptAt,
		CreatedAt:     ev.CreatedAt,
		ProcessedAt:   ev.ProcessedAt,
	}
}

// ListDeadLetters returns events that exhausted their retries.
func (h *AdminHandler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if s := r.URL.Query().Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			limit = n
		}
	}

	list, err := h.webhooks.ListDeadLettered(r.Context(), limit)
	if err != nil {
		writeErr(w, err)
		return
	}
	out := make([]EventResponse, 0, len(list))
	for _, ev := range list {
		out = append(out, h.eventResponse(ev))
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": out, "count": len(out)})
}

// GetEvent returns one stored event.
func (h *AdminHandler) GetEvent(w http.ResponseWriter, r *http.Request) {
	ev, err := h.webhooks.Get(r.Context(), chi.URLParam(r, "eventID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.eventResponse(ev))
}

// Replay resets an event's attempts and processes it now.
func (h *AdminHandler) Replay(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventID")
	res, err := h.webhooks.Replay(r.Context(), eventID)
	if err != nil {
		writeErr(w, err)
		return
	}
	h.logger.Info().Str("event_id", eventID).Str("status", string(res.Status)).Msg("webhook replayed by operator")
	writeJSON(w, http.StatusOK, WebhookResponse{
		Received: true,
		EventID:  res.EventID,
		Status:   string(res.Status),
		Attempts: res.Attempts,
	})
}

// SuspensionResponse is an active suspension.
type SuspensionResponse struct {
	Identifier     string    `json:"identifier"`
	Reason         string    `json:"reason"`
	Severity       string    `json:"severity"`
	CreatedAt      time.Time `json:"created_at"`
	ExpiresAt      time.Time `json:"expires_at"`
	RequiresReview bool      `json:"requires_review"`
}

// ListSuspensions returns suspensions in effect.
func (h *AdminHandler) ListSuspensions(w http.ResponseWriter, r *http.Request) {
	list, err := h.rateLimit.Suspensions(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	out := make([]SuspensionResponse, 0, len(list))
	for _, s := range list {
		out = append(out, SuspensionResponse{
			Identifier:     s.Identifier,
			Reason:         string(s.Reason),
			Severity:       string(s.Severity),
			CreatedAt:      s.CreatedAt,
			ExpiresAt:      s.ExpiresAt,
			RequiresReview: s.RequiresReview,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": out, "count": len(out)})
}

// LiftSuspension ends a suspension early.
func (h *AdminHandler) LiftSuspension(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "identifier")
	if err := h.rateLimit.Lift(r.Context(), id); err != nil {
		writeErr(w, err)
		return
	}
	h.logger.Info().Str("identifier", id).Msg("suspension lifted by operator")
	w.WriteHeader(http.StatusNoContent)
}
