// Package http provides the HTTP surface: webhook intake, quota and rate
// limit checks, health reporting and the operator API.
package http

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/artpar/usagegate/app"
	"github.com/artpar/usagegate/domain/errs"
	"github.com/artpar/usagegate/domain/plan"
	"github.com/artpar/usagegate/domain/quota"
	"github.com/artpar/usagegate/domain/ratelimit"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// MaxWebhookBody bounds inbound webhook payloads.
const MaxWebhookBody = 1 << 20

// DefaultSignatureHeader is the header carrying the provider signature.
const DefaultSignatureHeader = "Stripe-Signature"

// Handler serves the public API.
type Handler struct {
	quota           *app.QuotaService
	rateLimit       *app.RateLimitService
	webhooks        *app.WebhookProcessor
	health          *app.HealthMonitor
	signatureHeader string
	logger          zerolog.Logger
	now             func() time.Time
}

// Deps contains dependencies for Handler.
type Deps struct {
	Quota           *app.QuotaService
	RateLimit       *app.RateLimitService
	Webhooks        *app.WebhookProcessor
	Health          *app.HealthMonitor
	SignatureHeader string
	Logger          zerolog.Logger
	Now             func() time.Time
}

// NewHandler creates the API handler.
func NewHandler(deps Deps) *Handler {
	h := &Handler{
		quota:           deps.Quota,
		rateLimit:       deps.RateLimit,
		webhooks:        deps.Webhooks,
		health:          deps.Health,
		signatureHeader: deps.SignatureHeader,
		logger:          deps.Logger,
		now:             deps.Now,
	}
	if h.signatureHeader == "" {
		h.signatureHeader = DefaultSignatureHeader
	}
	if h.now == nil {
		h.now = time.Now
	}
	return h
}

// -----------------------------------------------------------------------------
// Webhooks
// -----------------------------------------------------------------------------

// WebhookResponse acknowledges a delivery.
type WebhookResponse struct {
	Received bool   `json:"received"`
	EventID  string `json:"event_id"`
	Status   string `json:"status"`
	Attempts int    `json:"attempts"`
}

// ReceiveWebhook verifies, records and processes one provider delivery.
// Any response other than 2xx makes the provider redeliver, so a handler
// failure after the event is recorded still returns 200.
func (h *Handler) ReceiveWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, MaxWebhookBody+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable_body", "failed to read request body")
		return
	}
	if len(body) > MaxWebhookBody {
		writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "payload exceeds 1 MiB")
		return
	}

	res, err := h.webhooks.Intake(r.Context(), body, r.Header.Get(h.signatureHeader))
	if err != nil {
		if errs.KindOf(err) == errs.KindTransientDependency {
			// 5xx so the provider retries the delivery.
			writeError(w, http.StatusInternalServerError, errs.CodeOf(err), errs.MessageOf(err))
			return
		}
		writeErr(w, err)
		return
	}

	writeJSON(w, http.StatusOK, WebhookResponse{
		Received: true,
		EventID:  res.EventID,
		Status:   string(res.Status),
		Attempts: res.Attempts,
	})
}

// -----------------------------------------------------------------------------
// Quota
// -----------------------------------------------------------------------------

// QuotaRequest asks to reserve (or release) usage. A rollback may carry the
// period_start returned by the check to release that period's counter.
type QuotaRequest struct {
	UserID      string     `json:"user_id"`
	ActionType  string     `json:"action_type"`
	Amount      *int64     `json:"amount,omitempty"`
	PeriodStart *time.Time `json:"period_start,omitempty"`
}

// QuotaResponse is the result of a quota check.
type QuotaResponse struct {
	Allowed      bool    `json:"allowed"`
	CurrentUsage int64   `json:"current_usage"`
	Limit        int64   `json:"limit"`
	Percentage   float64 `json:"percentage"`
	Remaining    int64   `json:"remaining"`
	Warning      string  `json:"warning,omitempty"`
	Reason       string  `json:"reason,omitempty"`
	Message      string  `json:"message,omitempty"`
	// PeriodStart identifies the charged counter; set only when usage was reserved.
	PeriodStart *time.Time `json:"period_start,omitempty"`
}

var actionResources = map[string]plan.Resource{
	"conversion":    plan.ResourceConversions,
	"conversions":   plan.ResourceConversions,
	"api_call":      plan.ResourceAPICalls,
	"api_calls":     plan.ResourceAPICalls,
	"storage":       plan.ResourceStorageBytes,
	"storage_bytes": plan.ResourceStorageBytes,
	"upload":        plan.ResourceStorageBytes,
}

func decodeQuotaRequest(r *http.Request) (QuotaRequest, plan.Resource, int64, error) {
	var req QuotaRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(&req); err != nil {
		return req, "", 0, errs.Validation("invalid_json", "http.decode", "request body must be JSON")
	}
	res, ok := actionResources[strings.ToLower(req.ActionType)]
	if !ok {
		return req, "", 0, errs.Validation("invalid_resource_type", "http.decode", "unknown action_type "+req.ActionType)
	}
	amount := int64(1)
	if req.Amount != nil {
		amount = *req.Amount
	}
	return req, res, amount, nil
}

// CheckQuota reserves usage when it fits under the user's limit. The
// conversion rate limit is keyed on the user being charged, and the
// caller's IP limit applies as well.
func (h *Handler) CheckQuota(w http.ResponseWriter, r *http.Request) {
	req, resource, amount, err := decodeQuotaRequest(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		writeErr(w, errs.Validation("invalid_user", "http.quota", "user_id is required"))
		return
	}

	ip := clientIP(r)
	limit := ratelimit.Request{
		Identifier: ratelimit.UserIdentifier(req.UserID),
		Class:      ratelimit.ClassConversion,
		UserID:     req.UserID,
		IP:         ip,
	}
	if !enforceRateLimit(w, r, h.rateLimit, limit, h.logger) {
		return
	}

	d, err := h.quota.CheckAndReserve(r.Context(), req.UserID, resource, amount)
	if err != nil {
		writeErr(w, err)
		return
	}

	status := http.StatusOK
	if !d.Allowed {
		status = http.StatusTooManyRequests
	}
	writeJSON(w, status, quotaResponse(d))
}

func quotaResponse(d quota.Decision) QuotaResponse {
	resp := QuotaResponse{
		Allowed:      d.Allowed,
		CurrentUsage: d.CurrentUsage,
		Limit:        d.Limit,
		Percentage:   d.Percentage,
		Remaining:    d.Remaining,
		Reason:       d.Reason,
		Message:      d.Message,
	}
	if d.Warning != quota.WarningNone {
		resp.Warning = d.Warning.String()
	}
	if d.Reserved() {
		start := d.Key.PeriodStart
		resp.PeriodStart = &start
	}
	return resp
}

// RollbackQuota releases a reservation for an operation that failed.
func (h *Handler) RollbackQuota(w http.ResponseWriter, r *http.Request) {
	req, resource, amount, err := decodeQuotaRequest(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	if req.PeriodStart != nil {
		err = h.quota.Release(r.Context(), quota.KeyFor(req.UserID, resource, *req.PeriodStart), amount)
	} else {
		err = h.quota.Rollback(r.Context(), req.UserID, resource, amount)
	}
	if err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// UsageResponse lists a user's usage per resource.
type UsageResponse struct {
	UserID string          `json:"user_id"`
	Usage  []ResourceUsage `json:"usage"`
}

// ResourceUsage is one resource's usage for the current period.
type ResourceUsage struct {
	Resource    string    `json:"resource"`
	Current     int64     `json:"current"`
	Limit       int64     `json:"limit"`
	Percentage  float64   `json:"percentage"`
	Remaining   int64     `json:"remaining"`
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`
}

// GetUsage returns the user's current usage.
func (h *Handler) GetUsage(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	usage, err := h.quota.GetUsage(r.Context(), userID)
	if err != nil {
		writeErr(w, err)
		return
	}

	resp := UsageResponse{UserID: userID, Usage: make([]ResourceUsage, 0, len(usage))}
	for _, u := range usage {
		resp.Usage = append(resp.Usage, ResourceUsage{
			Resource:    string(u.Resource),
			Current:     u.Current,
			Limit:       u.Limit,
			Percentage:  u.Percentage,
			Remaining:   u.Remaining,
			PeriodStart: u.Period.Start,
			PeriodEnd:   u.Period.End,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// -----------------------------------------------------------------------------
// Rate limit probe
// -----------------------------------------------------------------------------

// RateLimitRequest is an explicit rate-limit probe.
type RateLimitRequest struct {
	UserID string `json:"user_id,omitempty"`
	IP     string `json:"ip,omitempty"`
	Class  string `json:"class,omitempty"`
}

// RateLimitResponse mirrors ratelimit.Result.
type RateLimitResponse struct {
	Allowed        bool   `json:"allowed"`
	Remaining      int    `json:"remaining"`
	ResetTime      int64  `json:"reset_time"`
	BackoffSeconds int64  `json:"backoff_seconds"`
	Reason         string `json:"reason,omitempty"`
}

// CheckRateLimit evaluates and records one attempt for a user or IP.
func (h *Handler) CheckRateLimit(w http.ResponseWriter, r *http.Request) {
	var body RateLimitRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "request body must be JSON")
		return
	}

	req := ratelimit.Request{Class: ratelimit.Class(body.Class), UserID: body.UserID, IP: body.IP}
	if req.Class == "" {
		req.Class = ratelimit.ClassGeneral
	}
	switch {
	case req.Class == ratelimit.ClassConversion && body.UserID != "":
		req.Identifier = ratelimit.UserIdentifier(body.UserID)
	case body.IP != "":
		req.Identifier = ratelimit.IPIdentifier(body.IP)
	case body.UserID != "":
		req.Identifier = ratelimit.UserIdentifier(body.UserID)
	}

	res, err := h.rateLimit.CheckRateLimit(r.Context(), req)
	if err != nil && errs.KindOf(err) == errs.KindValidation {
		writeErr(w, err)
		return
	}

	setRateLimitHeaders(w, res)
	status := http.StatusOK
	switch {
	case err != nil:
		status = http.StatusServiceUnavailable
	case !res.Allowed:
		status = http.StatusTooManyRequests
	}
	writeJSON(w, status, rateLimitResponse(res))
}

func rateLimitResponse(res ratelimit.Result) RateLimitResponse {
	resp := RateLimitResponse{
		Allowed:        res.Allowed,
		Remaining:      max(res.Remaining, 0),
		BackoffSeconds: res.BackoffSeconds(),
		Reason:         res.Reason,
	}
	if !res.ResetAt.IsZero() {
		resp.ResetTime = res.ResetAt.Unix()
	}
	return resp
}

// -----------------------------------------------------------------------------
// Health
// -----------------------------------------------------------------------------

// WebhookHealth reports webhook processing health over the trailing day.
func (h *Handler) WebhookHealth(w http.ResponseWriter, r *http.Request) {
	report, err := h.health.Report(r.Context(), h.now())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// Liveness reports that the process is serving.
func Liveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// BuildVersion is set at link time.
var BuildVersion = "dev"

// Version returns the service version.
func Version(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": BuildVersion, "service": "usagegate"})
}
