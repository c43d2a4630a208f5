package http

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/artpar/usagegate/domain/errs"
	"github.com/artpar/usagegate/domain/ratelimit"
)

// ErrorResponse is the body of every error response.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail is a machine-readable code plus a human-readable message.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: ErrorDetail{Code: code, Message: message}})
}

// writeErr maps a classified error to its HTTP status.
func writeErr(w http.ResponseWriter, err error) {
	writeError(w, statusFor(errs.KindOf(err)), errs.CodeOf(err), errs.MessageOf(err))
}

func statusFor(k errs.Kind) int {
	switch k {
	case errs.KindAuthentication:
		return http.StatusUnauthorized
	case errs.KindValidation:
		return http.StatusBadRequest
	case errs.KindNotFound:
		return http.StatusNotFound
	case errs.KindQuotaExceeded, errs.KindAbuseDetected:
		return http.StatusTooManyRequests
	case errs.KindTransientDependency:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// setRateLimitHeaders writes the X-RateLimit-* headers, plus Retry-After
// when the request was denied.
func setRateLimitHeaders(w http.ResponseWriter, res ratelimit.Result) {
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(max(res.Remaining, 0)))
	if !res.ResetAt.IsZero() {
		h.Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))
	}
	if !res.Allowed {
		h.Set("Retry-After", strconv.FormatInt(res.BackoffSeconds(), 10))
	}
}
