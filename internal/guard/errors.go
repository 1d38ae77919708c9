package guard

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
)

// Names of the checks, used in logs, metrics and security events.
const (
	CheckOrigin      = "origin"
	CheckContentType = "content_type"
	CheckCSRF        = "csrf"
	CheckCron        = "cron"
	CheckRateLimit   = "rate_limit"
	CheckConfig      = "config"
)

// Error is a rejected request. Message is sent to the client; Reason stays
// internal so a caller cannot learn which part of a check failed.
type Error struct {
	Status     int
	Message    string
	Check      string
	Reason     string
	RetryAfter int64
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Check + ": " + e.Reason + ": " + e.Err.Error()
	}
	return e.Check + ": " + e.Reason
}

func (e *Error) Unwrap() error { return e.Err }

// integrity reports whether the rejection is a forged, replayed or
// cross-origin request rather than a malformed or unserviceable one.
func (e *Error) integrity() bool {
	switch e.Check {
	case CheckOrigin, CheckCSRF, CheckCron:
		return e.Status != http.StatusServiceUnavailable
	}
	return false
}

func errForbidden(check, reason string, err error) *Error {
	return &Error{Status: http.StatusForbidden, Message: "forbidden", Check: check, Reason: reason, Err: err}
}

func errUnsupportedMedia(reason string) *Error {
	return &Error{
		Status:  http.StatusUnsupportedMediaType,
		Message: "content type must be application/json",
		Check:   CheckContentType,
		Reason:  reason,
	}
}

func errUnauthorized(reason string, err error) *Error {
	return &Error{Status: http.StatusUnauthorized, Message: "unauthorized", Check: CheckCron, Reason: reason, Err: err}
}

func errUnavailable(check string) *Error {
	return &Error{Status: http.StatusServiceUnavailable, Message: "service unavailable", Check: check, Reason: "not_configured"}
}

func errTooManyRequests(retryAfter int64) *Error {
	return &Error{
		Status:     http.StatusTooManyRequests,
		Message:    "too many requests",
		Check:      CheckRateLimit,
		Reason:     "exceeded",
		RetryAfter: retryAfter,
	}
}

// WriteError serializes err as {"error": msg}. Errors that are not *Error
// become a bare 500.
func WriteError(w http.ResponseWriter, err error) {
	var ge *Error
	if !errors.As(err, &ge) {
		WriteJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	if ge.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.FormatInt(ge.RetryAfter, 10))
	}
	WriteJSON(w, ge.Status, map[string]string{"error": ge.Message})
}

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
