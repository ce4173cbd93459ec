// Package api is the thin HTTP transport over the dbvc components. Handlers
// decode, authorize and delegate; all behavior lives in the components.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/franklyco/db-version-control-advanced-sub002/pkg/errcode"
)

// ProblemDetail is an RFC 7807 body extended with the dbvc error code, its
// class and a remediation hint.
type ProblemDetail struct {
	Type     string         `json:"type"`
	Title    string         `json:"title"`
	Status   int            `json:"status"`
	Detail   string         `json:"detail,omitempty"`
	Instance string         `json:"instance,omitempty"`
	TraceID  string         `json:"trace_id,omitempty"`
	Code     errcode.Code   `json:"code"`
	Class    errcode.Class  `json:"class"`
	Hint     string         `json:"hint,omitempty"`
	Details  map[string]any `json:"details,omitempty"`
}

// StatusFor maps an error to its HTTP status.
func StatusFor(err error) int {
	switch errcode.CodeOf(err) {
	case errcode.PayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case errcode.RoleMismatch, errcode.SiteMismatch:
		return http.StatusForbidden
	case errcode.RetryNotDue:
		return http.StatusTooManyRequests
	case errcode.DeadLettered:
		return http.StatusConflict
	}
	switch errcode.ClassOf(err) {
	case errcode.ClassValidation:
		return http.StatusBadRequest
	case errcode.ClassPolicy:
		return http.StatusForbidden
	case errcode.ClassConflict:
		return http.StatusConflict
	case errcode.ClassVerification:
		return http.StatusUnprocessableEntity
	case errcode.ClassNotFound:
		return http.StatusNotFound
	case errcode.ClassAuth:
		return http.StatusUnauthorized
	case errcode.ClassTransport:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// WriteProblem renders err. Internal errors are logged and never exposed.
func WriteProblem(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	status := StatusFor(err)
	p := &ProblemDetail{
		Status:   status,
		Title:    http.StatusText(status),
		Instance: r.URL.Path,
		TraceID:  w.Header().Get(headerRequestID),
		Code:     errcode.CodeOf(err),
		Class:    errcode.ClassOf(err),
	}
	if e, ok := errcode.As(err); ok && p.Class != errcode.ClassInternal {
		p.Detail = e.Message
		p.Hint = e.Hint
		p.Details = e.Details
	} else {
		logger.ErrorContext(r.Context(), "internal server error", "path", r.URL.Path, "error", err)
		p.Code, p.Class = errcode.Internal, errcode.ClassInternal
		p.Detail = "An unexpected error occurred. Please try again later."
	}
	p.Type = "urn:dbvc:error:" + string(p.Code)

	if status == http.StatusTooManyRequests {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter(p.Details)))
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(p)
}

func retryAfter(details map[string]any) int {
	var at time.Time
	switch t := details["next_retry_at"].(type) {
	case time.Time:
		at = t
	case *time.Time:
		if t != nil {
			at = *t
		}
	}
	if secs := int(time.Until(at).Seconds()) + 1; secs > 1 {
		return secs
	}
	return 1
}

// HeaderReplayed marks a response served from the idempotency cache. Status
// and body are the ones the first request produced.
const HeaderReplayed = "Idempotent-Replayed"

func writeResult(w http.ResponseWriter, status int, replayed bool, v any) {
	if replayed {
		w.Header().Set(HeaderReplayed, "true")
	}
	writeJSON(w, status, v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
