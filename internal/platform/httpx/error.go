// Package httpx holds the JSON response helpers shared by every HTTP surface.
package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/solucity-dev/solucity-sub000/internal/platform/requestctx"
)

const (
	codeLimit    = 80
	messageLimit = 512
	idLimit      = 80
	traceLimit   = 64
)

// Error is the canonical JSON error envelope returned by the API.
type Error struct {
	Code      string
	Message   string
	Status    int
	RequestID string
	TraceID   string
	Details   map[string]any
}

// NewError constructs an Error. A zero status becomes 500.
func NewError(code, message string, status int) Error {
	if status == 0 {
		status = http.StatusInternalServerError
	}
	return Error{
		Code:    clip(code, codeLimit),
		Message: clip(message, messageLimit),
		Status:  status,
	}
}

// WithRequestID sets the request identifier on the error payload.
func (e Error) WithRequestID(id string) Error {
	e.RequestID = clip(id, idLimit)
	return e
}

// WithTraceID sets the trace identifier on the error payload.
func (e Error) WithTraceID(id string) Error {
	e.TraceID = clip(id, traceLimit)
	return e
}

// WithDetails attaches additional fields merged into the top-level payload.
func (e Error) WithDetails(details map[string]any) Error {
	if len(details) == 0 {
		return e
	}
	merged := make(map[string]any, len(e.Details)+len(details))
	for k, v := range e.Details {
		merged[k] = v
	}
	for k, v := range details {
		merged[k] = v
	}
	e.Details = merged
	return e
}

// WriteError writes the error envelope, filling request and trace ids from ctx when unset.
func WriteError(ctx context.Context, w http.ResponseWriter, err Error) {
	status := err.Status
	if status == 0 {
		status = http.StatusInternalServerError
	}
	requestID := err.RequestID
	if requestID == "" {
		requestID = clip(middleware.GetReqID(ctx), idLimit)
	}
	traceID := err.TraceID
	if traceID == "" {
		traceID = clip(requestctx.TraceID(ctx), traceLimit)
	}

	payload := make(map[string]any, 5+len(err.Details))
	for k, v := range err.Details {
		payload[k] = v
	}
	payload["error"] = err.Code
	payload["message"] = err.Message
	payload["status"] = status
	if requestID != "" {
		payload["request_id"] = requestID
	}
	if traceID != "" {
		payload["trace_id"] = traceID
	}
	WriteJSON(w, status, payload)
}

// WriteJSON encodes payload with the given status.
func WriteJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func clip(value string, limit int) string {
	value = strings.TrimSpace(strings.NewReplacer("\n", " ", "\r", " ").Replace(value))
	if len(value) > limit {
		value = value[:limit]
	}
	return value
}
