package main

import (
	"context"
	"errors"
	"net/http"

	"github.com/taskrecall/recall/engine/domain"
	"github.com/taskrecall/recall/pkg/mid"
	"github.com/taskrecall/recall/pkg/resilience"
)

// validationMessages override the message for validation failures clients
// already match on.
var validationMessages = map[error]string{
	domain.ErrInvalidEvalCase: "Each eval case requires a question string",
	domain.ErrNoEvalRecords:   "No tasks available for eval",
}

// statusFor maps an engine error to the HTTP status and client message.
func statusFor(err error) (int, string) {
	var (
		ve  *domain.ValidationError
		mbe *http.MaxBytesError
	)
	switch {
	case errors.As(err, &mbe):
		return http.StatusRequestEntityTooLarge, "request body too large"
	case errors.Is(err, errBadJSON):
		return http.StatusBadRequest, errBadJSON.Error()
	case errors.As(err, &ve):
		for sentinel, msg := range validationMessages {
			if errors.Is(ve, sentinel) {
				return http.StatusBadRequest, msg
			}
		}
		return http.StatusBadRequest, ve.Message
	case errors.Is(err, domain.ErrRateLimited):
		return http.StatusTooManyRequests, rateLimitMessage
	case errors.Is(err, domain.ErrNotConfigured):
		return http.StatusInternalServerError, "llm provider is not configured"
	case errors.Is(err, resilience.ErrCircuitOpen):
		return http.StatusServiceUnavailable, "vector store unavailable"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "upstream timeout"
	}
	if _, ok := domain.UpstreamStatus(err); ok {
		return http.StatusBadGateway, "upstream service error"
	}
	return http.StatusInternalServerError, "Internal Server Error"
}

// fail writes err as a JSON error response. Server-side failures are logged.
func (s *server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "path", r.URL.Path, "status", status, "error", err)
	} else {
		s.logger.Debug("request rejected", "path", r.URL.Path, "status", status, "error", err)
	}
	mid.WriteError(w, status, msg)
}
