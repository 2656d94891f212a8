package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors.
var (
	ErrNotConfigured   = errors.New("provider not configured")
	ErrInvalidQuery    = errors.New("invalid query")
	ErrInvalidQuestion = errors.New("invalid question")
	ErrInvalidEvalCase = errors.New("invalid eval case")
	ErrNoEvalRecords   = errors.New("no tasks available for eval")
	ErrRateLimited     = errors.New("upstream rate limit exceeded")
)

// retryableStatuses are upstream statuses worth another attempt.
var retryableStatuses = map[int]bool{
	http.StatusTooManyRequests:    true,
	http.StatusServiceUnavailable: true,
	http.StatusGatewayTimeout:     true,
}

// ValidationError reports malformed request input. It never reaches the
// network layer.
type ValidationError struct {
	Field   string
	Message string
	Wrapped error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation: %s", e.Message)
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return e.Wrapped }

// NewValidationError creates a ValidationError.
func NewValidationError(field, message string, wrapped error) *ValidationError {
	return &ValidationError{Field: field, Message: message, Wrapped: wrapped}
}

// ConfigurationError reports a missing credential or setting. Not retried.
type ConfigurationError struct {
	Setting string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration: %s is missing", e.Setting)
}

func (e *ConfigurationError) Unwrap() error { return ErrNotConfigured }

// NewConfigurationError creates a ConfigurationError.
func NewConfigurationError(setting string) *ConfigurationError {
	return &ConfigurationError{Setting: setting}
}

// UpstreamError is a non-success response from an external service.
// Status is HTTP-like; 0 means the request never got a response.
type UpstreamError struct {
	Service string
	Status  int
	Body    string
	Cause   error
}

func (e *UpstreamError) Error() string {
	msg := fmt.Sprintf("%s: request failed: %d", e.Service, e.Status)
	if text := http.StatusText(e.Status); text != "" {
		msg += " " + text
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *UpstreamError) Unwrap() error { return e.Cause }

// Is lets errors.Is(err, ErrRateLimited) match 429 responses.
func (e *UpstreamError) Is(target error) bool {
	return target == ErrRateLimited && e.Status == http.StatusTooManyRequests
}

// NewUpstreamError creates an UpstreamError.
func NewUpstreamError(service string, status int, body string, cause error) *UpstreamError {
	return &UpstreamError{Service: service, Status: status, Body: body, Cause: cause}
}

// UpstreamStatus extracts the status from an UpstreamError anywhere in err's
// chain. ok is false when err is not an upstream failure.
func UpstreamStatus(err error) (status int, ok bool) {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue.Status, true
	}
	return 0, false
}

// IsRetryable reports whether err is an upstream failure with a status in
// the retryable set {429, 503, 504}.
func IsRetryable(err error) bool {
	status, ok := UpstreamStatus(err)
	return ok && retryableStatuses[status]
}
