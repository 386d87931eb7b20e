// Package llmerrors classifies model backend failures so middleware can decide
// what to retry and the orchestrator can report an unavailable backend.
package llmerrors

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
)

// ErrLLMUnavailable marks every failure returned by llm.Chat. The orchestrator
// turns it into an error event.
var ErrLLMUnavailable = errors.New("LLM unavailable")

// ErrorType is the retry class of a failure.
type ErrorType int8

const (
	// Retryable.
	ErrorTypeRateLimit ErrorType = iota
	ErrorTypeTransient
	ErrorTypeEmptyResponse

	// Not retryable.
	ErrorTypeAuth
	ErrorTypeBadPrompt
	ErrorTypeUnknown

	// ErrorTypeServiceUnavailable is produced once retries are exhausted or the
	// circuit is open.
	ErrorTypeServiceUnavailable
)

func (et ErrorType) String() string {
	switch et {
	case ErrorTypeRateLimit:
		return "rate_limit"
	case ErrorTypeTransient:
		return "transient"
	case ErrorTypeEmptyResponse:
		return "empty_response"
	case ErrorTypeAuth:
		return "auth"
	case ErrorTypeBadPrompt:
		return "bad_prompt"
	case ErrorTypeUnknown:
		return "unknown"
	case ErrorTypeServiceUnavailable:
		return "service_unavailable"
	default:
		return "invalid"
	}
}

// Error is a classified backend error.
type Error struct {
	Err        error
	Message    string
	Type       ErrorType
	StatusCode int
}

func (e *Error) Error() string {
	switch {
	case e.Message != "":
		return fmt.Sprintf("LLM error (%s): %s", e.Type, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("LLM error (%s): %v", e.Type, e.Err)
	default:
		return fmt.Sprintf("LLM error (%s): status %d", e.Type, e.StatusCode)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsRetryable uses a blocklist: everything is retried except auth, bad prompt
// and service-unavailable.
func (e *Error) IsRetryable() bool {
	switch e.Type {
	case ErrorTypeAuth, ErrorTypeBadPrompt, ErrorTypeServiceUnavailable:
		return false
	default:
		return true
	}
}

// Is reports whether err is a classified error of the given type.
func Is(err error, errorType ErrorType) bool {
	var llmErr *Error
	if errors.As(err, &llmErr) {
		return llmErr.Type == errorType
	}
	return false
}

// TypeOf returns the class of err, ErrorTypeUnknown when unclassified.
func TypeOf(err error) ErrorType {
	var llmErr *Error
	if errors.As(err, &llmErr) {
		return llmErr.Type
	}
	return ErrorTypeUnknown
}

func NewError(errorType ErrorType, message string) *Error {
	return &Error{Type: errorType, Message: message}
}

func NewErrorWithStatus(errorType ErrorType, statusCode int, message string) *Error {
	return &Error{Type: errorType, StatusCode: statusCode, Message: message}
}

func NewErrorWithCause(errorType ErrorType, cause error, message string) *Error {
	return &Error{Type: errorType, Err: cause, Message: message}
}

// NewServiceUnavailableError wraps the last failure after attempts were used up.
func NewServiceUnavailableError(cause error, attempts int) *Error {
	return &Error{
		Type:    ErrorTypeServiceUnavailable,
		Err:     cause,
		Message: fmt.Sprintf("service unavailable after %d attempts", attempts),
	}
}

// ClassifyStatus maps an HTTP status from a provider to an error type.
func ClassifyStatus(status int) ErrorType {
	switch {
	case status == 429:
		return ErrorTypeRateLimit
	case status == 401 || status == 403:
		return ErrorTypeAuth
	case status == 400 || status == 413 || status == 422:
		return ErrorTypeBadPrompt
	case status >= 500:
		return ErrorTypeTransient
	default:
		return ErrorTypeUnknown
	}
}

// Classify wraps an arbitrary provider error, guessing its class from
// well-known transport failures and message fragments. Errors that are already
// classified are returned unchanged.
func Classify(err error, message string) error {
	if err == nil {
		return nil
	}
	var llmErr *Error
	if errors.As(err, &llmErr) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	errType := ErrorTypeUnknown
	var netErr net.Error
	lower := strings.ToLower(err.Error())
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, io.EOF), errors.As(err, &netErr):
		errType = ErrorTypeTransient
	case strings.Contains(lower, "rate limit"), strings.Contains(lower, "429"), strings.Contains(lower, "quota"):
		errType = ErrorTypeRateLimit
	case strings.Contains(lower, "unauthorized"), strings.Contains(lower, "api key"), strings.Contains(lower, "401"):
		errType = ErrorTypeAuth
	case strings.Contains(lower, "connection refused"), strings.Contains(lower, "connection reset"),
		strings.Contains(lower, "503"), strings.Contains(lower, "502"), strings.Contains(lower, "overloaded"):
		errType = ErrorTypeTransient
	}
	return NewErrorWithCause(errType, err, message)
}
