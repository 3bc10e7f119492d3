// Package apierr defines the gateway error taxonomy and its client-visible codes.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Code is a stable, client-visible error code.
type Code string

const (
	CodeInvalidRequest          Code = "invalid_request"
	CodeUnknownModel            Code = "unknown_model"
	CodeUnsupportedCapability   Code = "unsupported_capability"
	CodeRetryableUpstream       Code = "retryable_upstream_error"
	CodeUpstreamRejected        Code = "upstream_rejected"
	CodeAllProvidersExhausted   Code = "all_providers_exhausted"
	CodeMalformedUpstreamEvent  Code = "malformed_upstream_event"
	CodeToolCallAccumulation    Code = "tool_call_accumulation_error"
	CodeUpstreamStreamInterrupt Code = "upstream_stream_interrupted"
	CodeInternal                Code = "internal_error"
)

// Sentinels usable with errors.Is; any *Error with the same code matches.
var (
	ErrInvalidRequest         = &Error{Code: CodeInvalidRequest}
	ErrUnknownModel           = &Error{Code: CodeUnknownModel}
	ErrUnsupportedCapability  = &Error{Code: CodeUnsupportedCapability}
	ErrRetryableUpstream      = &Error{Code: CodeRetryableUpstream}
	ErrUpstreamRejected       = &Error{Code: CodeUpstreamRejected}
	ErrAllProvidersExhausted  = &Error{Code: CodeAllProvidersExhausted}
	ErrMalformedUpstreamEvent = &Error{Code: CodeMalformedUpstreamEvent}
	ErrToolCallAccumulation   = &Error{Code: CodeToolCallAccumulation}
	ErrStreamInterrupted      = &Error{Code: CodeUpstreamStreamInterrupt}
)

// AttemptFailure records why one candidate failed during fallback.
type AttemptFailure struct {
	Provider string
	Model    string
	Code     Code
	Status   int
	Message  string
}

// Error is a classified gateway error.
type Error struct {
	Code     Code
	Message  string
	Status   int
	Attempts []AttemptFailure
	Err      error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error carrying the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// HTTPStatus returns the status to report when the error reaches the client before streaming.
func (e *Error) HTTPStatus() int {
	if e.Status != 0 {
		return e.Status
	}
	switch e.Code {
	case CodeInvalidRequest, CodeUnknownModel, CodeUnsupportedCapability:
		return http.StatusBadRequest
	case CodeUpstreamRejected, CodeRetryableUpstream, CodeAllProvidersExhausted, CodeUpstreamStreamInterrupt:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether err should advance fallback to the next candidate.
func Retryable(err error) bool {
	return errors.Is(err, ErrRetryableUpstream)
}

// CodeOf extracts the taxonomy code from err, or CodeInternal.
func CodeOf(err error) Code {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return CodeInternal
}

// New builds an error with a formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error.
func Wrap(code Code, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// InvalidRequest reports a malformed client request.
func InvalidRequest(format string, args ...any) *Error {
	return New(CodeInvalidRequest, format, args...)
}

// UnsupportedCapability reports a request feature the candidate cannot serve.
func UnsupportedCapability(provider, model, feature string) *Error {
	return New(CodeUnsupportedCapability, "%s is not supported by %s/%s", feature, provider, model)
}

// Upstream classifies a non-2xx upstream status.
// 408, 429 and 5xx are retryable; other statuses are rejections that must not advance fallback.
func Upstream(provider string, status int, body string) *Error {
	body = strings.TrimSpace(body)
	if len(body) > 512 {
		body = body[:512]
	}
	msg := fmt.Sprintf("provider %s returned status %d", provider, status)
	if body != "" {
		msg += ": " + body
	}
	if retryableStatus(status) {
		return &Error{Code: CodeRetryableUpstream, Message: msg, Status: status}
	}
	e := &Error{Code: CodeUpstreamRejected, Message: msg, Status: http.StatusBadGateway}
	if status >= 400 && status < 500 && status != http.StatusUnauthorized && status != http.StatusForbidden {
		e.Status = http.StatusBadRequest
	}
	return e
}

// Transport classifies a connection-level failure as retryable.
func Transport(provider string, err error) *Error {
	return Wrap(CodeRetryableUpstream, err, "provider %s transport failure", provider)
}

// Exhausted reports that every candidate failed.
func Exhausted(model string, attempts []AttemptFailure) *Error {
	parts := make([]string, 0, len(attempts))
	for _, a := range attempts {
		parts = append(parts, fmt.Sprintf("%s/%s: %s", a.Provider, a.Model, a.Message))
	}
	return &Error{
		Code:     CodeAllProvidersExhausted,
		Message:  fmt.Sprintf("all providers failed for model %s (%s)", model, strings.Join(parts, "; ")),
		Attempts: attempts,
	}
}

func retryableStatus(status int) bool {
	switch {
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		return true
	case status >= 500:
		return true
	default:
		return false
	}
}
