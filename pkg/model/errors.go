package model

import (
	"context"
	"errors"
	"fmt"
)

// UpstreamErrorKind classifies a failure of the generative or embedding backend
type UpstreamErrorKind string

const (
	UpstreamTimeout      UpstreamErrorKind = "timeout"
	UpstreamRateLimited  UpstreamErrorKind = "rate_limited"
	UpstreamServerError  UpstreamErrorKind = "server_error"
	UpstreamBadRequest   UpstreamErrorKind = "bad_request"
	UpstreamUnauthorized UpstreamErrorKind = "unauthorized"
	UpstreamForbidden    UpstreamErrorKind = "forbidden"
)

// Retriable reports whether the failure is expected to be transient
func (k UpstreamErrorKind) Retriable() bool {
	switch k {
	case UpstreamTimeout, UpstreamRateLimited, UpstreamServerError:
		return true
	case UpstreamBadRequest, UpstreamUnauthorized, UpstreamForbidden:
		return false
	default:
		return false
	}
}

// UpstreamError is a classified backend failure
type UpstreamError struct {
	Kind UpstreamErrorKind
	Err  error
}

func (e *UpstreamError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("upstream %s", e.Kind)
	}
	return fmt.Sprintf("upstream %s: %v", e.Kind, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// NewUpstreamError wraps err with a classification
func NewUpstreamError(kind UpstreamErrorKind, err error) *UpstreamError {
	return &UpstreamError{Kind: kind, Err: err}
}

// ClassifyUpstream extracts the upstream classification of err.
// A context deadline is a timeout; anything else unclassified reports ok=false.
func ClassifyUpstream(err error) (UpstreamErrorKind, bool) {
	if err == nil {
		return "", false
	}
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue.Kind, true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return UpstreamTimeout, true
	}
	return "", false
}

// IsRetriable reports whether err is a classified transient upstream failure
func IsRetriable(err error) bool {
	kind, ok := ClassifyUpstream(err)
	return ok && kind.Retriable()
}

// ErrorCode is the taxonomy of errors surfaced to callers
type ErrorCode string

const (
	CodeInvalidInput        ErrorCode = "invalid_input"
	CodeUpstreamPermanent   ErrorCode = "upstream_permanent"
	CodeUpstreamUnavailable ErrorCode = "upstream_unavailable"
	CodeInvalidOutput       ErrorCode = "invalid_output"
	CodeJobFailed           ErrorCode = "job_failed"
	CodeNotFound            ErrorCode = "not_found"
	CodeInternal            ErrorCode = "internal"
)

// UserMessage returns a non-technical message that is safe to show to end users
func (c ErrorCode) UserMessage() string {
	switch c {
	case CodeInvalidInput:
		return "Please describe the scenario with either text or a single image, not both."
	case CodeUpstreamPermanent:
		return "We could not process this request. Please rephrase the description and try again."
	case CodeUpstreamUnavailable:
		return "The simulation generator is busy right now. Please try again in a moment."
	case CodeInvalidOutput:
		return "We could not build a simulation from this description. Please try describing it differently."
	case CodeJobFailed:
		return "We were unable to finish building this simulation. Please try again later."
	case CodeNotFound:
		return "We could not find that simulation request."
	case CodeInternal:
		return "Something went wrong on our side. Please try again later."
	default:
		return "Something went wrong on our side. Please try again later."
	}
}

// ErrorCodeOf maps a store or request error to the user-facing error taxonomy
func ErrorCodeOf(err error) ErrorCode {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrJobNotFound), errors.Is(err, ErrDeadLetterNotFound):
		return CodeNotFound
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrInvalidRequest):
		return CodeInvalidInput
	default:
		return CodeInternal
	}
}
