package model

import (
	"strings"

	"github.com/m-mizutani/goerr/v2"
)

var ErrInvalidRequest = goerr.New("invalid request")

// Request is a single scenario description from a caller. Exactly one of Text or Image is set.
type Request struct {
	UserID    string `json:"user_id,omitempty"`
	Text      string `json:"text,omitempty"`
	Image     []byte `json:"image,omitempty"`
	ImageMIME string `json:"image_mime,omitempty"`
	Hint      string `json:"hint,omitempty"`
}

// IsImage reports whether the request carries image input
func (r *Request) IsImage() bool {
	return len(r.Image) > 0
}

// Validate enforces the exactly-one-input rule
func (r *Request) Validate() error {
	hasText := strings.TrimSpace(r.Text) != ""
	hasImage := len(r.Image) > 0

	switch {
	case hasText && hasImage:
		return goerr.Wrap(ErrInvalidRequest, "both text and image were provided")
	case !hasText && !hasImage:
		return goerr.Wrap(ErrInvalidRequest, "either text or image is required")
	}
	return nil
}

type ResponseKind string

const (
	ResponseManifest      ResponseKind = "manifest"
	ResponseJob           ResponseKind = "job"
	ResponseClarification ResponseKind = "clarification"
	ResponseFallback      ResponseKind = "fallback"
	ResponseError         ResponseKind = "error"
)

// Response is the result of Submit. Kind selects which fields are populated.
type Response struct {
	Kind ResponseKind `json:"kind"`

	// ResponseManifest
	Hit      bool      `json:"hit,omitempty"`
	Manifest *Manifest `json:"manifest,omitempty"`
	Warnings []string  `json:"warnings,omitempty"`

	// ResponseJob
	JobID     JobID     `json:"job_id,omitempty"`
	JobStatus JobStatus `json:"status,omitempty"`

	// ResponseClarification
	Question   string   `json:"question,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`

	// ResponseFallback
	Featured []*FeaturedSimulation `json:"featured,omitempty"`

	// ResponseError
	Code ErrorCode `json:"code,omitempty"`

	// Human-readable text for fallback, clarification and error responses
	Message string `json:"message,omitempty"`
}

// ErrorResponse builds a user-facing error response with the fixed message for code
func ErrorResponse(code ErrorCode) *Response {
	return &Response{
		Kind:    ResponseError,
		Code:    code,
		Message: code.UserMessage(),
	}
}
