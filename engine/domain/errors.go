package domain

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind is the machine-readable class of a pipeline fault.
type Kind string

const (
	KindValidation           Kind = "validation_error"
	KindCache                Kind = "cache_error"
	KindRetrievalUnavailable Kind = "retrieval_unavailable"
	KindRerankDegraded       Kind = "rerank_degraded"
	KindSynthesis            Kind = "synthesis_error"
	KindCitationMismatch     Kind = "citation_mismatch"
	KindTimeout              Kind = "timeout"
	KindCanceled             Kind = "canceled"
	KindInternal             Kind = "internal_error"
)

// Sentinel errors, one per fault class that crosses a package boundary.
var (
	ErrInvalidQuery          = errors.New("invalid query")
	ErrRetrievalUnavailable  = errors.New("retrieval unavailable")
	ErrEmbeddingUnavailable  = errors.New("embedding unavailable")
	ErrGenerationUnavailable = errors.New("generation unavailable")
	ErrCitationMismatch      = errors.New("citation not backed by a retrieved chunk")
)

// Error is a classified fault. Message is safe to show to callers; Err holds
// the underlying cause and is only ever logged.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError creates an Error of the given kind.
func NewError(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf classifies err. Unclassified errors are internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, ErrInvalidQuery):
		return KindValidation
	case errors.Is(err, ErrRetrievalUnavailable), errors.Is(err, ErrEmbeddingUnavailable):
		return KindRetrievalUnavailable
	case errors.Is(err, ErrGenerationUnavailable):
		return KindSynthesis
	case errors.Is(err, ErrCitationMismatch):
		return KindCitationMismatch
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCanceled
	}
	return KindInternal
}

// PublicMessage returns the caller-facing message for err. Collaborator error
// text never leaks through it.
func PublicMessage(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Kind == KindValidation && e.Message != "" {
		return e.Message
	}
	switch KindOf(err) {
	case KindValidation:
		return "the request is invalid"
	case KindRetrievalUnavailable:
		return "the policy document store is temporarily unavailable, please retry later"
	case KindTimeout:
		return "the request did not complete within its time budget"
	case KindCanceled:
		return "the request was cancelled"
	default:
		return "internal server error"
	}
}

// HTTPStatus maps a fault kind to the response status for the query API.
// Degradations that still yield an answer never reach this mapping.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindRetrievalUnavailable:
		return http.StatusServiceUnavailable
	case KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
