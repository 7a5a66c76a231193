package llm

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies gateway failures.
type ErrorKind string

const (
	KindMalformedConversation ErrorKind = "malformed_conversation"
	KindUnknownModel          ErrorKind = "unknown_model"
	KindBackendRejected       ErrorKind = "backend_rejected"
	KindTranslationFailure    ErrorKind = "translation_failure"
	KindMeteringFailure       ErrorKind = "metering_failure"
	KindQuotaExhausted        ErrorKind = "quota_exhausted"
	KindInvalidRequest        ErrorKind = "invalid_request"
	KindCanceled              ErrorKind = "canceled"
	KindInternal              ErrorKind = "internal"
)

var (
	// ErrMalformedConversation is returned when a conversation cannot be repaired.
	ErrMalformedConversation = errors.New("malformed conversation")
	// ErrUnknownModel is returned when the registry has no entry for a model.
	ErrUnknownModel = errors.New("unknown model")
	// ErrBackendRejected is returned when a backend answers with a failure status.
	ErrBackendRejected = errors.New("backend rejected request")
	// ErrTranslationFailure is returned when a backend stream cannot be established.
	ErrTranslationFailure = errors.New("translation failure")
	// ErrMeteringFailure is returned when usage cannot be recorded.
	ErrMeteringFailure = errors.New("metering failure")
	// ErrQuotaExhausted is returned when a metered caller has no balance left.
	ErrQuotaExhausted = errors.New("quota exhausted")
	// ErrInvalidRequest is returned when a request fails validation.
	ErrInvalidRequest = errors.New("invalid request")
)

// BackendError is a failure reported by a backend, surfaced verbatim.
type BackendError struct {
	Backend    string
	StatusCode int
	Message    string
	Err        error
}

func (e *BackendError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: backend returned %d: %s", e.Backend, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Backend, e.Message)
}

func (e *BackendError) Unwrap() []error {
	return []error{ErrBackendRejected, e.Err}
}

// KindOf classifies err.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrTranslationFailure):
		return KindTranslationFailure
	case errors.Is(err, ErrMalformedConversation):
		return KindMalformedConversation
	case errors.Is(err, ErrUnknownModel):
		return KindUnknownModel
	case errors.Is(err, ErrQuotaExhausted):
		return KindQuotaExhausted
	case errors.Is(err, ErrInvalidRequest):
		return KindInvalidRequest
	case errors.Is(err, ErrMeteringFailure):
		return KindMeteringFailure
	case errors.Is(err, ErrBackendRejected):
		return KindBackendRejected
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCanceled
	default:
		return KindInternal
	}
}

// ErrorInfo is the canonical error payload, independent of the backend.
type ErrorInfo struct {
	Kind       ErrorKind `json:"kind"`
	Message    string    `json:"message"`
	StatusCode int       `json:"statusCode,omitempty"`
}

func (e ErrorInfo) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

var sentinels = map[ErrorKind]error{
	KindMalformedConversation: ErrMalformedConversation,
	KindUnknownModel:          ErrUnknownModel,
	KindBackendRejected:       ErrBackendRejected,
	KindTranslationFailure:    ErrTranslationFailure,
	KindMeteringFailure:       ErrMeteringFailure,
	KindQuotaExhausted:        ErrQuotaExhausted,
	KindInvalidRequest:        ErrInvalidRequest,
	KindCanceled:              context.Canceled,
}

// Is lets an in-band error payload match the sentinel for its kind.
func (e ErrorInfo) Is(target error) bool {
	s, ok := sentinels[e.Kind]
	return ok && s == target
}

// ErrorInfoFrom builds the canonical error payload for err.
func ErrorInfoFrom(err error) ErrorInfo {
	info := ErrorInfo{Kind: KindOf(err), Message: err.Error()}
	var be *BackendError
	if errors.As(err, &be) {
		info.StatusCode = be.StatusCode
	}
	return info
}
