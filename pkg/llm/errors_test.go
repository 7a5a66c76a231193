package llm

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	backend := &BackendError{Backend: "bedrock", StatusCode: 429, Message: "throttled"}

	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"nil", nil, ""},
		{"malformed", fmt.Errorf("message[2]: %w", ErrMalformedConversation), KindMalformedConversation},
		{"unknown model", fmt.Errorf("%w: gpt-x", ErrUnknownModel), KindUnknownModel},
		{"backend", backend, KindBackendRejected},
		{"wrapped backend", fmt.Errorf("converse: %w", backend), KindBackendRejected},
		{"translation wins over backend", fmt.Errorf("%w: %w", ErrTranslationFailure, backend), KindTranslationFailure},
		{"quota", ErrQuotaExhausted, KindQuotaExhausted},
		{"metering", fmt.Errorf("%w: db down", ErrMeteringFailure), KindMeteringFailure},
		{"canceled", context.Canceled, KindCanceled},
		{"other", errors.New("boom"), KindInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %q, expected %q", got, tt.want)
			}
		})
	}
}

func TestBackendError_Error(t *testing.T) {
	err := &BackendError{Backend: "gemini", StatusCode: 400, Message: "bad schema"}
	want := "gemini: backend returned 400: bad schema"
	if err.Error() != want {
		t.Errorf("Error() = %q, expected %q", err.Error(), want)
	}

	err = &BackendError{Backend: "gemini", Message: "connection reset"}
	if err.Error() != "gemini: connection reset" {
		t.Errorf("Error() = %q without status code", err.Error())
	}
}

func TestBackendError_UnwrapsCause(t *testing.T) {
	cause := errors.New("socket closed")
	err := &BackendError{Backend: "anthropic", Message: "x", Err: cause}
	if !errors.Is(err, cause) {
		t.Error("errors.Is should find the underlying cause")
	}
	if !errors.Is(err, ErrBackendRejected) {
		t.Error("errors.Is should find ErrBackendRejected")
	}
}

func TestErrorInfoFrom_CarriesStatusCode(t *testing.T) {
	info := ErrorInfoFrom(fmt.Errorf("call: %w", &BackendError{Backend: "bedrock", StatusCode: 503, Message: "unavailable"}))
	if info.Kind != KindBackendRejected {
		t.Errorf("Kind = %q, expected %q", info.Kind, KindBackendRejected)
	}
	if info.StatusCode != 503 {
		t.Errorf("StatusCode = %d, expected 503", info.StatusCode)
	}
}

func TestErrorInfo_IsSentinel(t *testing.T) {
	info := ErrorInfo{Kind: KindQuotaExhausted, Message: "no balance"}
	if !errors.Is(info, ErrQuotaExhausted) {
		t.Error("ErrorInfo should match the sentinel of its kind")
	}
	if errors.Is(info, ErrUnknownModel) {
		t.Error("ErrorInfo should not match other sentinels")
	}
}
