package llm

import (
	"context"
	"log/slog"
	"time"
)

// Observer receives one notification per backend call, successful or not.
// Implementations should not block; the gateway calls them inline.
type Observer interface {
	OnCall(ctx context.Context, event CallEvent)
}

// CallEvent describes a finished backend call.
type CallEvent struct {
	// Provider name the call was dispatched to.
	Provider string
	// Model is the public model id the caller asked for.
	Model string
	// BackendModel is the id sent to the backend.
	BackendModel string
	CallerID     string
	Stream       bool

	Usage      Usage
	StopReason StopReason

	// Error is nil on success.
	Error error

	// CacheMarkers is the number of cache markers placed on the request.
	CacheMarkers int

	StartedAt time.Time
	Duration  time.Duration
}

// ObserverFunc is a convenience type for using a function as an Observer.
type ObserverFunc func(ctx context.Context, event CallEvent)

// OnCall implements Observer.
func (f ObserverFunc) OnCall(ctx context.Context, event CallEvent) {
	f(ctx, event)
}

// MultiObserver dispatches to several observers in order.
type MultiObserver struct {
	observers []Observer
}

// NewMultiObserver creates an observer that dispatches to multiple observers.
func NewMultiObserver(observers ...Observer) *MultiObserver {
	return &MultiObserver{observers: observers}
}

// OnCall dispatches the event to all registered observers.
func (m *MultiObserver) OnCall(ctx context.Context, event CallEvent) {
	for _, obs := range m.observers {
		obs.OnCall(ctx, event)
	}
}

// Add appends an observer.
func (m *MultiObserver) Add(obs Observer) {
	m.observers = append(m.observers, obs)
}

// LogObserver logs every call through slog.
type LogObserver struct {
	Logger *slog.Logger
}

// OnCall implements Observer.
func (o LogObserver) OnCall(ctx context.Context, e CallEvent) {
	log := o.Logger
	if log == nil {
		log = slog.Default()
	}
	attrs := []any{
		"provider", e.Provider,
		"model", e.Model,
		"backend_model", e.BackendModel,
		"caller", e.CallerID,
		"stream", e.Stream,
		"duration", e.Duration,
		"cache_markers", e.CacheMarkers,
		"input_tokens", e.Usage.InputTokens,
		"output_tokens", e.Usage.OutputTokens,
		"cache_read_tokens", e.Usage.CacheReadInputTokens,
		"cache_write_tokens", e.Usage.CacheWriteInputTokens,
	}
	if e.Error != nil {
		log.WarnContext(ctx, "backend call failed", append(attrs, "kind", KindOf(e.Error), "error", e.Error)...)
		return
	}
	log.InfoContext(ctx, "backend call", append(attrs, "stop_reason", e.StopReason)...)
}
