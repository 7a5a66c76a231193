// Package metering prices token usage and charges it against caller
// balances.
package metering

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmylchreest/llmgate/internal/logger"
	"github.com/jmylchreest/llmgate/pkg/llm"
	"github.com/jmylchreest/llmgate/pkg/model/registry"
)

// Record is one priced usage entry. Records are never modified after
// creation.
type Record struct {
	ID               string    `json:"id,omitempty"`
	CallerID         string    `json:"caller_id"`
	ModelID          string    `json:"model_id"`
	InputTokens      int       `json:"input_tokens"`
	OutputTokens     int       `json:"output_tokens"`
	CacheReadTokens  int       `json:"cache_read_tokens"`
	CacheWriteTokens int       `json:"cache_write_tokens"`
	Cost             float64   `json:"cost"`
	CreatedAt        time.Time `json:"created_at"`
}

// Balance is a caller's quota. A nil Remaining means the caller is not
// metered.
type Balance struct {
	Limit     *float64 `json:"limit,omitempty"`
	Remaining *float64 `json:"remaining,omitempty"`
}

// Metered reports whether usage is charged against the balance.
func (b Balance) Metered() bool {
	return b.Remaining != nil
}

// Exhausted reports whether a metered caller has nothing left.
func (b Balance) Exhausted() bool {
	return b.Remaining != nil && *b.Remaining <= 0
}

// Store persists usage. DecrementBalance must be atomic per caller, floor
// the balance at zero, and leave unmetered or unknown callers untouched.
type Store interface {
	CreateUsageRecord(ctx context.Context, rec Record) (Record, error)
	DecrementBalance(ctx context.Context, callerID string, amount float64) error
}

// BalanceReader is implemented by stores that can report balances.
type BalanceReader interface {
	Balance(ctx context.Context, callerID string) (Balance, error)
}

// ErrCallerNotFound is returned by BalanceReader for unknown callers.
var ErrCallerNotFound = errors.New("caller not found")

// Cost prices usage at per-1000-token rates.
func Cost(rates registry.Rates, u llm.Usage) float64 {
	return (float64(u.InputTokens)*rates.Input +
		float64(u.OutputTokens)*rates.Output +
		float64(u.CacheReadInputTokens)*rates.CacheRead +
		float64(u.CacheWriteInputTokens)*rates.CacheWrite) / 1000
}

// Meter charges usage to callers.
type Meter struct {
	store  Store
	models registry.Registry
	log    *slog.Logger
	now    func() time.Time
}

// New creates a meter pricing models from the registry.
func New(store Store, models registry.Registry) *Meter {
	return &Meter{
		store:  store,
		models: models,
		log:    logger.Component("metering"),
		now:    time.Now,
	}
}

// Record prices usage, stores a usage record and charges the caller. It
// does nothing and returns nil when the caller, model or usage is missing.
// Failures wrap llm.ErrMeteringFailure.
func (m *Meter) Record(ctx context.Context, callerID, modelID string, usage *llm.Usage) (*Record, error) {
	if callerID == "" || modelID == "" || usage == nil {
		return nil, nil
	}

	info, err := m.models.Get(ctx, modelID)
	if err != nil {
		return nil, fmt.Errorf("%w: rates for %s: %w", llm.ErrMeteringFailure, modelID, err)
	}

	rec := Record{
		CallerID:         callerID,
		ModelID:          modelID,
		InputTokens:      usage.InputTokens,
		OutputTokens:     usage.OutputTokens,
		CacheReadTokens:  usage.CacheReadInputTokens,
		CacheWriteTokens: usage.CacheWriteInputTokens,
		Cost:             Cost(info.Rates, *usage),
		CreatedAt:        m.now().UTC(),
	}

	rec, err = m.store.CreateUsageRecord(ctx, rec)
	if err != nil {
		return nil, fmt.Errorf("%w: create usage record: %w", llm.ErrMeteringFailure, err)
	}

	if rec.Cost > 0 {
		if err := m.store.DecrementBalance(ctx, callerID, rec.Cost); err != nil {
			return &rec, fmt.Errorf("%w: decrement balance: %w", llm.ErrMeteringFailure, err)
		}
	}

	m.log.DebugContext(ctx, "usage recorded",
		"caller", callerID,
		"model", modelID,
		"input_tokens", rec.InputTokens,
		"output_tokens", rec.OutputTokens,
		"cost", rec.Cost,
	)
	return &rec, nil
}

// CheckQuota fails with llm.ErrQuotaExhausted when a metered caller has no
// balance left. Unknown callers, and stores that cannot report balances,
// pass.
func (m *Meter) CheckQuota(ctx context.Context, callerID string) error {
	reader, ok := m.store.(BalanceReader)
	if !ok || callerID == "" {
		return nil
	}

	bal, err := reader.Balance(ctx, callerID)
	if errors.Is(err, ErrCallerNotFound) {
		return nil
	}
	if err != nil {
		m.log.WarnContext(ctx, "balance lookup failed", "caller", callerID, "error", err)
		return nil
	}
	if bal.Exhausted() {
		return fmt.Errorf("%w: caller %s", llm.ErrQuotaExhausted, callerID)
	}
	return nil
}
