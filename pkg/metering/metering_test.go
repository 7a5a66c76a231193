package metering

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/jmylchreest/llmgate/pkg/llm"
	"github.com/jmylchreest/llmgate/pkg/model/registry"
)

func ptr(f float64) *float64 { return &f }

func testModels() registry.Registry {
	return registry.NewStatic(
		registry.ModelInfo{ID: "claude-sonnet", Backend: "bedrock", Rates: registry.Rates{Input: 0.003, Output: 0.015}},
		registry.ModelInfo{ID: "expensive", Backend: "bedrock", Rates: registry.Rates{Input: 1000, Output: 1000}},
	)
}

func approx(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

// --- Cost ---

func TestCost(t *testing.T) {
	tests := []struct {
		name  string
		rates registry.Rates
		usage llm.Usage
		want  float64
	}{
		{"input and output", registry.Rates{Input: 0.003, Output: 0.015}, llm.Usage{InputTokens: 1000, OutputTokens: 500}, 0.0105},
		{"cache categories", registry.Rates{CacheRead: 0.0003, CacheWrite: 0.00375}, llm.Usage{CacheReadInputTokens: 2000, CacheWriteInputTokens: 1000}, 0.0006 + 0.00375},
		{"absent categories are zero", registry.Rates{Input: 0.003, Output: 0.015, CacheRead: 1, CacheWrite: 1}, llm.Usage{InputTokens: 1000}, 0.003},
		{"zero usage", registry.Rates{Input: 1, Output: 1}, llm.Usage{}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Cost(tt.rates, tt.usage); !approx(got, tt.want) {
				t.Errorf("Cost() = %v, expected %v", got, tt.want)
			}
		})
	}
}

// --- Record ---

func TestRecord_ChargesMeteredCaller(t *testing.T) {
	store := NewMemoryStore()
	store.SetBalance("c1", ptr(1))
	m := New(store, testModels())

	rec, err := m.Record(context.Background(), "c1", "claude-sonnet", &llm.Usage{InputTokens: 1000, OutputTokens: 500})
	if err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if rec == nil || !approx(rec.Cost, 0.0105) {
		t.Fatalf("unexpected record %+v", rec)
	}
	if rec.ID == "" || rec.CreatedAt.IsZero() {
		t.Error("stored record should carry an id and timestamp")
	}

	bal, _ := store.Balance(context.Background(), "c1")
	if !approx(*bal.Remaining, 1-0.0105) {
		t.Errorf("Remaining = %v, expected %v", *bal.Remaining, 1-0.0105)
	}
	if *bal.Limit != 1 {
		t.Errorf("Limit changed to %v", *bal.Limit)
	}
}

func TestRecord_BalanceFlooredAtZero(t *testing.T) {
	store := NewMemoryStore()
	store.SetBalance("c1", ptr(0.5))
	m := New(store, testModels())

	if _, err := m.Record(context.Background(), "c1", "expensive", &llm.Usage{InputTokens: 1_000_000}); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	bal, _ := store.Balance(context.Background(), "c1")
	if *bal.Remaining != 0 {
		t.Errorf("Remaining = %v, expected 0", *bal.Remaining)
	}
}

func TestRecord_UnmeteredCallerStillRecorded(t *testing.T) {
	store := NewMemoryStore()
	store.SetBalance("c1", nil)
	m := New(store, testModels())

	if _, err := m.Record(context.Background(), "c1", "claude-sonnet", &llm.Usage{InputTokens: 10}); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if len(store.Records()) != 1 {
		t.Errorf("expected 1 record, got %d", len(store.Records()))
	}
	bal, _ := store.Balance(context.Background(), "c1")
	if bal.Metered() {
		t.Error("unmetered caller gained a balance")
	}
}

func TestRecord_NoOpOnMissingInputs(t *testing.T) {
	store := NewMemoryStore()
	m := New(store, testModels())
	usage := &llm.Usage{InputTokens: 1}

	cases := []struct {
		caller, model string
		usage         *llm.Usage
	}{
		{"", "claude-sonnet", usage},
		{"c1", "", usage},
		{"c1", "claude-sonnet", nil},
	}
	for _, c := range cases {
		rec, err := m.Record(context.Background(), c.caller, c.model, c.usage)
		if rec != nil || err != nil {
			t.Errorf("Record(%q, %q) = %v, %v; expected silent no-op", c.caller, c.model, rec, err)
		}
	}
	if len(store.Records()) != 0 {
		t.Errorf("expected no records, got %d", len(store.Records()))
	}
}

func TestRecord_UnknownModelIsMeteringFailure(t *testing.T) {
	m := New(NewMemoryStore(), testModels())
	_, err := m.Record(context.Background(), "c1", "gpt-4", &llm.Usage{InputTokens: 1})
	if !errors.Is(err, llm.ErrMeteringFailure) {
		t.Errorf("expected ErrMeteringFailure, got %v", err)
	}
}

type failingStore struct{ MemoryStore }

func (f *failingStore) CreateUsageRecord(context.Context, Record) (Record, error) {
	return Record{}, errors.New("disk full")
}

func TestRecord_StoreFailure(t *testing.T) {
	m := New(&failingStore{}, testModels())
	_, err := m.Record(context.Background(), "c1", "claude-sonnet", &llm.Usage{InputTokens: 1})
	if llm.KindOf(err) != llm.KindMeteringFailure {
		t.Errorf("KindOf() = %q, expected %q", llm.KindOf(err), llm.KindMeteringFailure)
	}
}

func TestRecord_ConcurrentDecrements(t *testing.T) {
	store := NewMemoryStore()
	store.SetBalance("c1", ptr(1))
	m := New(store, testModels())

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = m.Record(context.Background(), "c1", "claude-sonnet", &llm.Usage{InputTokens: 1000, OutputTokens: 500})
		}()
	}
	wg.Wait()

	bal, _ := store.Balance(context.Background(), "c1")
	if want := 1 - 50*0.0105; math.Abs(*bal.Remaining-want) > 1e-6 {
		t.Errorf("Remaining = %v, expected %v", *bal.Remaining, want)
	}
}

// --- CheckQuota ---

func TestCheckQuota(t *testing.T) {
	store := NewMemoryStore()
	store.SetBalance("broke", ptr(0))
	store.SetBalance("funded", ptr(5))
	store.SetBalance("free", nil)
	m := New(store, testModels())

	tests := []struct {
		caller  string
		wantErr bool
	}{
		{"broke", true},
		{"funded", false},
		{"free", false},
		{"unknown", false},
		{"", false},
	}
	for _, tt := range tests {
		err := m.CheckQuota(context.Background(), tt.caller)
		if tt.wantErr != errors.Is(err, llm.ErrQuotaExhausted) {
			t.Errorf("CheckQuota(%q) = %v, wantErr %v", tt.caller, err, tt.wantErr)
		}
	}
}
