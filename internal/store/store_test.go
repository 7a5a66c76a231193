package store

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jmylchreest/llmgate/pkg/llm"
	"github.com/jmylchreest/llmgate/pkg/metering"
	"github.com/jmylchreest/llmgate/pkg/model/registry"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{Driver: DriverSQLite, DSN: filepath.Join(t.TempDir(), "llmgate.db")})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	return s
}

func ptr(f float64) *float64 { return &f }

// --- Open ---

func TestOpen_UnsupportedDriver(t *testing.T) {
	if _, err := Open(Config{Driver: "postgres", DSN: "x"}); err == nil {
		t.Error("expected error for unsupported driver")
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	s := openTest(t)
	if err := s.Migrate(context.Background()); err != nil {
		t.Errorf("second Migrate() error = %v", err)
	}
}

// --- Callers ---

func TestSetCaller(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	c, err := s.SetCaller(ctx, "c1", "team one", ptr(10))
	if err != nil {
		t.Fatalf("SetCaller() error = %v", err)
	}
	if c.Name != "team one" || *c.CreditLimit != 10 || *c.Remaining != 10 {
		t.Errorf("unexpected caller %+v", c)
	}

	// Replacing resets the balance.
	if err := s.DecrementBalance(ctx, "c1", 4); err != nil {
		t.Fatalf("DecrementBalance() error = %v", err)
	}
	c, err = s.SetCaller(ctx, "c1", "team one", ptr(20))
	if err != nil {
		t.Fatalf("SetCaller() error = %v", err)
	}
	if *c.Remaining != 20 {
		t.Errorf("Remaining = %v, expected 20", *c.Remaining)
	}

	callers, err := s.Callers(ctx)
	if err != nil || len(callers) != 1 {
		t.Errorf("Callers() = %v, %v; expected one caller", callers, err)
	}
}

func TestBalance(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	if _, err := s.SetCaller(ctx, "metered", "", ptr(5)); err != nil {
		t.Fatal(err)
	}
	if _, err := s.SetCaller(ctx, "free", "", nil); err != nil {
		t.Fatal(err)
	}

	bal, err := s.Balance(ctx, "metered")
	if err != nil || !bal.Metered() || *bal.Remaining != 5 {
		t.Errorf("Balance(metered) = %+v, %v", bal, err)
	}
	bal, err = s.Balance(ctx, "free")
	if err != nil || bal.Metered() {
		t.Errorf("Balance(free) = %+v, %v; expected unmetered", bal, err)
	}
	if _, err := s.Balance(ctx, "nobody"); !errors.Is(err, metering.ErrCallerNotFound) {
		t.Errorf("expected ErrCallerNotFound, got %v", err)
	}
}

func TestDecrementBalance(t *testing.T) {
	tests := []struct {
		name   string
		limit  *float64
		amount float64
		want   *float64
	}{
		{"charged", ptr(1), 0.25, ptr(0.75)},
		{"floored at zero", ptr(0.5), 2, ptr(0)},
		{"unmetered untouched", nil, 2, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := openTest(t)
			ctx := context.Background()
			if _, err := s.SetCaller(ctx, "c1", "", tt.limit); err != nil {
				t.Fatal(err)
			}
			if err := s.DecrementBalance(ctx, "c1", tt.amount); err != nil {
				t.Fatalf("DecrementBalance() error = %v", err)
			}
			bal, _ := s.Balance(ctx, "c1")
			switch {
			case tt.want == nil && bal.Remaining != nil:
				t.Errorf("Remaining = %v, expected nil", *bal.Remaining)
			case tt.want != nil && (bal.Remaining == nil || math.Abs(*bal.Remaining-*tt.want) > 1e-9):
				t.Errorf("Remaining = %v, expected %v", bal.Remaining, *tt.want)
			}
		})
	}
}

func TestDecrementBalance_UnknownCaller(t *testing.T) {
	s := openTest(t)
	if err := s.DecrementBalance(context.Background(), "nobody", 1); err != nil {
		t.Errorf("expected no error for unknown caller, got %v", err)
	}
}

func TestDecrementBalance_Concurrent(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	if _, err := s.SetCaller(ctx, "c1", "", ptr(10)); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.DecrementBalance(ctx, "c1", 0.25); err != nil {
				t.Errorf("DecrementBalance() error = %v", err)
			}
		}()
	}
	wg.Wait()

	bal, _ := s.Balance(ctx, "c1")
	if math.Abs(*bal.Remaining-5) > 1e-9 {
		t.Errorf("Remaining = %v, expected 5", *bal.Remaining)
	}
}

// --- Usage ---

func TestCreateUsageRecord(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	rec, err := s.CreateUsageRecord(ctx, metering.Record{
		CallerID:     "c1",
		ModelID:      "claude-sonnet",
		InputTokens:  1000,
		OutputTokens: 500,
		Cost:         0.0105,
		CreatedAt:    now,
	})
	if err != nil {
		t.Fatalf("CreateUsageRecord() error = %v", err)
	}
	if rec.ID == "" {
		t.Error("expected an assigned id")
	}

	got, err := s.Usage(ctx, "c1", 0)
	if err != nil {
		t.Fatalf("Usage() error = %v", err)
	}
	if len(got) != 1 || got[0].ID != rec.ID || got[0].InputTokens != 1000 || !got[0].CreatedAt.Equal(now) {
		t.Errorf("unexpected usage %+v", got)
	}
}

func TestUsage_NewestFirstWithLimit(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := range 3 {
		_, err := s.CreateUsageRecord(ctx, metering.Record{
			CallerID:    "c1",
			ModelID:     "m",
			InputTokens: i,
			CreatedAt:   base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.Usage(ctx, "c1", 2)
	if err != nil {
		t.Fatalf("Usage() error = %v", err)
	}
	if len(got) != 2 || got[0].InputTokens != 2 || got[1].InputTokens != 1 {
		t.Errorf("unexpected order %+v", got)
	}
}

func TestUsageTotals(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	for range 2 {
		if _, err := s.CreateUsageRecord(ctx, metering.Record{CallerID: "c1", ModelID: "m", InputTokens: 10, OutputTokens: 5, Cost: 0.5}); err != nil {
			t.Fatal(err)
		}
	}

	totals, err := s.UsageTotals(ctx, "c1")
	if err != nil {
		t.Fatalf("UsageTotals() error = %v", err)
	}
	if totals.Calls != 2 || totals.InputTokens != 20 || totals.OutputTokens != 10 || math.Abs(totals.Cost-1) > 1e-9 {
		t.Errorf("unexpected totals %+v", totals)
	}

	empty, err := s.UsageTotals(ctx, "nobody")
	if err != nil || empty.Calls != 0 {
		t.Errorf("UsageTotals(nobody) = %+v, %v", empty, err)
	}
}

// --- Meter integration ---

func TestMeterAgainstStore(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	if _, err := s.SetCaller(ctx, "c1", "", ptr(1)); err != nil {
		t.Fatal(err)
	}
	models := registry.NewStatic(registry.ModelInfo{
		ID: "claude-sonnet", Backend: "bedrock",
		Rates: registry.Rates{Input: 0.003, Output: 0.015},
	})
	m := metering.New(s, models)

	if _, err := m.Record(ctx, "c1", "claude-sonnet", &llm.Usage{InputTokens: 1000, OutputTokens: 500}); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	bal, _ := s.Balance(ctx, "c1")
	if math.Abs(*bal.Remaining-(1-0.0105)) > 1e-9 {
		t.Errorf("Remaining = %v, expected %v", *bal.Remaining, 1-0.0105)
	}
	if err := m.CheckQuota(ctx, "c1"); err != nil {
		t.Errorf("CheckQuota() error = %v", err)
	}
}

// --- Models ---

func TestModels_UpsertAndLoad(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	err := s.UpsertModels(ctx,
		registry.ModelInfo{
			ID:              "claude-sonnet",
			Backend:         "bedrock",
			BackendModelID:  "anthropic.claude-sonnet-v1",
			MaxOutputTokens: 8192,
			Rates:           registry.Rates{Input: 0.003, Output: 0.015, CacheRead: 0.0003},
			Tags:            []string{"tools", "reasoning"},
		},
		registry.ModelInfo{ID: "gemini-flash", Backend: "gemini"},
	)
	if err != nil {
		t.Fatalf("UpsertModels() error = %v", err)
	}

	// Upsert replaces.
	if err := s.UpsertModels(ctx, registry.ModelInfo{ID: "gemini-flash", Backend: "gemini", Description: "fast"}); err != nil {
		t.Fatalf("UpsertModels() error = %v", err)
	}

	models, err := s.LoadModels(ctx)
	if err != nil {
		t.Fatalf("LoadModels() error = %v", err)
	}
	if len(models) != 2 {
		t.Fatalf("expected 2 models, got %d", len(models))
	}
	claude := models[0]
	if claude.ID != "claude-sonnet" || claude.Target() != "anthropic.claude-sonnet-v1" {
		t.Errorf("unexpected model %+v", claude)
	}
	if claude.Rates.CacheRead != 0.0003 || len(claude.Tags) != 2 || claude.Tags[1] != "reasoning" {
		t.Errorf("JSON columns not round-tripped: %+v", claude)
	}
	if models[1].Description != "fast" {
		t.Errorf("Description = %q, expected upserted value", models[1].Description)
	}
}

func TestModels_ThroughCachedRegistry(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	if err := s.UpsertModels(ctx, registry.ModelInfo{ID: "m1", Backend: "anthropic"}); err != nil {
		t.Fatal(err)
	}

	reg := registry.NewCached(s, time.Hour)
	m, err := reg.Get(ctx, "m1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if m.Backend != "anthropic" {
		t.Errorf("Backend = %q, expected anthropic", m.Backend)
	}
}

func TestDeleteModel(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	if err := s.UpsertModels(ctx, registry.ModelInfo{ID: "m1", Backend: "anthropic"}); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteModel(ctx, "m1"); err != nil {
		t.Fatalf("DeleteModel() error = %v", err)
	}
	if err := s.DeleteModel(ctx, "m1"); !errors.Is(err, registry.ErrModelNotFound) {
		t.Errorf("expected ErrModelNotFound, got %v", err)
	}
}
