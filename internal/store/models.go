package store

import (
	"time"

	"gorm.io/datatypes"

	"github.com/jmylchreest/llmgate/pkg/metering"
	"github.com/jmylchreest/llmgate/pkg/model/registry"
)

// Caller is an API consumer. A nil Remaining means the caller is not
// metered.
type Caller struct {
	ID          string    `gorm:"primaryKey;size:64" json:"id"`
	Name        string    `gorm:"size:255" json:"name,omitempty"`
	CreditLimit *float64  `json:"credit_limit,omitempty"`
	Remaining   *float64  `json:"remaining,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// UsageRecord is the row behind metering.Record.
type UsageRecord struct {
	ID               string `gorm:"primaryKey;size:36"`
	CallerID         string `gorm:"size:64;index:idx_usage_caller_created"`
	ModelID          string `gorm:"size:128;index"`
	InputTokens      int
	OutputTokens     int
	CacheReadTokens  int
	CacheWriteTokens int
	Cost             float64
	CreatedAt        time.Time `gorm:"index:idx_usage_caller_created"`
}

// Model is a registry entry.
type Model struct {
	ID                 string `gorm:"primaryKey;size:128"`
	Backend            string `gorm:"size:64;not null"`
	BackendModelID     string `gorm:"size:255"`
	Description        string
	MaxOutputTokens    int
	MaxReasoningTokens int
	Rates              datatypes.JSONType[registry.Rates]
	Tags               datatypes.JSONSlice[string]
	UpdatedAt          time.Time
}

// Totals summarises a caller's usage.
type Totals struct {
	Calls        int64   `json:"calls"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	Cost         float64 `json:"cost"`
}

func usageRow(r metering.Record) UsageRecord {
	return UsageRecord{
		ID:               r.ID,
		CallerID:         r.CallerID,
		ModelID:          r.ModelID,
		InputTokens:      r.InputTokens,
		OutputTokens:     r.OutputTokens,
		CacheReadTokens:  r.CacheReadTokens,
		CacheWriteTokens: r.CacheWriteTokens,
		Cost:             r.Cost,
		CreatedAt:        r.CreatedAt,
	}
}

func (u UsageRecord) record() metering.Record {
	return metering.Record{
		ID:               u.ID,
		CallerID:         u.CallerID,
		ModelID:          u.ModelID,
		InputTokens:      u.InputTokens,
		OutputTokens:     u.OutputTokens,
		CacheReadTokens:  u.CacheReadTokens,
		CacheWriteTokens: u.CacheWriteTokens,
		Cost:             u.Cost,
		CreatedAt:        u.CreatedAt,
	}
}

func modelRow(m registry.ModelInfo) Model {
	return Model{
		ID:                 m.ID,
		Backend:            m.Backend,
		BackendModelID:     m.BackendModelID,
		Description:        m.Description,
		MaxOutputTokens:    m.MaxOutputTokens,
		MaxReasoningTokens: m.MaxReasoningTokens,
		Rates:              datatypes.NewJSONType(m.Rates),
		Tags:               datatypes.JSONSlice[string](m.Tags),
	}
}

func (m Model) info() registry.ModelInfo {
	return registry.ModelInfo{
		ID:                 m.ID,
		Backend:            m.Backend,
		BackendModelID:     m.BackendModelID,
		Description:        m.Description,
		MaxOutputTokens:    m.MaxOutputTokens,
		MaxReasoningTokens: m.MaxReasoningTokens,
		Rates:              m.Rates.Data(),
		Tags:               []string(m.Tags),
	}
}
