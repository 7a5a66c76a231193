// Package registry maps public model ids to the backend that serves them,
// their token limits, and the rates they are billed at.
package registry

import (
	"context"
	"errors"
	"slices"
	"strings"
)

// Registry is the read interface the gateway resolves models through.
type Registry interface {
	// List returns all models matching the given options.
	List(ctx context.Context, opts ...ListOption) ([]ModelInfo, error)

	// Get returns metadata for a specific model id.
	Get(ctx context.Context, id string) (*ModelInfo, error)
}

// Rates are prices per 1000 tokens. A zero rate bills nothing.
type Rates struct {
	Input      float64 `json:"input" yaml:"input" validate:"gte=0"`
	Output     float64 `json:"output" yaml:"output" validate:"gte=0"`
	CacheRead  float64 `json:"cache_read,omitempty" yaml:"cache_read,omitempty" validate:"gte=0"`
	CacheWrite float64 `json:"cache_write,omitempty" yaml:"cache_write,omitempty" validate:"gte=0"`
}

// ModelInfo is one registry entry.
type ModelInfo struct {
	// ID is the public model id callers request.
	ID string `json:"id" yaml:"id" validate:"required"`
	// Backend names the provider that serves the model.
	Backend string `json:"backend" yaml:"backend" validate:"required"`
	// BackendModelID is sent to the backend. Defaults to ID.
	BackendModelID string `json:"backend_model_id,omitempty" yaml:"backend_model_id,omitempty"`

	Description        string   `json:"description,omitempty" yaml:"description,omitempty"`
	MaxOutputTokens    int      `json:"max_output_tokens,omitempty" yaml:"max_output_tokens,omitempty" validate:"gte=0"`
	MaxReasoningTokens int      `json:"max_reasoning_tokens,omitempty" yaml:"max_reasoning_tokens,omitempty" validate:"gte=0"`
	Rates              Rates    `json:"rates" yaml:"rates"`
	Tags               []string `json:"tags,omitempty" yaml:"tags,omitempty"`
}

// Target returns the model id to send to the backend.
func (m ModelInfo) Target() string {
	if m.BackendModelID != "" {
		return m.BackendModelID
	}
	return m.ID
}

// ListOption configures a List call.
type ListOption func(*listConfig)

type listConfig struct {
	backend string
	tags    []string
}

// WithBackend filters models served by the named provider.
func WithBackend(name string) ListOption {
	return func(c *listConfig) { c.backend = name }
}

// WithTags filters models that have all specified tags.
func WithTags(tags ...string) ListOption {
	return func(c *listConfig) { c.tags = tags }
}

func newListConfig(opts []ListOption) *listConfig {
	cfg := &listConfig{}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

func (c *listConfig) match(m ModelInfo) bool {
	if c.backend != "" && m.Backend != c.backend {
		return false
	}
	return len(c.tags) == 0 || hasAllTags(m.Tags, c.tags)
}

func hasAllTags(modelTags, required []string) bool {
	tagSet := make(map[string]bool, len(modelTags))
	for _, t := range modelTags {
		tagSet[strings.ToLower(t)] = true
	}
	for _, r := range required {
		if !tagSet[strings.ToLower(r)] {
			return false
		}
	}
	return true
}

// ErrModelNotFound is returned when a requested model is not in the registry.
var ErrModelNotFound = errors.New("model not found")

// Static is an immutable in-memory registry.
type Static struct {
	byID   map[string]ModelInfo
	models []ModelInfo
}

// NewStatic indexes models by id. Later entries replace earlier ones with
// the same id.
func NewStatic(models ...ModelInfo) *Static {
	s := &Static{byID: make(map[string]ModelInfo, len(models))}
	for _, m := range models {
		s.byID[m.ID] = m
	}
	for _, m := range s.byID {
		s.models = append(s.models, m)
	}
	slices.SortFunc(s.models, func(a, b ModelInfo) int { return strings.Compare(a.ID, b.ID) })
	return s
}

// Get returns a copy of the entry for id.
func (s *Static) Get(_ context.Context, id string) (*ModelInfo, error) {
	m, ok := s.byID[id]
	if !ok {
		return nil, ErrModelNotFound
	}
	return &m, nil
}

// List returns models matching the given options, sorted by id.
func (s *Static) List(_ context.Context, opts ...ListOption) ([]ModelInfo, error) {
	cfg := newListConfig(opts)
	var result []ModelInfo
	for _, m := range s.models {
		if cfg.match(m) {
			result = append(result, m)
		}
	}
	return result, nil
}

// Len returns the number of models.
func (s *Static) Len() int {
	return len(s.models)
}
