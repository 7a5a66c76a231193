package llm

import (
	"context"
	"time"
)

// Request is a conversation dispatched to a backend. By the time a Provider
// sees it, Model holds the backend model id and Messages has been
// normalized and annotated with cache markers.
type Request struct {
	Model         string      `json:"model" validate:"required"`
	Messages      []Message   `json:"messages" validate:"required,min=1,dive"`
	System        string      `json:"system,omitempty"`
	Tools         []ToolSpec  `json:"tools,omitempty" validate:"omitempty,dive"`
	ToolChoice    *ToolChoice `json:"toolChoice,omitempty" validate:"omitempty"`
	ThoughtBudget int         `json:"thoughtBudget,omitempty" validate:"gte=0"`
	MaxTokens     int         `json:"maxTokens,omitempty" validate:"gte=0"`
	Temperature   *float64    `json:"temperature,omitempty" validate:"omitempty,gte=0,lte=2"`
	Stream        bool        `json:"stream,omitempty"`
}

// Response is the result of a single-shot call.
type Response struct {
	Output     Message       `json:"output"`
	StopReason StopReason    `json:"stopReason"`
	Usage      Usage         `json:"usage"`
	Model      string        `json:"model,omitempty"`
	Latency    time.Duration `json:"latency"`
}

// Capabilities describes backend features the gateway adapts to.
type Capabilities struct {
	// PromptCache is true when the backend honours cache markers.
	PromptCache bool
	// MaxCacheMarkers is the hard cap on markers per conversation.
	MaxCacheMarkers int
	// Reasoning is true when the backend accepts a reasoning budget.
	Reasoning bool
}

// Provider is the capability every backend implements.
type Provider interface {
	// Converse sends the request and waits for the complete response.
	Converse(ctx context.Context, req *Request) (*Response, error)

	// ConverseStream sends the request and returns canonical events. The
	// channel is closed after the terminal metadata event. Failures after
	// the call returns are delivered in-band as an error event followed by
	// a metadata event. Cancelling ctx releases the backend connection.
	ConverseStream(ctx context.Context, req *Request) (<-chan Event, error)

	// Name returns the configured provider name (e.g. "anthropic", "bedrock").
	Name() string

	// Capabilities reports the backend features.
	Capabilities() Capabilities
}

// Backend kinds. anthropic and bedrock share the canonical protocol and
// differ only in transport; gemini requires full translation.
const (
	KindAnthropic = "anthropic"
	KindBedrock   = "bedrock"
	KindGemini    = "gemini"
)

// Guardrail is a content-safety configuration attached to native requests
// sent through the bedrock provider.
type Guardrail struct {
	Identifier string `mapstructure:"identifier" json:"identifier" yaml:"identifier" validate:"required"`
	Version    string `mapstructure:"version" json:"version" yaml:"version" validate:"required"`
	Trace      bool   `mapstructure:"trace" json:"trace,omitempty" yaml:"trace,omitempty"`
}

// BetaRule enables a beta feature flag for every backend model id that
// contains Match.
type BetaRule struct {
	Match string `mapstructure:"match" json:"match" yaml:"match" validate:"required"`
	Flag  string `mapstructure:"flag" json:"flag" yaml:"flag" validate:"required"`
}

// ProviderConfig holds the configuration for one provider instance.
type ProviderConfig struct {
	Name    string        `mapstructure:"name" json:"name" yaml:"name" validate:"required"`
	Kind    string        `mapstructure:"kind" json:"kind" yaml:"kind" validate:"required,oneof=anthropic bedrock gemini"`
	APIKey  string        `mapstructure:"api_key" json:"api_key,omitempty" yaml:"api_key,omitempty"`
	BaseURL string        `mapstructure:"base_url" json:"base_url,omitempty" yaml:"base_url,omitempty" validate:"omitempty,url"`
	Region  string        `mapstructure:"region" json:"region,omitempty" yaml:"region,omitempty"`
	Timeout time.Duration `mapstructure:"timeout" json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// MaxCacheMarkers overrides the backend default marker budget.
	MaxCacheMarkers int `mapstructure:"max_cache_markers" json:"max_cache_markers,omitempty" yaml:"max_cache_markers,omitempty" validate:"gte=0"`

	Guardrail *Guardrail `mapstructure:"guardrail" json:"guardrail,omitempty" yaml:"guardrail,omitempty"`
	Betas     []BetaRule `mapstructure:"-" json:"-" yaml:"-"`
}

// DefaultProviderConfig returns sensible defaults. Requests are never
// retried at this layer.
func DefaultProviderConfig() ProviderConfig {
	return ProviderConfig{
		Timeout: 120 * time.Second,
	}
}
