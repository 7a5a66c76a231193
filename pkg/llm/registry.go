package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
)

// ProviderFactory creates a provider from config.
type ProviderFactory func(ctx context.Context, cfg ProviderConfig) (Provider, error)

// factories maps backend kinds to constructors. It is fixed at compile
// time; exactly two protocols are supported.
var factories = map[string]ProviderFactory{
	KindAnthropic: func(ctx context.Context, cfg ProviderConfig) (Provider, error) {
		return NewAnthropicProvider(ctx, cfg)
	},
	KindBedrock: func(ctx context.Context, cfg ProviderConfig) (Provider, error) {
		return NewAnthropicProvider(ctx, cfg)
	},
	KindGemini: func(ctx context.Context, cfg ProviderConfig) (Provider, error) {
		return NewGeminiProvider(ctx, cfg)
	},
}

// providerEnvKeys maps backend kinds to their API key environment variables.
var providerEnvKeys = map[string][]string{
	KindAnthropic: {"ANTHROPIC_API_KEY"},
	KindGemini:    {"GEMINI_API_KEY", "GOOGLE_API_KEY"},
}

// APIKeyFromEnv returns the first API key found in the environment for a
// backend kind.
func APIKeyFromEnv(kind string) string {
	for _, key := range providerEnvKeys[kind] {
		if v := os.Getenv(key); v != "" {
			return v
		}
	}
	return ""
}

// NewProvider creates a provider from its config.
func NewProvider(ctx context.Context, cfg ProviderConfig) (Provider, error) {
	kind := strings.ToLower(strings.TrimSpace(cfg.Kind))
	factory, ok := factories[kind]
	if !ok {
		return nil, fmt.Errorf("unsupported provider kind %q (available: %s)", cfg.Kind, strings.Join(Kinds(), ", "))
	}
	cfg.Kind = kind
	if cfg.Name == "" {
		cfg.Name = kind
	}
	if cfg.APIKey == "" {
		cfg.APIKey = APIKeyFromEnv(kind)
	}
	return factory(ctx, cfg)
}

// Kinds returns the supported backend kinds.
func Kinds() []string {
	kinds := make([]string, 0, len(factories))
	for k := range factories {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// ProviderLookup resolves a provider by the name a model registry entry
// refers to.
type ProviderLookup interface {
	Lookup(name string) (Provider, bool)
}

// ProviderSet is a read-only ProviderLookup over a small map. Build it
// once and share it between requests.
type ProviderSet struct {
	byName map[string]Provider
}

// NewProviderSet indexes providers by Name. Later providers replace
// earlier ones with the same name.
func NewProviderSet(providers ...Provider) *ProviderSet {
	s := &ProviderSet{byName: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		s.byName[p.Name()] = p
	}
	return s
}

// BuildProviderSet creates every configured provider.
func BuildProviderSet(ctx context.Context, cfgs []ProviderConfig) (*ProviderSet, error) {
	providers := make([]Provider, 0, len(cfgs))
	for _, cfg := range cfgs {
		p, err := NewProvider(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("create provider %s: %w", cfg.Name, err)
		}
		providers = append(providers, p)
	}
	return NewProviderSet(providers...), nil
}

// Lookup returns the provider registered under name.
func (s *ProviderSet) Lookup(name string) (Provider, bool) {
	p, ok := s.byName[name]
	return p, ok
}

// Names returns the registered provider names in sorted order.
func (s *ProviderSet) Names() []string {
	names := make([]string, 0, len(s.byName))
	for n := range s.byName {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Close releases providers that hold long-lived connections.
func (s *ProviderSet) Close() error {
	var errs []error
	for _, p := range s.byName {
		if c, ok := p.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}
