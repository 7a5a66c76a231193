// Package cachepoint decides where a conversation carries prompt cache
// markers.
//
// Token counts are estimated with fixed divisors per payload kind. The
// estimate only needs to grow with the conversation; it is never compared
// against real token counts. A marker is placed on a message whose tokens
// carry the running total across one of a geometric series of boundaries,
// and only the most recent crossings are kept so the next turn reuses the
// longest prefix.
package cachepoint

import (
	"encoding/json"
	"math"

	"github.com/jmylchreest/llmgate/pkg/llm"
)

const (
	// FirstBoundary is the smallest prefix worth caching, in estimated tokens.
	FirstBoundary = 1024
	// MaxBoundary bounds the boundary series.
	MaxBoundary = 4_000_000
	// DefaultMaxMarkers is the marker budget when the backend does not
	// report one.
	DefaultMaxMarkers = 2

	textDivisor   = 8
	binaryDivisor = 3
	jsonDivisor   = 8
)

var boundaries = Boundaries()

// Boundaries returns the boundary series: FirstBoundary scaled by √2 until
// MaxBoundary.
func Boundaries() []int {
	var out []int
	for b := float64(FirstBoundary); b <= MaxBoundary; b *= math.Sqrt2 {
		out = append(out, int(math.Round(b)))
	}
	return out
}

type config struct {
	maxMarkers int
}

// Option configures placement.
type Option func(*config)

// WithMaxMarkers sets the marker budget. Values below one fall back to
// DefaultMaxMarkers.
func WithMaxMarkers(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.maxMarkers = n
		}
	}
}

// ForCapabilities returns the options matching a backend's capabilities.
func ForCapabilities(c llm.Capabilities) []Option {
	return []Option{WithMaxMarkers(c.MaxCacheMarkers)}
}

// Place returns a copy of msgs with cache markers appended to the chosen
// messages. Markers already present are removed first, so the result never
// exceeds the budget. When supported is false the result carries no
// markers at all.
func Place(msgs []llm.Message, supported bool, opts ...Option) []llm.Message {
	cfg := config{maxMarkers: DefaultMaxMarkers}
	for _, opt := range opts {
		opt(&cfg)
	}

	out := strip(msgs)
	if !supported {
		return out
	}

	for _, i := range Positions(out, cfg.maxMarkers) {
		content := make([]llm.ContentBlock, len(out[i].Content), len(out[i].Content)+1)
		copy(content, out[i].Content)
		out[i].Content = append(content, llm.NewCachePoint())
	}
	return out
}

// Positions returns the indexes of the messages that should carry a marker,
// in ascending order, at most limit of them.
func Positions(msgs []llm.Message, limit int) []int {
	if limit <= 0 {
		return nil
	}

	var candidates []int
	total, next := 0, 0
	for i, m := range msgs {
		total += MessageTokens(m)
		crossed := false
		for next < len(boundaries) && total >= boundaries[next] {
			crossed = true
			next++
		}
		if crossed {
			candidates = append(candidates, i)
		}
	}

	if len(candidates) > limit {
		candidates = candidates[len(candidates)-limit:]
	}
	return candidates
}

// Count returns the number of markers in msgs.
func Count(msgs []llm.Message) int {
	n := 0
	for _, m := range msgs {
		for _, b := range m.Content {
			if b.CachePoint != nil {
				n++
			}
		}
	}
	return n
}

func strip(msgs []llm.Message) []llm.Message {
	out := make([]llm.Message, len(msgs))
	for i, m := range msgs {
		content := make([]llm.ContentBlock, 0, len(m.Content))
		for _, b := range m.Content {
			if b.CachePoint == nil {
				content = append(content, b)
			}
		}
		out[i] = llm.Message{Role: m.Role, Content: content}
	}
	return out
}

// MessageTokens estimates the tokens of a message.
func MessageTokens(m llm.Message) int {
	n := 0
	for _, b := range m.Content {
		n += BlockTokens(b)
	}
	return n
}

// BlockTokens estimates the tokens of one content block.
func BlockTokens(b llm.ContentBlock) int {
	switch b.Kind() {
	case llm.KindText:
		return len(*b.Text) / textDivisor
	case llm.KindImage:
		return sourceTokens(b.Image.Source)
	case llm.KindDocument:
		return sourceTokens(b.Document.Source)
	case llm.KindToolUse:
		return jsonTokens(b.ToolUse)
	case llm.KindToolResult:
		n := 0
		for _, c := range b.ToolResult.Content {
			switch {
			case c.Text != nil:
				n += len(*c.Text) / textDivisor
			case len(c.JSON) > 0:
				n += len(c.JSON) / jsonDivisor
			case c.Image != nil:
				n += sourceTokens(c.Image.Source)
			case c.Document != nil:
				n += sourceTokens(c.Document.Source)
			}
		}
		return n
	case llm.KindReasoning:
		r := b.ReasoningContent
		if r.RedactedContent != nil {
			return r.RedactedContent.Len() / binaryDivisor
		}
		if r.ReasoningText != nil {
			return len(r.ReasoningText.Text) / textDivisor
		}
	}
	return 0
}

func sourceTokens(s llm.Source) int {
	switch {
	case s.Bytes != nil:
		return s.Bytes.Len() / binaryDivisor
	case s.Text != nil:
		return len(*s.Text) / textDivisor
	}
	return 0
}

func jsonTokens(v any) int {
	raw, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return len(raw) / jsonDivisor
}
