// Package gateway routes canonical conversations to the backend serving the
// requested model.
//
// Every call follows the same path: validate, resolve the model, check the
// caller's quota, normalize the conversation, place cache markers, dispatch,
// then meter the usage. Structural failures are returned before any network
// call. Metering never fails a call.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmylchreest/llmgate/internal/logger"
	"github.com/jmylchreest/llmgate/pkg/cachepoint"
	"github.com/jmylchreest/llmgate/pkg/llm"
	"github.com/jmylchreest/llmgate/pkg/metering"
	"github.com/jmylchreest/llmgate/pkg/model/registry"
	"github.com/jmylchreest/llmgate/pkg/normalize"
	"github.com/jmylchreest/llmgate/pkg/validate"
)

// DefaultMaxTokens applies when neither the request nor the model sets a
// limit.
const DefaultMaxTokens = 4096

// Gateway dispatches requests. It holds no per-request state and is safe
// for concurrent use.
type Gateway struct {
	models           registry.Registry
	providers        llm.ProviderLookup
	meter            *metering.Meter
	observer         llm.Observer
	defaultMaxTokens int
	log              *slog.Logger
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithMeter charges usage through m. Without a meter usage is not recorded.
func WithMeter(m *metering.Meter) Option {
	return func(g *Gateway) { g.meter = m }
}

// WithObserver notifies o after every backend call.
func WithObserver(o llm.Observer) Option {
	return func(g *Gateway) { g.observer = o }
}

// WithDefaultMaxTokens overrides DefaultMaxTokens.
func WithDefaultMaxTokens(n int) Option {
	return func(g *Gateway) {
		if n > 0 {
			g.defaultMaxTokens = n
		}
	}
}

// New creates a gateway resolving models through models and backends
// through providers.
func New(models registry.Registry, providers llm.ProviderLookup, opts ...Option) *Gateway {
	g := &Gateway{
		models:           models,
		providers:        providers,
		defaultMaxTokens: DefaultMaxTokens,
		log:              logger.Component("gateway"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// call is a request resolved and prepared for one backend.
type call struct {
	provider llm.Provider
	model    *registry.ModelInfo
	req      *llm.Request
	callerID string
	markers  int
	started  time.Time
}

// Converse dispatches a single-shot request on behalf of callerID.
func (g *Gateway) Converse(ctx context.Context, callerID string, req *llm.Request) (*llm.Response, error) {
	c, err := g.prepare(ctx, callerID, req)
	if err != nil {
		return nil, err
	}

	resp, err := c.provider.Converse(ctx, c.req)
	if err != nil {
		g.notify(ctx, c, false, llm.Usage{}, "", err)
		return nil, err
	}
	resp.Model = c.model.ID

	g.notify(ctx, c, false, resp.Usage, resp.StopReason, nil)
	g.record(ctx, c, resp.Usage)
	return resp, nil
}

// ConverseStream dispatches a streaming request on behalf of callerID. The
// returned channel always ends with a metadata event and is closed after
// it. Cancelling ctx releases the backend stream.
func (g *Gateway) ConverseStream(ctx context.Context, callerID string, req *llm.Request) (<-chan llm.Event, error) {
	c, err := g.prepare(ctx, callerID, req)
	if err != nil {
		return nil, err
	}

	src, err := c.provider.ConverseStream(ctx, c.req)
	if err != nil {
		g.notify(ctx, c, true, llm.Usage{}, "", err)
		return nil, err
	}

	out := make(chan llm.Event)
	go g.forward(ctx, c, src, out)
	return out, nil
}

func (g *Gateway) prepare(ctx context.Context, callerID string, req *llm.Request) (*call, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: empty request", llm.ErrInvalidRequest)
	}
	if err := validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %w", llm.ErrInvalidRequest, err)
	}

	info, err := g.models.Get(ctx, req.Model)
	if errors.Is(err, registry.ErrModelNotFound) {
		return nil, fmt.Errorf("%w: %s", llm.ErrUnknownModel, req.Model)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve model %s: %w", req.Model, err)
	}

	provider, ok := g.providers.Lookup(info.Backend)
	if !ok {
		return nil, fmt.Errorf("%w: %s: backend %q is not configured", llm.ErrUnknownModel, req.Model, info.Backend)
	}

	if g.meter != nil {
		if err := g.meter.CheckQuota(ctx, callerID); err != nil {
			return nil, err
		}
	}

	caps := provider.Capabilities()
	maxTokens, budget := g.limits(req, info, caps)

	msgs, err := normalize.Messages(req.Messages, normalize.Options{Reasoning: budget > 0})
	if err != nil {
		return nil, err
	}
	msgs = cachepoint.Place(msgs, caps.PromptCache, cachepoint.ForCapabilities(caps)...)

	out := *req
	out.Model = info.Target()
	out.Messages = msgs
	out.MaxTokens = maxTokens
	out.ThoughtBudget = budget

	return &call{
		provider: provider,
		model:    info,
		req:      &out,
		callerID: callerID,
		markers:  cachepoint.Count(msgs),
		started:  time.Now(),
	}, nil
}

// limits resolves the output token limit and reasoning budget. The budget
// is zero when the backend cannot reason, and always below the limit.
func (g *Gateway) limits(req *llm.Request, info *registry.ModelInfo, caps llm.Capabilities) (int, int) {
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = info.MaxOutputTokens
	}
	if maxTokens == 0 {
		maxTokens = g.defaultMaxTokens
	}
	if info.MaxOutputTokens > 0 && maxTokens > info.MaxOutputTokens {
		maxTokens = info.MaxOutputTokens
	}

	budget := req.ThoughtBudget
	if !caps.Reasoning {
		budget = 0
	}
	if info.MaxReasoningTokens > 0 && budget > info.MaxReasoningTokens {
		budget = info.MaxReasoningTokens
	}
	if budget >= maxTokens {
		budget = maxTokens - 1
	}
	return maxTokens, max(budget, 0)
}

// forward relays backend events to the caller and meters the first
// metadata event. Events after it are dropped.
func (g *Gateway) forward(ctx context.Context, c *call, src <-chan llm.Event, out chan<- llm.Event) {
	defer close(out)

	var (
		usage     llm.Usage
		stop      llm.StopReason
		streamErr error
		metered   bool
	)

	for ev := range src {
		if metered {
			if ev.Type == llm.EventMetadata {
				g.log.WarnContext(ctx, "duplicate terminal event from backend", "provider", c.provider.Name(), "model", c.model.ID)
			}
			continue
		}

		switch ev.Type {
		case llm.EventMessageStop:
			stop = ev.StopReason
		case llm.EventError:
			if ev.Error != nil {
				streamErr = *ev.Error
			}
		}

		delivered := send(ctx, out, ev)

		if ev.Type == llm.EventMetadata {
			metered = true
			if ev.Usage != nil {
				usage = *ev.Usage
			}
			g.record(ctx, c, usage)
		}

		if !delivered {
			for range src {
			}
			break
		}
	}

	if !metered && ctx.Err() == nil {
		streamErr = fmt.Errorf("%w: %s stream ended without metadata", llm.ErrBackendRejected, c.provider.Name())
		send(ctx, out, llm.ErrorEvent(streamErr))
		send(ctx, out, llm.Event{Type: llm.EventMetadata, Usage: &llm.Usage{}})
	}
	if streamErr == nil && ctx.Err() != nil && !metered {
		streamErr = ctx.Err()
	}

	g.notify(ctx, c, true, usage, stop, streamErr)
}

func send(ctx context.Context, out chan<- llm.Event, ev llm.Event) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// record meters usage. Failures are logged and never reach the caller.
func (g *Gateway) record(ctx context.Context, c *call, usage llm.Usage) {
	if g.meter == nil {
		return
	}
	// Charge even if the caller went away.
	ctx = context.WithoutCancel(ctx)
	if _, err := g.meter.Record(ctx, c.callerID, c.model.ID, &usage); err != nil {
		g.log.WarnContext(ctx, "usage not recorded",
			"caller", c.callerID,
			"model", c.model.ID,
			"kind", llm.KindOf(err),
			"error", err,
		)
	}
}

func (g *Gateway) notify(ctx context.Context, c *call, stream bool, usage llm.Usage, stop llm.StopReason, err error) {
	if g.observer == nil {
		return
	}
	g.observer.OnCall(ctx, llm.CallEvent{
		Provider:     c.provider.Name(),
		Model:        c.model.ID,
		BackendModel: c.req.Model,
		CallerID:     c.callerID,
		Stream:       stream,
		Usage:        usage,
		StopReason:   stop,
		Error:        err,
		CacheMarkers: c.markers,
		StartedAt:    c.started,
		Duration:     time.Since(c.started),
	})
}
