package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jmylchreest/llmgate/internal/logger"
)

// Source loads the full model table, e.g. from a file or a database.
type Source interface {
	LoadModels(ctx context.Context) ([]ModelInfo, error)
}

// Cached serves a snapshot of a Source and reloads it once the snapshot is
// older than the TTL. A failed reload keeps serving the previous snapshot.
type Cached struct {
	source Source
	ttl    time.Duration
	now    func() time.Time

	mu       sync.RWMutex
	snapshot *Static
	loadedAt time.Time
}

// NewCached wraps source. A ttl of zero loads once and never expires.
func NewCached(source Source, ttl time.Duration) *Cached {
	return &Cached{source: source, ttl: ttl, now: time.Now}
}

// Get returns metadata for a specific model id.
func (c *Cached) Get(ctx context.Context, id string) (*ModelInfo, error) {
	snap, err := c.current(ctx)
	if err != nil {
		return nil, err
	}
	return snap.Get(ctx, id)
}

// List returns all models matching the given options.
func (c *Cached) List(ctx context.Context, opts ...ListOption) ([]ModelInfo, error) {
	snap, err := c.current(ctx)
	if err != nil {
		return nil, err
	}
	return snap.List(ctx, opts...)
}

// Refresh reloads the snapshot now.
func (c *Cached) Refresh(ctx context.Context) error {
	models, err := c.source.LoadModels(ctx)
	if err != nil {
		return fmt.Errorf("load models: %w", err)
	}
	snap := NewStatic(models...)

	c.mu.Lock()
	c.snapshot = snap
	c.loadedAt = c.now()
	c.mu.Unlock()

	logger.Debug("model registry refreshed", "models", snap.Len())
	return nil
}

// Start refreshes the snapshot every TTL in the background until ctx is done.
func (c *Cached) Start(ctx context.Context) {
	if c.ttl <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(c.ttl)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := c.Refresh(ctx); err != nil {
					logger.Warn("model registry refresh failed", "error", err)
				}
			}
		}
	}()
}

func (c *Cached) current(ctx context.Context) (*Static, error) {
	c.mu.RLock()
	snap, loadedAt := c.snapshot, c.loadedAt
	c.mu.RUnlock()

	if snap != nil && (c.ttl <= 0 || c.now().Sub(loadedAt) < c.ttl) {
		return snap, nil
	}

	if err := c.Refresh(ctx); err != nil {
		if snap != nil {
			logger.Warn("serving stale model registry", "error", err)
			return snap, nil
		}
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshot, nil
}
