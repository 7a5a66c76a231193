package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmylchreest/llmgate/internal/config"
	"github.com/jmylchreest/llmgate/internal/logger"
	"github.com/jmylchreest/llmgate/internal/store"
	"github.com/jmylchreest/llmgate/pkg/gateway"
	"github.com/jmylchreest/llmgate/pkg/llm"
	"github.com/jmylchreest/llmgate/pkg/metering"
	"github.com/jmylchreest/llmgate/pkg/model/registry"
)

// app holds the components a command needs. Fields are nil when the
// command did not ask for them.
type app struct {
	store     *store.Store
	models    *registry.Cached
	providers *llm.ProviderSet
	gateway   *gateway.Gateway
}

type wantParts struct {
	models  bool
	gateway bool
}

// openApp wires the configured components. The store is always opened;
// the registry and providers only when requested.
func openApp(ctx context.Context, c *config.Config, want wantParts) (*app, error) {
	st, err := store.Open(c.Database)
	if err != nil {
		return nil, err
	}
	a := &app{store: st}

	if want.models || want.gateway {
		a.models = registry.NewCached(modelSource(c, st), c.Models.Refresh)
	}

	if want.gateway {
		providers, err := llm.BuildProviderSet(ctx, c.Providers)
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		a.providers = providers
		logger.Debug("providers ready", "names", providers.Names())
		a.models.Start(ctx)

		a.gateway = gateway.New(a.models, providers,
			gateway.WithMeter(metering.New(st, a.models)),
			gateway.WithObserver(llm.LogObserver{Logger: logger.Component("calls")}),
			gateway.WithDefaultMaxTokens(c.Gateway.DefaultMaxTokens),
		)
	}
	return a, nil
}

func modelSource(c *config.Config, st *store.Store) registry.Source {
	if c.Models.Source == config.SourceDatabase {
		return st
	}
	return registry.NewFlatFile(c.Models.Path)
}

// Close releases providers and the database.
func (a *app) Close() error {
	var errs []error
	if a.providers != nil {
		errs = append(errs, a.providers.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("close: %w", err)
	}
	return nil
}
