package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/seenimoa/openvalue/internal/cache"
	"github.com/seenimoa/openvalue/internal/datasource"
	"github.com/seenimoa/openvalue/internal/llm"
	"github.com/seenimoa/openvalue/internal/valuation"
	"github.com/seenimoa/openvalue/pkg/models"
)

// janitorInterval is how often expired in-memory cache entries are purged.
const janitorInterval = time.Minute

// buildService wires the valuation service from the loaded config. The
// returned cleanup stops the cache janitor and closes the store.
func buildService(ctx context.Context, onComplete func(*models.FinalResult)) (*valuation.Service, func(), error) {
	engines, err := datasource.Engines(cfg.Engines, log)
	if err != nil {
		return nil, nil, err
	}
	if len(engines) == 0 {
		return nil, nil, errors.New("no valuation engines configured")
	}
	vEngines := make([]valuation.Engine, 0, len(engines))
	for _, e := range engines {
		log.Debug("valuation engine", zap.String("model", string(e.Model())), zap.String("endpoint", e.Endpoint()))
		vEngines = append(vEngines, e)
	}

	store, err := cache.New(cfg.Cache)
	if err != nil {
		return nil, nil, fmt.Errorf("cache setup failed: %w", err)
	}
	janitorCtx, stopJanitor := context.WithCancel(ctx)
	go cache.RunJanitor(janitorCtx, store, janitorInterval)

	scfg := valuation.ServiceConfig{
		Fundamentals: datasource.NewFundamentalsFromConfig(cfg.Engines, log),
		Engines:      vEngines,
		Store:        store,
		Valuation:    cfg.Valuation,
		ModelTimeout: time.Duration(cfg.Engines.ModelTimeoutSec) * time.Second,
		Logger:       log,
		OnComplete:   onComplete,
	}

	// Without a provider the selector falls back to rules and the gap
	// narrative is skipped.
	router, err := llm.NewRouterFromConfig(ctx, cfg, log)
	switch {
	case err == nil:
		scfg.LLM = router
		log.Debug("llm providers ready", zap.Strings("providers", router.ProviderNames()))
	case errors.Is(err, llm.ErrNoProviders):
		log.Info("no LLM provider configured; using rule-based model selection")
	default:
		log.Warn("LLM setup failed; using rule-based model selection", zap.Error(err))
	}

	cleanup := func() {
		stopJanitor()
		if err := store.Close(); err != nil {
			log.Warn("cache close failed", zap.Error(err))
		}
	}
	return valuation.NewService(scfg), cleanup, nil
}
