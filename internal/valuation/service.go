// Package valuation turns several DCF model outputs into one consensus
// fair value with a confidence score and a recommendation.
//
// A request flows fundamentals → model selection → concurrent model runs
// → caps and aggregation → confidence → recommendation, with an optional
// narrative produced alongside. Results are cached per ticker and model
// preference.
package valuation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/seenimoa/openvalue/internal/cache"
	"github.com/seenimoa/openvalue/internal/config"
	"github.com/seenimoa/openvalue/internal/llm"
	"github.com/seenimoa/openvalue/internal/trace"
	"github.com/seenimoa/openvalue/pkg/models"
	"github.com/seenimoa/openvalue/pkg/utils"
)

// DefaultCacheTTL is used when the configured TTL is not positive.
const DefaultCacheTTL = time.Hour

// FundamentalsProvider fetches a company snapshot.
type FundamentalsProvider interface {
	Fetch(ctx context.Context, ticker string) (*models.FundamentalsSnapshot, error)
}

// Options are the per-request knobs of Service.Value.
type Options struct {
	// Model is "auto", "all" or a model name. Empty means auto.
	Model string
	// Fresh skips the cache read. The result is still written.
	Fresh bool
	// Explain requests a narrative of the valuation gap.
	Explain bool
}

// ServiceConfig holds the collaborators of a Service.
type ServiceConfig struct {
	Fundamentals FundamentalsProvider
	Engines      []Engine
	// LLM backs AI model selection and the gap narrative. Nil disables both.
	LLM          llm.LLMProvider
	Store        cache.Store
	Valuation    config.ValuationConfig
	ModelTimeout time.Duration
	Logger       *zap.Logger
	// OnComplete is called with every freshly computed result.
	OnComplete func(*models.FinalResult)
}

// Service is the valuation entry point. It is safe for concurrent use.
type Service struct {
	fundamentals FundamentalsProvider
	selector     *Selector
	runner       *Runner
	aggregator   *Aggregator
	explainer    *GapExplainer
	store        cache.Store
	ttl          time.Duration
	logger       *zap.Logger
	onComplete   func(*models.FinalResult)
	now          func() time.Time
	group        singleflight.Group
}

// NewService wires a Service from cfg.
func NewService(cfg ServiceConfig) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ttl := cfg.Valuation.CacheTTLDuration()
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}

	selOpts := []SelectorOption{
		WithSelectorTimeout(time.Duration(cfg.Valuation.SelectorTimeoutSec) * time.Second),
		WithSelectorLogger(logger),
	}
	var explainer *GapExplainer
	if cfg.LLM != nil {
		selOpts = append(selOpts, WithSelectorLLM(cfg.LLM))
		explainer = NewGapExplainer(cfg.LLM, time.Duration(cfg.Valuation.NarratorTimeoutSec)*time.Second, logger)
	}

	return &Service{
		fundamentals: cfg.Fundamentals,
		selector:     NewSelector(selOpts...),
		runner:       NewRunner(cfg.Engines, cfg.ModelTimeout, logger),
		aggregator:   NewAggregator(cfg.Valuation.Caps),
		explainer:    explainer,
		store:        cfg.Store,
		ttl:          ttl,
		logger:       logger,
		onComplete:   cfg.OnComplete,
		now:          time.Now,
	}
}

// CacheKey returns the cache key for a normalized ticker and preference.
func CacheKey(ticker string, pref models.ModelPreference) string {
	return "valuation:v1:" + ticker + ":" + pref.String()
}

// Value returns the consensus valuation for ticker.
//
// Identical concurrent requests share one computation. The computation is
// detached from ctx: if the caller gives up, Value returns ctx.Err() while
// the models finish and the result is still cached.
func (s *Service) Value(ctx context.Context, ticker string, opts Options) (*models.FinalResult, error) {
	input := ticker
	ticker = utils.NormalizeTicker(ticker)
	if !utils.ValidTicker(ticker) {
		return nil, newError(ErrInvalidInput, input, fmt.Errorf("malformed ticker %q", input))
	}
	pref, err := models.ParseModelPreference(opts.Model)
	if err != nil {
		return nil, newError(ErrInvalidInput, ticker, err)
	}

	key := CacheKey(ticker, pref)
	if !opts.Fresh {
		if res, ok := s.lookup(ctx, key); ok {
			return res, nil
		}
	}

	flight := fmt.Sprintf("%s|explain=%t", key, opts.Explain)
	detached := context.WithoutCancel(ctx)
	ch := s.group.DoChan(flight, func() (any, error) {
		return s.compute(detached, ticker, pref, opts.Explain, key)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		// Callers sharing a flight get their own copy.
		res := *r.Val.(*models.FinalResult)
		return &res, nil
	}
}

// Invalidate drops the cached result for ticker under every preference.
func (s *Service) Invalidate(ctx context.Context, ticker string) error {
	if s.store == nil {
		return nil
	}
	ticker = utils.NormalizeTicker(ticker)
	prefs := []models.ModelPreference{{Kind: models.PreferAuto}, {Kind: models.PreferAll}}
	for _, m := range models.AllModels {
		prefs = append(prefs, models.ModelPreference{Kind: models.PreferExplicit, Model: m})
	}
	var errs []error
	for _, p := range prefs {
		if err := s.store.Delete(ctx, CacheKey(ticker, p)); err != nil && !errors.Is(err, cache.ErrNotFound) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Service) compute(ctx context.Context, ticker string, pref models.ModelPreference, explain bool, key string) (*models.FinalResult, error) {
	start := time.Now()
	ctx, span := trace.StartSpan(ctx, "valuation.Value",
		attribute.String("ticker", ticker), attribute.String("preference", pref.String()))
	defer span.End()

	res, err := s.pipeline(ctx, ticker, pref, explain)
	if err != nil {
		trace.Fail(span, err)
		s.logger.Error("valuation failed",
			zap.String("ticker", ticker),
			zap.String("preference", pref.String()),
			zap.Error(err))
		return nil, err
	}

	s.save(ctx, key, res)
	s.logger.Info("valuation complete",
		zap.String("ticker", ticker),
		zap.String("request_id", res.RequestID),
		zap.Float64("weighted_fair_value", res.ConsensusValuation.WeightedFairValue),
		zap.String("recommendation", string(res.Recommendation)),
		zap.Int("models", len(res.IndividualValuations)),
		zap.Duration("elapsed", time.Since(start)))

	if s.onComplete != nil {
		s.onComplete(res)
	}
	return res, nil
}

func (s *Service) pipeline(ctx context.Context, ticker string, pref models.ModelPreference, explain bool) (*models.FinalResult, error) {
	if s.fundamentals == nil {
		return nil, newError(ErrUpstreamUnavailable, ticker, errors.New("no fundamentals provider configured"))
	}
	snap, err := s.fundamentals.Fetch(ctx, ticker)
	if err != nil {
		return nil, newError(ErrUpstreamUnavailable, ticker, err)
	}
	if snap == nil || !(snap.CurrentPrice > 0) {
		return nil, newError(ErrUpstreamUnavailable, ticker, errors.New("fundamentals snapshot has no current price"))
	}

	sel, err := s.selector.Select(ctx, snap, pref)
	if err != nil {
		return nil, newError(ErrInvalidInput, ticker, err)
	}
	if sel.Source == models.SelectionRules {
		s.logger.Debug("rule-based model selection",
			zap.String("ticker", ticker), zap.Strings("rules", sel.Rules))
	}

	run, err := s.runner.Run(ctx, ticker, snap, sel.Models)
	if err != nil {
		return nil, newError(ErrTotalModelFailure, ticker, failureSummary(run))
	}

	vals := s.aggregator.ApplyCaps(run.Valuations, snap.CurrentPrice, snap.Sector)
	cons, err := s.aggregator.Aggregate(vals, sel.Weights, snap.CurrentPrice)
	if err != nil {
		return nil, newError(ErrTotalModelFailure, ticker, err)
	}

	var gapCh <-chan models.GapExplanation
	if explain && s.explainer != nil {
		gapCh = s.explainer.Start(ctx, GapInput{
			Ticker:        ticker,
			CompanyName:   snap.CompanyName,
			CurrentPrice:  snap.CurrentPrice,
			AnalystTarget: snap.AnalystAvgTarget,
			AnalystCount:  snap.AnalystCount,
			Consensus:     cons,
			Valuations:    vals,
		})
	}

	now := s.now()
	res := &models.FinalResult{
		RequestID:            uuid.NewString(),
		Ticker:               ticker,
		CompanyName:          snap.CompanyName,
		Sector:               snap.Sector,
		CurrentPrice:         snap.CurrentPrice,
		EconomicMoat:         snap.EconomicMoat,
		ModelPreference:      pref.String(),
		ModelSelection:       sel,
		IndividualValuations: vals,
		MissingModels:        run.Missing,
		ModelFailures:        run.Failures,
		ConsensusValuation:   cons,
		Confidence: ScoreConfidence(ConfidenceInput{
			Consensus:  cons,
			Succeeded:  len(vals),
			Selected:   len(sel.Models),
			Snapshot:   snap,
			ComputedAt: now,
		}),
		Recommendation:   Recommend(cons.UpsideToWeighted),
		AnalystConsensus: analystConsensus(snap, cons.WeightedFairValue),
		GapExplanation:   models.GapExplanation{Status: models.GapStatusSkipped},
		Timestamp:        now.UTC(),
	}
	if gapCh != nil {
		res.GapExplanation = <-gapCh
	}
	return res, nil
}

func (s *Service) lookup(ctx context.Context, key string) (*models.FinalResult, bool) {
	if s.store == nil {
		return nil, false
	}
	b, err := s.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			s.logger.Warn("cache read failed", zap.String("key", key), zap.Error(err))
		}
		return nil, false
	}
	var res models.FinalResult
	if err := json.Unmarshal(b, &res); err != nil {
		s.logger.Warn("cache entry undecodable", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	res.Cached = true
	return &res, true
}

func (s *Service) save(ctx context.Context, key string, res *models.FinalResult) {
	if s.store == nil {
		return
	}
	b, err := json.Marshal(res)
	if err != nil {
		s.logger.Warn("cache encode failed", zap.String("key", key), zap.Error(err))
		return
	}
	if err := s.store.Set(ctx, key, b, s.ttl); err != nil {
		s.logger.Warn("cache write failed", zap.String("key", key), zap.Error(err))
	}
}

func analystConsensus(snap *models.FundamentalsSnapshot, weighted float64) *models.AnalystConsensus {
	if !snap.HasAnalystConsensus() {
		return nil
	}
	gap := snap.AnalystAvgTarget - weighted
	return &models.AnalystConsensus{
		AverageTargetPrice: snap.AnalystAvgTarget,
		AnalystCount:       snap.AnalystCount,
		UpsideToTarget:     upside(snap.AnalystAvgTarget, snap.CurrentPrice),
		GapVsWeighted:      gap,
		GapVsWeightedPct:   gap / snap.CurrentPrice * 100,
		Ratings:            snap.AnalystRatings,
	}
}

func failureSummary(run *RunResult) error {
	if run == nil || len(run.Failures) == 0 {
		return errors.New("no models selected")
	}
	parts := make([]string, 0, len(run.Failures))
	for _, f := range run.Failures {
		parts = append(parts, fmt.Sprintf("%s: %s", f.Model, f.Reason))
	}
	return errors.New(strings.Join(parts, "; "))
}
