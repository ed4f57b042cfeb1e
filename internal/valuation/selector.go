package valuation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/seenimoa/openvalue/internal/llm"
	"github.com/seenimoa/openvalue/internal/trace"
	"github.com/seenimoa/openvalue/pkg/models"
	"github.com/seenimoa/openvalue/pkg/utils"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

const selectorSystemPrompt = `You are a valuation analyst choosing DCF models for a company.
Available models:
- 3stage: 3-Stage DCF for mature or mega-cap companies with steady cash flows.
- sotp: Sum-of-the-Parts for diversified companies with distinct business segments.
- hmodel: H-Model DCF for high-growth companies whose growth fades linearly.

Pick one to three models and weight them. Respond with a single JSON object only:
{"recommended_models": ["3stage"], "reasoning": "...", "confidence": 0.0, "weights": {"3stage": 1.0}}
The keys of "weights" must be exactly the recommended models.`

// aiSelection is the structured reply expected from the selector model.
type aiSelection struct {
	RecommendedModels []string           `json:"recommended_models" validate:"required,min=1,max=3,unique,dive,required"`
	Reasoning         string             `json:"reasoning"`
	Confidence        float64            `json:"confidence"         validate:"gte=0,lte=1"`
	Weights           map[string]float64 `json:"weights"            validate:"required,min=1"`
}

// Selector decides which models to run and how to weight them.
type Selector struct {
	llm     llm.LLMProvider
	rules   []Rule
	timeout time.Duration
	opts    llm.ChatOptions
	logger  *zap.Logger
}

// SelectorOption configures a Selector.
type SelectorOption func(*Selector)

// WithSelectorLLM enables AI selection through p. A nil provider keeps
// selection rule-based.
func WithSelectorLLM(p llm.LLMProvider) SelectorOption {
	return func(s *Selector) { s.llm = p }
}

// WithRules replaces the fallback rule table.
func WithRules(rules []Rule) SelectorOption {
	return func(s *Selector) { s.rules = rules }
}

// WithSelectorTimeout bounds the AI call.
func WithSelectorTimeout(d time.Duration) SelectorOption {
	return func(s *Selector) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithSelectorChatOptions sets model, temperature and token limits for the AI call.
func WithSelectorChatOptions(o llm.ChatOptions) SelectorOption {
	return func(s *Selector) { s.opts = o }
}

// WithSelectorLogger sets the selector's logger.
func WithSelectorLogger(l *zap.Logger) SelectorOption {
	return func(s *Selector) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewSelector creates a selector. Without an LLM it always uses the rules.
func NewSelector(opts ...SelectorOption) *Selector {
	s := &Selector{
		rules:   DefaultRules,
		timeout: 20 * time.Second,
		opts:    llm.ChatOptions{Temperature: 0.1, MaxTokens: 512},
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Select returns the models to run for snap under pref. The only error is
// ErrInvalidInput for an unsupported explicit model; AI failures fall back
// to the rule table.
func (s *Selector) Select(ctx context.Context, snap *models.FundamentalsSnapshot, pref models.ModelPreference) (models.ModelSelection, error) {
	switch pref.Kind {
	case models.PreferAll:
		ids := append([]models.ModelID(nil), models.AllModels...)
		return models.ModelSelection{
			Models:     ids,
			Weights:    equalWeights(ids),
			Reasoning:  "All models requested; equal weights.",
			Confidence: 1,
			Source:     models.SelectionAll,
		}, nil

	case models.PreferExplicit:
		if _, ok := models.ParseModelID(string(pref.Model)); !ok {
			return models.ModelSelection{}, fmt.Errorf("%w: unknown model %q", ErrInvalidInput, pref.Model)
		}
		return models.ModelSelection{
			Models:     []models.ModelID{pref.Model},
			Weights:    map[models.ModelID]float64{pref.Model: 1},
			Reasoning:  fmt.Sprintf("%s requested explicitly.", pref.Model.DisplayName()),
			Confidence: 1,
			Source:     models.SelectionExplicit,
		}, nil

	case models.PreferAuto, "":
	default:
		return models.ModelSelection{}, fmt.Errorf("%w: unknown preference %q", ErrInvalidInput, pref.Kind)
	}

	if s.llm == nil {
		return applyRules(s.rules, snap), nil
	}

	ctx, span := trace.StartSpan(ctx, "valuation.select", attribute.String("ticker", snap.Ticker))
	defer span.End()

	sel, err := s.selectWithAI(ctx, snap)
	if err != nil {
		trace.Fail(span, err)
		s.logger.Warn("AI model selection failed, using rules",
			zap.String("ticker", snap.Ticker), zap.Error(err))
		return applyRules(s.rules, snap), nil
	}
	return sel, nil
}

func (s *Selector) selectWithAI(ctx context.Context, snap *models.FundamentalsSnapshot) (models.ModelSelection, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	opts := s.opts
	opts.JSONMode = true
	resp, err := s.llm.Chat(ctx, []llm.Message{
		llm.SystemMessage(selectorSystemPrompt),
		llm.UserMessage(selectorPrompt(snap)),
	}, &opts)
	if err != nil {
		return models.ModelSelection{}, err
	}

	var reply aiSelection
	if err := llm.DecodeJSON(resp.Content, &reply); err != nil {
		return models.ModelSelection{}, err
	}
	return reply.toSelection()
}

// toSelection validates the reply and normalizes its weights.
func (a *aiSelection) toSelection() (models.ModelSelection, error) {
	if err := validate.Struct(a); err != nil {
		return models.ModelSelection{}, fmt.Errorf("invalid selection: %w", err)
	}

	ids := make([]models.ModelID, 0, len(a.RecommendedModels))
	seen := make(map[models.ModelID]bool)
	for _, name := range a.RecommendedModels {
		id, ok := models.ParseModelID(name)
		if !ok {
			return models.ModelSelection{}, fmt.Errorf("invalid selection: unknown model %q", name)
		}
		if seen[id] {
			return models.ModelSelection{}, fmt.Errorf("invalid selection: duplicate model %q", name)
		}
		seen[id] = true
		ids = append(ids, id)
	}

	weights := make(map[models.ModelID]float64, len(a.Weights))
	var sum float64
	for name, w := range a.Weights {
		id, ok := models.ParseModelID(name)
		if !ok {
			return models.ModelSelection{}, fmt.Errorf("invalid selection: unknown weight key %q", name)
		}
		if !seen[id] {
			return models.ModelSelection{}, fmt.Errorf("invalid selection: weight for unselected model %q", name)
		}
		if _, dup := weights[id]; dup {
			return models.ModelSelection{}, fmt.Errorf("invalid selection: duplicate weight key %q", name)
		}
		if w < 0 || math.IsNaN(w) || math.IsInf(w, 0) {
			return models.ModelSelection{}, fmt.Errorf("invalid selection: weight %v for %q", w, name)
		}
		weights[id] = w
		sum += w
	}
	if len(weights) != len(ids) {
		return models.ModelSelection{}, errors.New("invalid selection: weights do not cover every recommended model")
	}
	if sum <= 0 {
		return models.ModelSelection{}, errors.New("invalid selection: weights sum to zero")
	}

	return models.ModelSelection{
		Models:     ids,
		Weights:    normalizeWeights(weights),
		Reasoning:  strings.TrimSpace(a.Reasoning),
		Confidence: a.Confidence,
		Source:     models.SelectionAI,
	}, nil
}

func selectorPrompt(f *models.FundamentalsSnapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Company: %s (%s)\n", f.CompanyName, f.Ticker)
	fmt.Fprintf(&b, "Sector: %s", f.Sector)
	if f.Industry != "" {
		fmt.Fprintf(&b, " / %s", f.Industry)
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "Market cap: %s\n", utils.FormatUSDCompact(f.MarketCap))
	fmt.Fprintf(&b, "Revenue: %s, 3y CAGR: %.1f%%\n", utils.FormatUSDCompact(f.Revenue), f.RevenueCAGR3Y*100)
	fmt.Fprintf(&b, "EBITDA margin: %.1f%%, FCF margin: %.1f%%\n", f.EBITDAMargin*100, f.FCFMargin*100)
	if len(f.RevenueBySegment) == 0 {
		b.WriteString("Segments: not reported\n")
	} else {
		b.WriteString("Segments:\n")
		var total float64
		for _, s := range f.RevenueBySegment {
			total += s.Revenue
		}
		for _, s := range f.RevenueBySegment {
			share := 0.0
			if total > 0 {
				share = s.Revenue / total * 100
			}
			fmt.Fprintf(&b, "- %s: %s (%.0f%%)\n", s.Name, utils.FormatUSDCompact(s.Revenue), share)
		}
	}
	return b.String()
}
