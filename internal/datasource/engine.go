package datasource

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"
	"go.uber.org/zap"

	"github.com/seenimoa/openvalue/internal/config"
	"github.com/seenimoa/openvalue/internal/trace"
	"github.com/seenimoa/openvalue/pkg/models"
)

// enginePaths maps each model to its endpoint on the engine service.
var enginePaths = map[models.ModelID]string{
	models.ThreeStage: "/dcf",
	models.SOTP:       "/sotp",
	models.HModel:     "/hmodel",
}

// Engine calls one valuation model endpoint.
type Engine struct {
	model  models.ModelID
	path   string
	client *Client
}

// NewEngine creates an engine client for model at baseURL.
func NewEngine(model models.ModelID, baseURL string, opts ...ClientOption) (*Engine, error) {
	path, ok := enginePaths[model]
	if !ok {
		return nil, fmt.Errorf("no engine endpoint for model %q", model)
	}
	return &Engine{model: model, path: path, client: NewClient(baseURL, opts...)}, nil
}

// Model returns the model this engine computes.
func (e *Engine) Model() models.ModelID { return e.model }

// Endpoint returns the URL the engine posts to.
func (e *Engine) Endpoint() string { return e.client.BaseURL() + e.path }

type engineRequest struct {
	Ticker       string          `json:"ticker"`
	Fundamentals json.RawMessage `json:"fundamentals"`
}

// Value runs the model for ticker against snap.
func (e *Engine) Value(ctx context.Context, ticker string, snap *models.FundamentalsSnapshot) (*models.IndividualValuation, error) {
	ctx, span := trace.StartSpan(ctx, "engine."+string(e.model), attribute.String("ticker", ticker))
	defer span.End()

	fundamentals := snap.Raw
	if len(fundamentals) == 0 {
		b, err := json.Marshal(snap)
		if err != nil {
			return nil, fmt.Errorf("marshal fundamentals: %w", err)
		}
		fundamentals = b
	}

	start := time.Now()
	data, err := e.client.post(ctx, e.path, engineRequest{Ticker: ticker, Fundamentals: fundamentals})
	if err != nil {
		trace.Fail(span, err)
		return nil, fmt.Errorf("%s engine: %w", e.model, err)
	}

	v, err := decodeValuation(e.model, data)
	if err != nil {
		trace.Fail(span, err)
		return nil, fmt.Errorf("%s engine: %w", e.model, err)
	}
	v.LatencyMS = time.Since(start).Milliseconds()
	return v, nil
}

// --- Engine payloads ---

// basePayload holds the fields every engine reports.
type basePayload struct {
	Model           models.ModelID   `json:"model"            validate:"required"`
	Ticker          string           `json:"ticker"`
	PricePerShare   float64          `json:"price_per_share"  validate:"gt=0"`
	CurrentPrice    float64          `json:"current_price"`
	UpsideDownside  float64          `json:"upside_downside"`
	EnterpriseValue float64          `json:"enterprise_value"`
	EquityValue     float64          `json:"equity_value"`
	NetDebt         float64          `json:"net_debt"`
	Assumptions     map[string]any   `json:"assumptions"`
	Projections     []map[string]any `json:"projections"`
}

type threeStagePayload struct {
	basePayload
	WACC                 float64        `json:"wacc"                   validate:"gt=0,lt=1"`
	TerminalValue        float64        `json:"terminal_value"`
	PVTerminalValue      float64        `json:"pv_terminal_value"`
	TerminalValuePercent float64        `json:"terminal_value_percent"`
	TerminalYear         map[string]any `json:"terminal_year"`
}

type sotpPayload struct {
	basePayload
	SegmentValuations    []map[string]any `json:"segment_valuations"    validate:"required,min=1"`
	TotalSegmentEV       float64          `json:"total_segment_ev"`
	CorporateAdjustments any              `json:"corporate_adjustments"`
	SegmentCount         int              `json:"segment_count"`
}

type hModelPayload struct {
	basePayload
	WACC              float64 `json:"wacc"             validate:"gt=0,lt=1"`
	PVTerminal        float64 `json:"pv_terminal"`
	PVExcessGrowth    float64 `json:"pv_excess_growth"`
	SensitivityMatrix any     `json:"sensitivity_matrix"`
}

// enginePayload is implemented by every per-model payload variant.
type enginePayload interface {
	base() *basePayload
	extras() (wacc float64, details map[string]any)
}

func (p *basePayload) base() *basePayload { return p }

func (p *threeStagePayload) extras() (float64, map[string]any) {
	details := map[string]any{
		"terminal_value":         p.TerminalValue,
		"pv_terminal_value":      p.PVTerminalValue,
		"terminal_value_percent": p.TerminalValuePercent,
	}
	if p.TerminalYear != nil {
		details["terminal_year"] = p.TerminalYear
	}
	return p.WACC, details
}

func (p *sotpPayload) extras() (float64, map[string]any) {
	details := map[string]any{
		"segment_valuations": p.SegmentValuations,
		"total_segment_ev":   p.TotalSegmentEV,
		"segment_count":      p.SegmentCount,
	}
	if p.CorporateAdjustments != nil {
		details["corporate_adjustments"] = p.CorporateAdjustments
	}
	return 0, details
}

func (p *hModelPayload) extras() (float64, map[string]any) {
	details := map[string]any{
		"pv_terminal":      p.PVTerminal,
		"pv_excess_growth": p.PVExcessGrowth,
	}
	if p.SensitivityMatrix != nil {
		details["sensitivity_matrix"] = p.SensitivityMatrix
	}
	return p.WACC, details
}

func newPayload(model models.ModelID) (enginePayload, error) {
	switch model {
	case models.ThreeStage:
		return &threeStagePayload{}, nil
	case models.SOTP:
		return &sotpPayload{}, nil
	case models.HModel:
		return &hModelPayload{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown model %q", ErrInvalidPayload, model)
	}
}

// decodeValuation decodes data into the payload variant for model and
// converts it. A payload that reports another model is rejected.
func decodeValuation(model models.ModelID, data json.RawMessage) (*models.IndividualValuation, error) {
	payload, err := newPayload(model)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	b := payload.base()
	if b.Model != model {
		return nil, fmt.Errorf("%w: expected model %q, got %q", ErrInvalidPayload, model, b.Model)
	}
	if err := validate.Struct(payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	wacc, details := payload.extras()
	return &models.IndividualValuation{
		Model:           model,
		ModelName:       model.DisplayName(),
		PricePerShare:   b.PricePerShare,
		EnterpriseValue: b.EnterpriseValue,
		UpsideDownside:  b.UpsideDownside,
		WACC:            wacc,
		Assumptions:     b.Assumptions,
		Projections:     b.Projections,
		Details:         details,
	}, nil
}

// Engines builds one engine client per model from cfg. Engines that share
// a host share a rate limiter.
func Engines(cfg config.EnginesConfig, logger *zap.Logger) ([]*Engine, error) {
	urls := map[models.ModelID]string{
		models.ThreeStage: cfg.ThreeStageURL,
		models.SOTP:       cfg.SOTPURL,
		models.HModel:     cfg.HModelURL,
	}
	limiters := make(map[string]*rate.Limiter)
	timeout := time.Duration(cfg.ModelTimeoutSec) * time.Second

	var engines []*Engine
	for _, model := range models.AllModels {
		url := urls[model]
		if url == "" {
			continue
		}
		opts := []ClientOption{WithTimeout(timeout), WithLogger(logger)}
		if cfg.RateLimitRPS > 0 {
			l, ok := limiters[url]
			if !ok {
				burst := cfg.RateLimitBurst
				if burst < 1 {
					burst = 1
				}
				l = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), burst)
				limiters[url] = l
			}
			opts = append(opts, WithLimiter(l))
		}
		e, err := NewEngine(model, url, opts...)
		if err != nil {
			return nil, err
		}
		engines = append(engines, e)
	}
	return engines, nil
}

// NewFundamentalsFromConfig creates the fundamentals client described by cfg.
func NewFundamentalsFromConfig(cfg config.EnginesConfig, logger *zap.Logger) *Fundamentals {
	return NewFundamentals(cfg.FundamentalsURL,
		WithTimeout(time.Duration(cfg.FundamentalsSec)*time.Second),
		WithRateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst),
		WithLogger(logger))
}
