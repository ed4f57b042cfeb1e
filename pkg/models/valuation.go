package models

import (
	"fmt"
	"strings"
	"time"
)

// ModelID identifies a valuation model. Values match the ids the model
// engines echo back in their payloads.
type ModelID string

const (
	ThreeStage ModelID = "3stage"
	SOTP       ModelID = "sotp"
	HModel     ModelID = "hmodel"
)

// AllModels lists every supported model in canonical order.
var AllModels = []ModelID{ThreeStage, SOTP, HModel}

// DisplayName returns the human-readable model name.
func (m ModelID) DisplayName() string {
	switch m {
	case ThreeStage:
		return "3-Stage DCF"
	case SOTP:
		return "Sum-of-the-Parts"
	case HModel:
		return "H-Model DCF"
	default:
		return string(m)
	}
}

var modelAliases = map[string]ModelID{
	"3stage":      ThreeStage,
	"3-stage":     ThreeStage,
	"threestage":  ThreeStage,
	"three_stage": ThreeStage,
	"dcf":         ThreeStage,
	"sotp":        SOTP,
	"hmodel":      HModel,
	"h-model":     HModel,
	"h_model":     HModel,
}

// ParseModelID resolves a model name or alias.
func ParseModelID(s string) (ModelID, bool) {
	id, ok := modelAliases[strings.ToLower(strings.TrimSpace(s))]
	return id, ok
}

// PreferenceKind distinguishes the three ways a caller can pick models.
type PreferenceKind string

const (
	PreferAuto     PreferenceKind = "auto"
	PreferAll      PreferenceKind = "all"
	PreferExplicit PreferenceKind = "explicit"
)

// ModelPreference is the caller's model choice.
type ModelPreference struct {
	Kind  PreferenceKind
	Model ModelID // set only for PreferExplicit
}

// ParseModelPreference parses "auto", "all" or a model name. An empty
// string means auto.
func ParseModelPreference(s string) (ModelPreference, error) {
	switch v := strings.ToLower(strings.TrimSpace(s)); v {
	case "", "auto":
		return ModelPreference{Kind: PreferAuto}, nil
	case "all":
		return ModelPreference{Kind: PreferAll}, nil
	default:
		id, ok := ParseModelID(v)
		if !ok {
			return ModelPreference{}, fmt.Errorf("unknown model %q (expected auto, all, 3stage, sotp or hmodel)", s)
		}
		return ModelPreference{Kind: PreferExplicit, Model: id}, nil
	}
}

// String returns the canonical form used in cache keys.
func (p ModelPreference) String() string {
	if p.Kind == PreferExplicit {
		return string(p.Model)
	}
	return string(p.Kind)
}

// Selection sources.
const (
	SelectionAI       = "ai"
	SelectionRules    = "rules"
	SelectionAll      = "all"
	SelectionExplicit = "explicit"
)

// ModelSelection is the set of models to run and their consensus weights.
type ModelSelection struct {
	Models     []ModelID           `json:"models"`
	Weights    map[ModelID]float64 `json:"weights"`
	Reasoning  string              `json:"reasoning"`
	Confidence float64             `json:"confidence"`
	Source     string              `json:"source"`
	Rules      []string            `json:"rules_triggered,omitempty"`
}

// IndividualValuation is one model's successful output.
type IndividualValuation struct {
	Model                 ModelID          `json:"model"`
	ModelName             string           `json:"model_name"`
	PricePerShare         float64          `json:"price_per_share"`
	PricePerShareOriginal float64          `json:"price_per_share_original,omitempty"`
	CapsApplied           []string         `json:"caps_applied,omitempty"`
	EnterpriseValue       float64          `json:"enterprise_value,omitempty"`
	UpsideDownside        float64          `json:"upside_downside"`
	WACC                  float64          `json:"wacc,omitempty"`
	Assumptions           map[string]any   `json:"assumptions,omitempty"`
	Projections           []map[string]any `json:"projections,omitempty"`
	Details               map[string]any   `json:"details,omitempty"`
	LatencyMS             int64            `json:"latency_ms"`
}

// ModelFailure records why a selected model produced no valuation.
type ModelFailure struct {
	Model  ModelID `json:"model"`
	Reason string  `json:"reason"`
}

// PriceRange is the span of individual model prices.
type PriceRange struct {
	Low  float64 `json:"low"`
	High float64 `json:"high"`
}

// ConsensusValuation combines the individual valuations.
type ConsensusValuation struct {
	WeightedFairValue float64    `json:"weighted_fair_value"`
	SimpleAverage     float64    `json:"simple_average"`
	Range             PriceRange `json:"range"`
	UpsideToWeighted  float64    `json:"upside_to_weighted"`
	Method            string     `json:"method"`
}

// ConfidenceLevel buckets a confidence score.
type ConfidenceLevel string

const (
	ConfidenceHigh   ConfidenceLevel = "HIGH"
	ConfidenceMedium ConfidenceLevel = "MEDIUM"
	ConfidenceLow    ConfidenceLevel = "LOW"
)

// ConfidenceFactor is one signed contribution to the confidence score.
type ConfidenceFactor struct {
	Name        string  `json:"name"`
	Impact      float64 `json:"impact"`
	Description string  `json:"description"`
}

// ConfidenceScore is the aggregate reliability of a consensus.
type ConfidenceScore struct {
	Score          float64            `json:"score"`
	Level          ConfidenceLevel    `json:"level"`
	Factors        []ConfidenceFactor `json:"factors"`
	Interpretation string             `json:"interpretation"`
}

// Recommendation is the final call derived from upside to fair value.
type Recommendation string

const (
	StrongBuy  Recommendation = "STRONG BUY"
	Buy        Recommendation = "BUY"
	Hold       Recommendation = "HOLD"
	Sell       Recommendation = "SELL"
	StrongSell Recommendation = "STRONG SELL"
)

// AnalystConsensus compares the street target with the weighted fair value.
type AnalystConsensus struct {
	AverageTargetPrice float64         `json:"average_target_price"`
	AnalystCount       int             `json:"analyst_count"`
	UpsideToTarget     float64         `json:"upside_to_target"`
	GapVsWeighted      float64         `json:"gap_vs_weighted"`
	GapVsWeightedPct   float64         `json:"gap_vs_weighted_pct"`
	Ratings            *AnalystRatings `json:"ratings,omitempty"`
}

// Gap explanation statuses.
const (
	GapStatusOK      = "ok"
	GapStatusSkipped = "skipped"
	GapStatusFailed  = "failed"
)

// GapExplanation is the optional narrative for the valuation gap.
type GapExplanation struct {
	Status   string `json:"status"`
	Text     string `json:"text"`
	Provider string `json:"provider,omitempty"`
}

// FinalResult is the complete output of a valuation request. It is the
// unit stored in cache and returned to callers.
type FinalResult struct {
	RequestID            string                `json:"request_id"`
	Ticker               string                `json:"ticker"`
	CompanyName          string                `json:"company_name"`
	Sector               string                `json:"sector"`
	CurrentPrice         float64               `json:"current_price"`
	EconomicMoat         string                `json:"economic_moat,omitempty"`
	ModelPreference      string                `json:"model_preference"`
	ModelSelection       ModelSelection        `json:"model_selection"`
	IndividualValuations []IndividualValuation `json:"individual_valuations"`
	MissingModels        []ModelID             `json:"missing_models,omitempty"`
	ModelFailures        []ModelFailure        `json:"model_failures,omitempty"`
	ConsensusValuation   ConsensusValuation    `json:"consensus_valuation"`
	Confidence           ConfidenceScore       `json:"confidence"`
	Recommendation       Recommendation        `json:"recommendation"`
	AnalystConsensus     *AnalystConsensus     `json:"analyst_consensus,omitempty"`
	GapExplanation       GapExplanation        `json:"gap_explanation"`
	Cached               bool                  `json:"cached"`
	Timestamp            time.Time             `json:"timestamp"`
}
