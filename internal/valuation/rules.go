package valuation

import (
	"fmt"
	"strings"

	"github.com/seenimoa/openvalue/pkg/models"
)

// Thresholds used by the default rule table.
const (
	MegaCapThreshold       = 500e9
	HighGrowthCAGR         = 0.15
	DiversifiedMinSegments = 3
	DiversifiedMaxShare    = 0.60

	// RuleConfidence is the confidence reported for rule-based selections.
	RuleConfidence = 0.6
)

// Rule adds Model with Weight to the selection when Match holds.
type Rule struct {
	Name   string
	Model  models.ModelID
	Weight float64
	Reason string
	Match  func(*models.FundamentalsSnapshot) bool
}

// DefaultRules is the fallback selection table, evaluated in order.
var DefaultRules = []Rule{
	{
		Name:   "diversified",
		Model:  models.SOTP,
		Weight: 0.5,
		Reason: "diversified business with no dominant segment",
		Match: func(f *models.FundamentalsSnapshot) bool {
			return len(f.RevenueBySegment) >= DiversifiedMinSegments &&
				f.LargestSegmentShare() <= DiversifiedMaxShare
		},
	},
	{
		Name:   "high_growth",
		Model:  models.HModel,
		Weight: 0.4,
		Reason: "high growth expected to fade toward a stable rate",
		Match: func(f *models.FundamentalsSnapshot) bool {
			return f.RevenueCAGR3Y > HighGrowthCAGR && f.MarketCap <= MegaCapThreshold
		},
	},
	{
		Name:   "mature_or_mega_cap",
		Model:  models.ThreeStage,
		Weight: 0.5,
		Reason: "mature or mega-cap company suited to a multi-stage DCF",
		Match: func(f *models.FundamentalsSnapshot) bool {
			return f.MarketCap > MegaCapThreshold || f.RevenueCAGR3Y <= HighGrowthCAGR
		},
	},
}

// defaultRule applies when nothing in the table matches.
var defaultRule = Rule{
	Name:   "default",
	Model:  models.ThreeStage,
	Weight: 1.0,
	Reason: "no specific profile matched; using the 3-Stage DCF",
}

// applyRules evaluates rules against snap and returns a normalized selection.
func applyRules(rules []Rule, snap *models.FundamentalsSnapshot) models.ModelSelection {
	weights := make(map[models.ModelID]float64)
	var names, reasons []string
	for _, r := range rules {
		if r.Match == nil || !r.Match(snap) {
			continue
		}
		weights[r.Model] += r.Weight
		names = append(names, r.Name)
		reasons = append(reasons, fmt.Sprintf("%s (%s)", r.Reason, r.Model.DisplayName()))
	}
	if len(weights) == 0 {
		weights[defaultRule.Model] = defaultRule.Weight
		names = append(names, defaultRule.Name)
		reasons = append(reasons, defaultRule.Reason)
	}

	return models.ModelSelection{
		Models:     orderedModels(weights),
		Weights:    normalizeWeights(weights),
		Reasoning:  "Rule-based selection: " + strings.Join(reasons, "; ") + ".",
		Confidence: RuleConfidence,
		Source:     models.SelectionRules,
		Rules:      names,
	}
}

// orderedModels returns the keys of weights in canonical model order.
func orderedModels(weights map[models.ModelID]float64) []models.ModelID {
	out := make([]models.ModelID, 0, len(weights))
	for _, m := range models.AllModels {
		if _, ok := weights[m]; ok {
			out = append(out, m)
		}
	}
	return out
}

// normalizeWeights scales weights to sum to 1. A zero or negative sum
// yields equal weights.
func normalizeWeights(weights map[models.ModelID]float64) map[models.ModelID]float64 {
	var sum float64
	for _, w := range weights {
		if w > 0 {
			sum += w
		}
	}
	out := make(map[models.ModelID]float64, len(weights))
	for m, w := range weights {
		switch {
		case sum <= 0:
			out[m] = 1 / float64(len(weights))
		case w > 0:
			out[m] = w / sum
		default:
			out[m] = 0
		}
	}
	return out
}

func equalWeights(ids []models.ModelID) map[models.ModelID]float64 {
	out := make(map[models.ModelID]float64, len(ids))
	for _, m := range ids {
		out[m] = 1 / float64(len(ids))
	}
	return out
}
