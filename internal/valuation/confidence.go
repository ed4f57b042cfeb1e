package valuation

import (
	"fmt"
	"math"
	"time"

	"github.com/seenimoa/openvalue/pkg/models"
)

// StaleAfter is the age after which a fundamentals snapshot lowers confidence.
const StaleAfter = 7 * 24 * time.Hour

// ConfidenceInput is everything the scorer looks at.
type ConfidenceInput struct {
	Consensus  models.ConsensusValuation
	Succeeded  int
	Selected   int
	Snapshot   *models.FundamentalsSnapshot
	ComputedAt time.Time
}

// ScoreConfidence rates how far a consensus can be trusted. The score
// starts at 0.5 and each factor adds a signed impact; the result is
// clamped to [0, 1].
func ScoreConfidence(in ConfidenceInput) models.ConfidenceScore {
	factors := []models.ConfidenceFactor{
		agreementFactor(in.Consensus, in.Succeeded),
		coverageFactor(in.Succeeded, in.Selected),
		dataQualityFactor(in.Snapshot, in.ComputedAt),
		analystFactor(in.Snapshot),
	}

	score := 0.5
	for _, f := range factors {
		score += f.Impact
	}
	score = math.Round(math.Min(math.Max(score, 0), 1)*100) / 100

	level := confidenceLevel(score)
	return models.ConfidenceScore{
		Score:          score,
		Level:          level,
		Factors:        factors,
		Interpretation: interpretations[level],
	}
}

var interpretations = map[models.ConfidenceLevel]string{
	models.ConfidenceHigh:   "Models broadly agree on complete data; the fair value estimate is well supported.",
	models.ConfidenceMedium: "Reasonable estimate, but model disagreement or data gaps warrant a margin of safety.",
	models.ConfidenceLow:    "Low conviction: models diverge or inputs are incomplete. Treat the fair value as indicative only.",
}

func confidenceLevel(score float64) models.ConfidenceLevel {
	switch {
	case score >= 0.75:
		return models.ConfidenceHigh
	case score >= 0.5:
		return models.ConfidenceMedium
	default:
		return models.ConfidenceLow
	}
}

func agreementFactor(c models.ConsensusValuation, succeeded int) models.ConfidenceFactor {
	f := models.ConfidenceFactor{Name: "model_agreement"}
	if succeeded <= 1 {
		f.Impact = -0.05
		f.Description = "Single model; no cross-model agreement check"
		return f
	}

	spread := math.Inf(1)
	if c.WeightedFairValue > 0 {
		spread = (c.Range.High - c.Range.Low) / c.WeightedFairValue
	}
	switch {
	case spread <= 0.15:
		f.Impact = 0.20
	case spread <= 0.30:
		f.Impact = 0.10
	case spread <= 0.50:
		f.Impact = 0
	default:
		f.Impact = -0.15
	}
	f.Description = fmt.Sprintf("Model spread is %.0f%% of weighted fair value", spread*100)
	return f
}

func coverageFactor(succeeded, selected int) models.ConfidenceFactor {
	f := models.ConfidenceFactor{Name: "model_coverage"}
	if selected <= 0 {
		f.Impact = -0.20
		f.Description = "No models selected"
		return f
	}
	ratio := float64(succeeded) / float64(selected)
	if ratio >= 1 {
		f.Impact = 0.10
	} else {
		f.Impact = -0.20 * (1 - ratio)
	}
	f.Description = fmt.Sprintf("%d of %d selected models succeeded", succeeded, selected)
	return f
}

func dataQualityFactor(snap *models.FundamentalsSnapshot, now time.Time) models.ConfidenceFactor {
	f := models.ConfidenceFactor{Name: "data_quality"}
	if snap == nil {
		f.Impact = -0.15
		f.Description = "No fundamentals snapshot"
		return f
	}

	present := []bool{
		snap.Revenue > 0,
		snap.MarketCap > 0,
		snap.CurrentPrice > 0,
		snap.RevenueCAGR3Y != 0,
		snap.EBITDAMargin != 0,
		snap.FCFMargin != 0,
		snap.Sector != "",
		snap.SharesOutstanding > 0,
	}
	n := 0
	for _, ok := range present {
		if ok {
			n++
		}
	}
	completeness := float64(n) / float64(len(present))
	switch {
	case completeness >= 0.9:
		f.Impact = 0.10
	case completeness >= 0.7:
		f.Impact = 0
	default:
		f.Impact = -0.15
	}
	f.Description = fmt.Sprintf("%d of %d key fields present", n, len(present))

	if !snap.LastUpdated.IsZero() && !now.IsZero() && now.Sub(snap.LastUpdated.Time) > StaleAfter {
		f.Impact -= 0.05
		f.Description += fmt.Sprintf("; data is %d days old", int(now.Sub(snap.LastUpdated.Time).Hours()/24))
	}
	return f
}

func analystFactor(snap *models.FundamentalsSnapshot) models.ConfidenceFactor {
	if snap != nil && snap.HasAnalystConsensus() {
		return models.ConfidenceFactor{
			Name:        "analyst_cross_check",
			Impact:      0.05,
			Description: fmt.Sprintf("%d analysts with an average target of $%.2f", snap.AnalystCount, snap.AnalystAvgTarget),
		}
	}
	return models.ConfidenceFactor{
		Name:        "analyst_cross_check",
		Impact:      -0.05,
		Description: "No analyst consensus to cross-check against",
	}
}
