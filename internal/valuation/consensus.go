package valuation

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/seenimoa/openvalue/internal/config"
	"github.com/seenimoa/openvalue/pkg/models"
)

// errNoValuations is returned when asked to aggregate nothing.
var errNoValuations = errors.New("no valuations to aggregate")

// Aggregator caps individual prices and combines them into a consensus.
type Aggregator struct {
	caps config.CapsConfig
}

// NewAggregator creates an aggregator with the given sanity caps.
func NewAggregator(caps config.CapsConfig) *Aggregator {
	return &Aggregator{caps: caps}
}

// ApplyCaps returns copies of vals with sanity ceilings applied. When a
// cap fires the engine's price is kept in PricePerShareOriginal and the
// upside is recomputed against currentPrice.
func (a *Aggregator) ApplyCaps(vals []models.IndividualValuation, currentPrice float64, sector string) []models.IndividualValuation {
	out := make([]models.IndividualValuation, len(vals))
	copy(out, vals)
	if !a.caps.Enabled || currentPrice <= 0 {
		return out
	}

	multiple, label := a.ceiling(sector)
	if multiple <= 0 {
		return out
	}
	limit := multiple * currentPrice
	for i := range out {
		v := &out[i]
		if v.PricePerShare <= limit {
			continue
		}
		v.PricePerShareOriginal = v.PricePerShare
		v.PricePerShare = limit
		v.CapsApplied = append(append([]string(nil), v.CapsApplied...), label)
		v.UpsideDownside = upside(limit, currentPrice)
	}
	return out
}

// ceiling returns the tightest multiple applicable to sector and its label.
func (a *Aggregator) ceiling(sector string) (float64, string) {
	multiple := a.caps.GeneralMultiple
	label := ""
	if multiple > 0 {
		label = fmt.Sprintf("general_ceiling_%.1fx", multiple)
	}
	key := sectorKey(sector)
	if key == "" {
		return multiple, label
	}
	for name, m := range a.caps.SectorMultiples {
		if m <= 0 || sectorKey(name) != key {
			continue
		}
		if multiple <= 0 || m <= multiple {
			multiple = m
			label = fmt.Sprintf("sector_ceiling_%s_%.1fx", sectorKey(name), m)
		}
	}
	return multiple, label
}

func sectorKey(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), ""))
}

// Aggregate combines vals into a consensus. weights are the selection
// weights; they are renormalized over the models present in vals. A model
// without a weight contributes nothing, and if no present model carries
// weight all are weighted equally.
func (a *Aggregator) Aggregate(vals []models.IndividualValuation, weights map[models.ModelID]float64, currentPrice float64) (models.ConsensusValuation, error) {
	if len(vals) == 0 {
		return models.ConsensusValuation{}, errNoValuations
	}

	var wsum float64
	for _, v := range vals {
		if w := weights[v.Model]; w > 0 {
			wsum += w
		}
	}
	equal := wsum <= 0

	var weighted, sum float64
	low, high := math.Inf(1), math.Inf(-1)
	for _, v := range vals {
		p := v.PricePerShare
		sum += p
		low = math.Min(low, p)
		high = math.Max(high, p)
		switch {
		case equal:
			weighted += p / float64(len(vals))
		case weights[v.Model] > 0:
			weighted += p * weights[v.Model] / wsum
		}
	}
	// Guard the range invariant against rounding.
	weighted = math.Min(math.Max(weighted, low), high)

	method := fmt.Sprintf("Weighted average of %d model(s), weights renormalized over successful models", len(vals))
	if equal {
		method = fmt.Sprintf("Equal weight average of %d model(s)", len(vals))
	}

	return models.ConsensusValuation{
		WeightedFairValue: weighted,
		SimpleAverage:     sum / float64(len(vals)),
		Range:             models.PriceRange{Low: low, High: high},
		UpsideToWeighted:  upside(weighted, currentPrice),
		Method:            method,
	}, nil
}

// upside returns the percentage difference of value over price.
func upside(value, price float64) float64 {
	if price <= 0 {
		return 0
	}
	return (value - price) / price * 100
}
