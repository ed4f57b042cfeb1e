package valuation

import (
	"math"

	"github.com/seenimoa/openvalue/pkg/models"
)

// Recommend maps the upside to weighted fair value (percent) to a call.
// NaN maps to HOLD.
func Recommend(upside float64) models.Recommendation {
	switch {
	case math.IsNaN(upside):
		return models.Hold
	case upside > 20:
		return models.StrongBuy
	case upside > 10:
		return models.Buy
	case upside > -5:
		return models.Hold
	case upside > -15:
		return models.Sell
	default:
		return models.StrongSell
	}
}
