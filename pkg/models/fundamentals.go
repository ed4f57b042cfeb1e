package models

import (
	"encoding/json"
	"strings"
	"time"
)

// Economic moat classifications reported by the fundamentals service.
const (
	MoatWide   = "wide"
	MoatNarrow = "narrow"
	MoatNone   = "none"
)

// FundamentalsSnapshot is the per-request view of a company's financials.
// It is treated as immutable once fetched.
type FundamentalsSnapshot struct {
	Ticker            string          `json:"ticker"              validate:"required"`
	CompanyName       string          `json:"company_name"`
	Sector            string          `json:"sector"`
	Industry          string          `json:"industry,omitempty"`
	Revenue           float64         `json:"revenue"             validate:"gte=0"`
	RevenueBySegment  []Segment       `json:"revenue_by_segment"  validate:"omitempty,dive"`
	RevenueCAGR3Y     float64         `json:"revenue_cagr_3y"`  // decimal fraction, 0.15 = 15%
	EBITDAMargin      float64         `json:"ebitda_margin"`
	FCFMargin         float64         `json:"fcf_margin"`
	MarketCap         float64         `json:"market_cap"          validate:"gte=0"`
	CurrentPrice      float64         `json:"current_price"       validate:"gt=0"`
	SharesOutstanding float64         `json:"shares_outstanding"  validate:"gte=0"`
	AnalystAvgTarget  float64         `json:"analyst_avg_target"  validate:"gte=0"`
	AnalystCount      int             `json:"analyst_count"       validate:"gte=0"`
	AnalystRatings    *AnalystRatings `json:"analyst_ratings,omitempty"`
	EconomicMoat      string          `json:"economic_moat,omitempty" validate:"omitempty,oneof=wide narrow none"`
	MoatStrengthScore float64         `json:"moat_strength_score,omitempty" validate:"gte=0,lte=100"`
	DataSource        string          `json:"data_source,omitempty"`
	LastUpdated       Timestamp       `json:"last_updated"`

	// Raw is the snapshot exactly as the fundamentals service sent it. It
	// carries fields the engines need (debt, cash, beta, ...) that this
	// struct does not model.
	Raw json.RawMessage `json:"-"`
}

// Segment is one business line in a revenue breakdown.
type Segment struct {
	Name            string  `json:"name"             validate:"required"`
	Revenue         float64 `json:"revenue"          validate:"gte=0"`
	OperatingIncome float64 `json:"operating_income"`
	Margin          float64 `json:"margin"`
}

// AnalystRatings counts sell-side ratings by bucket.
type AnalystRatings struct {
	Buy  float64 `json:"buy"`
	Hold float64 `json:"hold"`
	Sell float64 `json:"sell"`
}

// HasAnalystConsensus reports whether an analyst target is usable for cross-checks.
func (f *FundamentalsSnapshot) HasAnalystConsensus() bool {
	return f.AnalystAvgTarget > 0 && f.AnalystCount > 0
}

// LargestSegmentShare returns the largest segment's fraction of total
// segment revenue, or 0 when there is no usable breakdown.
func (f *FundamentalsSnapshot) LargestSegmentShare() float64 {
	var total, largest float64
	for _, s := range f.RevenueBySegment {
		total += s.Revenue
		if s.Revenue > largest {
			largest = s.Revenue
		}
	}
	if total <= 0 {
		return 0
	}
	return largest / total
}

// Timestamp decodes both RFC 3339 and the zone-less ISO 8601 form
// ("2025-01-02T10:11:12.123456") some upstream services emit. Zone-less
// values are read as UTC.
type Timestamp struct {
	time.Time
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Timestamp) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		t.Time = time.Time{}
		return nil
	}
	var lastErr error
	for _, layout := range timestampLayouts {
		parsed, err := time.Parse(layout, s)
		if err == nil {
			t.Time = parsed
			return nil
		}
		lastErr = err
	}
	return lastErr
}

// MarshalJSON implements json.Marshaler. The zero time encodes as null.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.Time.UTC().Format(time.RFC3339Nano))
}
