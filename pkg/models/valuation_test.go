package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseModelID(t *testing.T) {
	tests := []struct {
		in   string
		want ModelID
		ok   bool
	}{
		{"3stage", ThreeStage, true},
		{"ThreeStage", ThreeStage, true},
		{"three_stage", ThreeStage, true},
		{" SOTP ", SOTP, true},
		{"h-model", HModel, true},
		{"hmodel", HModel, true},
		{"dcf", ThreeStage, true},
		{"monte-carlo", "", false},
	}
	for _, tt := range tests {
		got, ok := ParseModelID(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestParseModelPreference(t *testing.T) {
	p, err := ParseModelPreference("")
	require.NoError(t, err)
	assert.Equal(t, PreferAuto, p.Kind)
	assert.Equal(t, "auto", p.String())

	p, err = ParseModelPreference("ALL")
	require.NoError(t, err)
	assert.Equal(t, PreferAll, p.Kind)
	assert.Equal(t, "all", p.String())

	p, err = ParseModelPreference("H-Model")
	require.NoError(t, err)
	assert.Equal(t, ModelPreference{Kind: PreferExplicit, Model: HModel}, p)
	assert.Equal(t, "hmodel", p.String())

	_, err = ParseModelPreference("gordon")
	assert.Error(t, err)
}

func TestDisplayName(t *testing.T) {
	assert.Equal(t, "3-Stage DCF", ThreeStage.DisplayName())
	assert.Equal(t, "Sum-of-the-Parts", SOTP.DisplayName())
	assert.Equal(t, "H-Model DCF", HModel.DisplayName())
	assert.Equal(t, "custom", ModelID("custom").DisplayName())
}

func TestLargestSegmentShare(t *testing.T) {
	f := &FundamentalsSnapshot{}
	assert.Equal(t, 0.0, f.LargestSegmentShare())

	f.RevenueBySegment = []Segment{
		{Name: "iPhone", Revenue: 200},
		{Name: "Services", Revenue: 100},
		{Name: "Mac", Revenue: 100},
	}
	assert.InDelta(t, 0.5, f.LargestSegmentShare(), 1e-9)
}

func TestHasAnalystConsensus(t *testing.T) {
	assert.False(t, (&FundamentalsSnapshot{AnalystAvgTarget: 200}).HasAnalystConsensus())
	assert.False(t, (&FundamentalsSnapshot{AnalystCount: 10}).HasAnalystConsensus())
	assert.True(t, (&FundamentalsSnapshot{AnalystAvgTarget: 200, AnalystCount: 10}).HasAnalystConsensus())
}

func TestTimestampUnmarshal(t *testing.T) {
	tests := []struct {
		in   string
		want time.Time
	}{
		{`"2025-01-02T10:11:12.123456"`, time.Date(2025, 1, 2, 10, 11, 12, 123456000, time.UTC)},
		{`"2025-01-02T10:11:12Z"`, time.Date(2025, 1, 2, 10, 11, 12, 0, time.UTC)},
		{`"2025-01-02"`, time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		var ts Timestamp
		require.NoError(t, json.Unmarshal([]byte(tt.in), &ts), tt.in)
		assert.True(t, tt.want.Equal(ts.Time), "%s => %v", tt.in, ts.Time)
	}

	var ts Timestamp
	require.NoError(t, json.Unmarshal([]byte(`null`), &ts))
	assert.True(t, ts.IsZero())

	assert.Error(t, json.Unmarshal([]byte(`"yesterday"`), &ts))
}

func TestTimestampMarshal(t *testing.T) {
	b, err := json.Marshal(Timestamp{})
	require.NoError(t, err)
	assert.Equal(t, "null", string(b))

	b, err = json.Marshal(Timestamp{time.Date(2025, 1, 2, 10, 0, 0, 0, time.UTC)})
	require.NoError(t, err)
	assert.Equal(t, `"2025-01-02T10:00:00Z"`, string(b))
}

func TestFundamentalsSnapshotDecode(t *testing.T) {
	raw := `{
		"ticker": "AAPL", "company_name": "Apple Inc.", "sector": "Technology",
		"revenue": 383285000000, "revenue_cagr_3y": 0.08, "market_cap": 2800000000000,
		"current_price": 180.0, "shares_outstanding": 15500000000,
		"analyst_count": 45, "analyst_avg_target": 200.0,
		"analyst_ratings": {"buy": 2.1, "hold": 0, "sell": 0},
		"revenue_by_segment": [], "total_debt": 100000000000,
		"last_updated": "2025-01-02T10:11:12.5"
	}`
	var f FundamentalsSnapshot
	require.NoError(t, json.Unmarshal([]byte(raw), &f))
	assert.Equal(t, "AAPL", f.Ticker)
	assert.Equal(t, 0.08, f.RevenueCAGR3Y)
	require.NotNil(t, f.AnalystRatings)
	assert.Equal(t, 2.1, f.AnalystRatings.Buy)
	assert.Equal(t, 2025, f.LastUpdated.Year())
	assert.Nil(t, f.Raw)
}

func TestSelectionWeightsJSON(t *testing.T) {
	sel := ModelSelection{
		Models:  []ModelID{ThreeStage, HModel},
		Weights: map[ModelID]float64{ThreeStage: 0.5, HModel: 0.5},
		Source:  SelectionRules,
	}
	b, err := json.Marshal(sel)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"weights":{"3stage":0.5,"hmodel":0.5}`)
}
