package valuation

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seenimoa/openvalue/pkg/models"
)

func assertNormalized(t *testing.T, sel models.ModelSelection) {
	t.Helper()
	require.Len(t, sel.Weights, len(sel.Models))
	var sum float64
	for _, m := range sel.Models {
		w, ok := sel.Weights[m]
		require.True(t, ok, "no weight for %s", m)
		assert.GreaterOrEqual(t, w, 0.0)
		sum += w
	}
	assert.InDelta(t, 1.0, sum, 1e-6)
}

func TestSelectAll(t *testing.T) {
	sel, err := NewSelector().Select(context.Background(), snapshot("AAPL", 100), models.ModelPreference{Kind: models.PreferAll})
	require.NoError(t, err)
	assert.Equal(t, models.AllModels, sel.Models)
	assert.Equal(t, models.SelectionAll, sel.Source)
	for _, m := range models.AllModels {
		assert.InDelta(t, 1.0/3, sel.Weights[m], 1e-9)
	}
	assertNormalized(t, sel)
}

func TestSelectExplicit(t *testing.T) {
	sel, err := NewSelector().Select(context.Background(), snapshot("AAPL", 100),
		models.ModelPreference{Kind: models.PreferExplicit, Model: models.SOTP})
	require.NoError(t, err)
	assert.Equal(t, []models.ModelID{models.SOTP}, sel.Models)
	assert.Equal(t, 1.0, sel.Weights[models.SOTP])
	assert.Equal(t, models.SelectionExplicit, sel.Source)

	_, err = NewSelector().Select(context.Background(), snapshot("AAPL", 100),
		models.ModelPreference{Kind: models.PreferExplicit, Model: "gordon"})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestRuleTable(t *testing.T) {
	diversified := []models.Segment{
		{Name: "Cloud", Revenue: 40}, {Name: "Ads", Revenue: 35}, {Name: "Devices", Revenue: 25},
	}
	concentrated := []models.Segment{
		{Name: "iPhone", Revenue: 70}, {Name: "Mac", Revenue: 20}, {Name: "Services", Revenue: 10},
	}

	tests := []struct {
		name    string
		mutate  func(*models.FundamentalsSnapshot)
		rules   []string
		weights map[models.ModelID]float64
	}{
		{
			name:    "mega cap",
			mutate:  func(f *models.FundamentalsSnapshot) { f.MarketCap = 2.8e12; f.RevenueCAGR3Y = 0.08 },
			rules:   []string{"mature_or_mega_cap"},
			weights: map[models.ModelID]float64{models.ThreeStage: 1},
		},
		{
			name: "diversified mega cap",
			mutate: func(f *models.FundamentalsSnapshot) {
				f.MarketCap = 2e12
				f.RevenueBySegment = diversified
			},
			rules:   []string{"diversified", "mature_or_mega_cap"},
			weights: map[models.ModelID]float64{models.SOTP: 0.5, models.ThreeStage: 0.5},
		},
		{
			name: "concentrated segments do not trigger SOTP",
			mutate: func(f *models.FundamentalsSnapshot) {
				f.MarketCap = 2e12
				f.RevenueBySegment = concentrated
			},
			rules:   []string{"mature_or_mega_cap"},
			weights: map[models.ModelID]float64{models.ThreeStage: 1},
		},
		{
			name: "high growth mid cap",
			mutate: func(f *models.FundamentalsSnapshot) {
				f.MarketCap = 50e9
				f.RevenueCAGR3Y = 0.35
			},
			rules:   []string{"high_growth"},
			weights: map[models.ModelID]float64{models.HModel: 1},
		},
		{
			name: "diversified high growth",
			mutate: func(f *models.FundamentalsSnapshot) {
				f.MarketCap = 50e9
				f.RevenueCAGR3Y = 0.25
				f.RevenueBySegment = diversified
			},
			rules:   []string{"diversified", "high_growth"},
			weights: map[models.ModelID]float64{models.SOTP: 0.5 / 0.9, models.HModel: 0.4 / 0.9},
		},
		{
			name: "growth at exactly the threshold is mature",
			mutate: func(f *models.FundamentalsSnapshot) {
				f.MarketCap = 50e9
				f.RevenueCAGR3Y = 0.15
			},
			rules:   []string{"mature_or_mega_cap"},
			weights: map[models.ModelID]float64{models.ThreeStage: 1},
		},
		{
			name: "no rule fires",
			mutate: func(f *models.FundamentalsSnapshot) {
				f.MarketCap = 50e9
				f.RevenueCAGR3Y = math.NaN()
			},
			rules:   []string{"default"},
			weights: map[models.ModelID]float64{models.ThreeStage: 1},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap := snapshot("TEST", 100)
			tt.mutate(snap)
			sel, err := NewSelector().Select(context.Background(), snap, models.ModelPreference{Kind: models.PreferAuto})
			require.NoError(t, err)
			assert.Equal(t, models.SelectionRules, sel.Source)
			assert.Equal(t, RuleConfidence, sel.Confidence)
			assert.Equal(t, tt.rules, sel.Rules)
			require.Len(t, sel.Weights, len(tt.weights))
			for m, w := range tt.weights {
				assert.InDelta(t, w, sel.Weights[m], 1e-9, m)
			}
			assertNormalized(t, sel)
		})
	}
}

func TestRulesOrderModelsCanonically(t *testing.T) {
	snap := snapshot("TEST", 100)
	snap.MarketCap = 2e12
	snap.RevenueBySegment = []models.Segment{{Name: "a", Revenue: 1}, {Name: "b", Revenue: 1}, {Name: "c", Revenue: 1}}
	sel := applyRules(DefaultRules, snap)
	assert.Equal(t, []models.ModelID{models.ThreeStage, models.SOTP}, sel.Models)
}

func TestSelectWithAI(t *testing.T) {
	fake := &fakeLLM{replies: []string{"```json\n" + `{
		"recommended_models": ["3stage", "h-model"],
		"reasoning": "Mature core with a fading growth tail.",
		"confidence": 0.8,
		"weights": {"3stage": 3, "h-model": 1}
	}` + "\n```"}}
	s := NewSelector(WithSelectorLLM(fake))

	sel, err := s.Select(context.Background(), snapshot("AAPL", 100), models.ModelPreference{Kind: models.PreferAuto})
	require.NoError(t, err)
	assert.Equal(t, models.SelectionAI, sel.Source)
	assert.Equal(t, []models.ModelID{models.ThreeStage, models.HModel}, sel.Models)
	assert.InDelta(t, 0.75, sel.Weights[models.ThreeStage], 1e-9)
	assert.InDelta(t, 0.25, sel.Weights[models.HModel], 1e-9)
	assert.Equal(t, 0.8, sel.Confidence)
	assert.Equal(t, "Mature core with a fading growth tail.", sel.Reasoning)
	assertNormalized(t, sel)

	require.Len(t, fake.opts, 1)
	assert.True(t, fake.opts[0].JSONMode)
}

func TestSelectAIFallsBackToRules(t *testing.T) {
	tests := []struct {
		name string
		llm  *fakeLLM
	}{
		{"malformed JSON", &fakeLLM{replies: []string{`{"recommended_models": ["3stage"`}}},
		{"prose", &fakeLLM{replies: []string{"I would use a DCF."}}},
		{"weights not matching models", &fakeLLM{replies: []string{
			`{"recommended_models":["3stage","sotp"],"confidence":0.7,"weights":{"3stage":1}}`}}},
		{"extra weight key", &fakeLLM{replies: []string{
			`{"recommended_models":["3stage"],"confidence":0.7,"weights":{"3stage":1,"sotp":1}}`}}},
		{"negative weight", &fakeLLM{replies: []string{
			`{"recommended_models":["3stage","sotp"],"confidence":0.7,"weights":{"3stage":1.5,"sotp":-0.5}}`}}},
		{"zero weights", &fakeLLM{replies: []string{
			`{"recommended_models":["3stage"],"confidence":0.7,"weights":{"3stage":0}}`}}},
		{"unknown model", &fakeLLM{replies: []string{
			`{"recommended_models":["monte_carlo"],"confidence":0.7,"weights":{"monte_carlo":1}}`}}},
		{"alias duplicate", &fakeLLM{replies: []string{
			`{"recommended_models":["hmodel","h-model"],"confidence":0.7,"weights":{"hmodel":1,"h-model":1}}`}}},
		{"confidence out of range", &fakeLLM{replies: []string{
			`{"recommended_models":["3stage"],"confidence":7,"weights":{"3stage":1}}`}}},
		{"empty selection", &fakeLLM{replies: []string{
			`{"recommended_models":[],"confidence":0.7,"weights":{}}`}}},
		{"transport error", &fakeLLM{err: errors.New("connection refused")}},
		{"timeout", &fakeLLM{block: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewSelector(WithSelectorLLM(tt.llm), WithSelectorTimeout(20*time.Millisecond))
			sel, err := s.Select(context.Background(), snapshot("AAPL", 100), models.ModelPreference{Kind: models.PreferAuto})
			require.NoError(t, err)
			assert.Equal(t, models.SelectionRules, sel.Source)
			assert.Equal(t, 1, tt.llm.Calls())
			assertNormalized(t, sel)
		})
	}
}

func TestSelectorSkipsAIForExplicitAndAll(t *testing.T) {
	fake := &fakeLLM{replies: []string{`{}`}}
	s := NewSelector(WithSelectorLLM(fake))
	_, err := s.Select(context.Background(), snapshot("AAPL", 100), models.ModelPreference{Kind: models.PreferAll})
	require.NoError(t, err)
	_, err = s.Select(context.Background(), snapshot("AAPL", 100), models.ModelPreference{Kind: models.PreferExplicit, Model: models.HModel})
	require.NoError(t, err)
	assert.Equal(t, 0, fake.Calls())
}

func TestSelectorPromptIncludesSegments(t *testing.T) {
	snap := snapshot("GOOGL", 170)
	snap.RevenueBySegment = []models.Segment{{Name: "Search", Revenue: 175e9}, {Name: "Cloud", Revenue: 33e9}}
	p := selectorPrompt(snap)
	assert.Contains(t, p, "GOOGL")
	assert.Contains(t, p, "- Search: $175.00B (84%)")
	assert.Contains(t, p, "3y CAGR: 8.0%")
}
