package valuation

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/seenimoa/openvalue/internal/llm"
	"github.com/seenimoa/openvalue/internal/trace"
	"github.com/seenimoa/openvalue/pkg/models"
)

// GapUnavailableText is shown when the narrator fails.
const GapUnavailableText = "Explanation unavailable: the narrative service did not respond."

const narratorSystemPrompt = `You are an equity analyst. In 2-3 plain sentences, explain why the
model-derived fair value differs from the current price and from the
analyst consensus target. Refer to the key assumptions. No bullet points,
no headings, no investment advice disclaimers.`

// GapInput is what the narrator is told about a valuation.
type GapInput struct {
	Ticker        string
	CompanyName   string
	CurrentPrice  float64
	AnalystTarget float64
	AnalystCount  int
	Consensus     models.ConsensusValuation
	Valuations    []models.IndividualValuation
}

// GapExplainer narrates the gap between fair value, price and analyst target.
type GapExplainer struct {
	llm     llm.LLMProvider
	timeout time.Duration
	opts    llm.ChatOptions
	logger  *zap.Logger
}

// NewGapExplainer creates a narrator. A nil provider makes every
// explanation "skipped".
func NewGapExplainer(p llm.LLMProvider, timeout time.Duration, logger *zap.Logger) *GapExplainer {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GapExplainer{
		llm:     p,
		timeout: timeout,
		opts:    llm.ChatOptions{Temperature: 0.3, MaxTokens: 300},
		logger:  logger,
	}
}

// Start runs Explain on its own goroutine. The channel yields exactly one value.
func (g *GapExplainer) Start(ctx context.Context, in GapInput) <-chan models.GapExplanation {
	ch := make(chan models.GapExplanation, 1)
	go func() {
		ch <- g.Explain(ctx, in)
	}()
	return ch
}

// Explain asks the narrator for a short explanation. It never fails;
// problems are reported through the status field.
func (g *GapExplainer) Explain(ctx context.Context, in GapInput) models.GapExplanation {
	if g == nil || g.llm == nil {
		return models.GapExplanation{Status: models.GapStatusSkipped}
	}

	ctx, span := trace.StartSpan(ctx, "valuation.explain_gap", attribute.String("ticker", in.Ticker))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	opts := g.opts
	resp, err := g.llm.Chat(ctx, []llm.Message{
		llm.SystemMessage(narratorSystemPrompt),
		llm.UserMessage(gapPrompt(in)),
	}, &opts)
	if err == nil && (resp == nil || strings.TrimSpace(resp.Content) == "") {
		err = llm.ErrEmptyResponse
	}
	if err != nil {
		trace.Fail(span, err)
		g.logger.Warn("gap explanation failed", zap.String("ticker", in.Ticker), zap.Error(err))
		return models.GapExplanation{Status: models.GapStatusFailed, Text: GapUnavailableText}
	}

	return models.GapExplanation{
		Status:   models.GapStatusOK,
		Text:     strings.TrimSpace(resp.Content),
		Provider: resp.Provider,
	}
}

func gapPrompt(in GapInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Ticker: %s", in.Ticker)
	if in.CompanyName != "" {
		fmt.Fprintf(&b, " (%s)", in.CompanyName)
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "Current price: $%.2f\n", in.CurrentPrice)
	if in.AnalystTarget > 0 {
		fmt.Fprintf(&b, "Analyst average target: $%.2f (%d analysts)\n", in.AnalystTarget, in.AnalystCount)
	} else {
		b.WriteString("Analyst average target: not available\n")
	}
	fmt.Fprintf(&b, "Weighted fair value: $%.2f (%+.1f%% vs price)\n",
		in.Consensus.WeightedFairValue, in.Consensus.UpsideToWeighted)
	b.WriteString("Models:\n")
	for _, v := range in.Valuations {
		fmt.Fprintf(&b, "- %s: $%.2f", v.ModelName, v.PricePerShare)
		if v.WACC > 0 {
			fmt.Fprintf(&b, ", WACC %.2f%%", v.WACC*100)
		}
		if len(v.CapsApplied) > 0 {
			fmt.Fprintf(&b, ", capped from $%.2f", v.PricePerShareOriginal)
		}
		if len(v.Assumptions) > 0 {
			fmt.Fprintf(&b, ", assumptions: %s", formatAssumptions(v.Assumptions))
		}
		b.WriteString("\n")
	}
	return b.String()
}

// formatAssumptions renders scalar assumptions as key=value pairs in key order.
func formatAssumptions(a map[string]any) string {
	keys := make([]string, 0, len(a))
	for k, v := range a {
		switch v.(type) {
		case float64, int, string, bool:
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, a[k]))
	}
	return strings.Join(parts, ", ")
}
