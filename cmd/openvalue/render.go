package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/seenimoa/openvalue/pkg/models"
	"github.com/seenimoa/openvalue/pkg/utils"
)

const rule = "═══════════════════════════════════════════════════════════"

func renderTable(w io.Writer, res *models.FinalResult) error {
	p := &printer{w: w}

	p.line(rule)
	p.f("  %s — %s\n", res.Ticker, res.CompanyName)
	p.line(rule)
	p.f("  Sector:          %s\n", orNone(res.Sector))
	p.f("  Current price:   %s\n", utils.FormatUSD(res.CurrentPrice))
	if res.Cached {
		p.f("  Source:          cache (computed %s)\n", res.Timestamp.Format("2006-01-02 15:04 MST"))
	}
	p.line("")

	sel := res.ModelSelection
	p.f("  Model selection (%s, confidence %.0f%%)\n", sel.Source, sel.Confidence*100)
	if sel.Reasoning != "" {
		p.f("    %s\n", sel.Reasoning)
	}
	p.line("")

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "  MODEL\tFAIR VALUE\tUPSIDE\tWEIGHT\tNOTES")
	for _, v := range res.IndividualValuations {
		notes := ""
		if len(v.CapsApplied) > 0 {
			notes = fmt.Sprintf("capped from %s (%s)", utils.FormatUSD(v.PricePerShareOriginal), strings.Join(v.CapsApplied, ", "))
		}
		fmt.Fprintf(tw, "  %s\t%s\t%s\t%.0f%%\t%s\n",
			v.ModelName, utils.FormatUSD(v.PricePerShare), utils.FormatPct(v.UpsideDownside),
			sel.Weights[v.Model]*100, notes)
	}
	for _, f := range res.ModelFailures {
		fmt.Fprintf(tw, "  %s\t-\t-\t-\tfailed: %s\n", f.Model.DisplayName(), f.Reason)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	p.line("")

	c := res.ConsensusValuation
	p.f("  Weighted fair value: %s (%s)\n", utils.FormatUSD(c.WeightedFairValue), utils.FormatPct(c.UpsideToWeighted))
	p.f("  Simple average:      %s\n", utils.FormatUSD(c.SimpleAverage))
	p.f("  Range:               %s – %s\n", utils.FormatUSD(c.Range.Low), utils.FormatUSD(c.Range.High))
	p.line("")

	p.f("  Recommendation:  %s\n", res.Recommendation)
	p.f("  Confidence:      %s (%.2f)\n", res.Confidence.Level, res.Confidence.Score)
	for _, f := range res.Confidence.Factors {
		p.f("    %+.2f  %s: %s\n", f.Impact, f.Name, f.Description)
	}

	if a := res.AnalystConsensus; a != nil {
		p.line("")
		p.f("  Analyst target:  %s (%d analysts, %s)\n",
			utils.FormatUSD(a.AverageTargetPrice), a.AnalystCount, utils.FormatPct(a.UpsideToTarget))
		p.f("  Gap vs weighted: %s (%s of price)\n", utils.FormatUSD(a.GapVsWeighted), utils.FormatPct(a.GapVsWeightedPct))
	}

	if g := res.GapExplanation; g.Status != models.GapStatusSkipped && g.Text != "" {
		p.line("")
		p.line("  Why the gap:")
		p.f("    %s\n", g.Text)
	}
	p.line(rule)
	return p.err
}

// printer keeps the first write error.
type printer struct {
	w   io.Writer
	err error
}

func (p *printer) f(format string, args ...any) {
	if p.err != nil {
		return
	}
	_, p.err = fmt.Fprintf(p.w, format, args...)
}

func (p *printer) line(s string) {
	p.f("%s\n", s)
}
