package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/seenimoa/openvalue/internal/valuation"
	"github.com/seenimoa/openvalue/pkg/models"
)

// Output formats of the value command.
const (
	formatTable = "table"
	formatJSON  = "json"
	formatYAML  = "yaml"
)

// --- Value Command ---

var valueCmd = &cobra.Command{
	Use:   "value [ticker]",
	Short: "Compute the consensus valuation of a stock",
	Long: `Compute the consensus fair value of a stock.

Examples:
  openvalue value AAPL
  openvalue value MSFT --model all
  openvalue value GOOGL --model sotp --format json
  openvalue value NVDA --fresh --no-explain`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		model, _ := cmd.Flags().GetString("model")
		fresh, _ := cmd.Flags().GetBool("fresh")
		noExplain, _ := cmd.Flags().GetBool("no-explain")
		format, _ := cmd.Flags().GetString("format")

		format = strings.ToLower(format)
		switch format {
		case formatTable, formatJSON, formatYAML:
		default:
			return fmt.Errorf("unknown format %q (want table, json or yaml)", format)
		}
		if model == "" {
			model = cfg.Valuation.DefaultPreference
		}

		ctx := cmd.Context()
		svc, cleanup, err := buildService(ctx, nil)
		if err != nil {
			return err
		}
		defer cleanup()

		res, err := svc.Value(ctx, args[0], valuation.Options{
			Model:   model,
			Fresh:   fresh,
			Explain: cfg.Valuation.Explain && !noExplain,
		})
		if err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), res, format)
	},
}

func init() {
	valueCmd.Flags().String("model", "", "model preference: auto, all, 3stage, sotp or hmodel (default from config)")
	valueCmd.Flags().Bool("fresh", false, "skip the cached result")
	valueCmd.Flags().Bool("no-explain", false, "skip the valuation gap narrative")
	valueCmd.Flags().String("format", formatTable, "output format: table, json or yaml")
}

func render(w io.Writer, res *models.FinalResult, format string) error {
	switch format {
	case formatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	case formatYAML:
		return renderYAML(w, res)
	default:
		return renderTable(w, res)
	}
}

// renderYAML goes through JSON so the YAML keys match the JSON field names.
func renderYAML(w io.Writer, res *models.FinalResult) error {
	raw, err := json.Marshal(res)
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return err
	}
	return enc.Close()
}
