// OpenValue: consensus valuation across multiple DCF models.
//
// Main CLI entrypoint using cobra command framework.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/seenimoa/openvalue/internal/config"
	"github.com/seenimoa/openvalue/internal/logger"
	"github.com/seenimoa/openvalue/internal/trace"
)

// Build-time variables (set via -ldflags).
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Global config and logger, set in PersistentPreRunE.
var (
	cfg *config.Config
	log *zap.Logger
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "openvalue",
	Short: "OpenValue — consensus valuation across DCF models",
	Long: `OpenValue runs a 3-Stage DCF, a Sum-of-the-Parts and an H-Model
valuation for a stock, picks and weights the models that fit the company,
and reports a consensus fair value with a confidence score and a
recommendation.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// .env is optional; a missing file is not an error.
		_ = godotenv.Load()

		var err error
		configFile, _ := cmd.Flags().GetString("config")
		if configFile != "" {
			cfg, err = config.LoadFromFile(configFile)
		} else {
			cfg, err = config.Load()
		}
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
			cfg.Logging.Level = lvl
		}
		log, err = logger.New(cfg.Logging)
		if err != nil {
			return err
		}

		if err := trace.Init(cfg.Tracing); err != nil {
			log.Warn("tracing disabled", zap.Error(err))
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = trace.Shutdown(ctx)
		if log != nil {
			_ = log.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "config file path (default: ./config/config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "log level override (debug, info, warn, error)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(valueCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
}

// --- Version Command ---

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("OpenValue %s\n", version)
		fmt.Printf("  commit:  %s\n", commit)
		fmt.Printf("  built:   %s\n", date)
	},
}

// --- Status Command ---

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show system status and configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, "═══════════════════════════════════════")
		fmt.Fprintln(out, "  OpenValue — System Status")
		fmt.Fprintln(out, "═══════════════════════════════════════")
		fmt.Fprintf(out, "  Version:       %s (%s)\n", version, commit)
		fmt.Fprintln(out)

		fmt.Fprintln(out, "  Configuration:")
		fmt.Fprintf(out, "    LLM Provider:  %s (model: %s)\n", orNone(cfg.LLM.Primary), orNone(cfg.LLM.Model))
		fmt.Fprintf(out, "    Fundamentals:  %s\n", orNone(cfg.Engines.FundamentalsURL))
		fmt.Fprintf(out, "    3-Stage DCF:   %s\n", orNone(cfg.Engines.ThreeStageURL))
		fmt.Fprintf(out, "    SOTP:          %s\n", orNone(cfg.Engines.SOTPURL))
		fmt.Fprintf(out, "    H-Model:       %s\n", orNone(cfg.Engines.HModelURL))
		fmt.Fprintf(out, "    Cache:         %s (ttl %s)\n", orNone(cfg.Cache.Backend), cfg.Valuation.CacheTTLDuration())
		fmt.Fprintf(out, "    API Server:    %s:%d\n", cfg.API.Host, cfg.API.Port)
		fmt.Fprintln(out)

		fmt.Fprintln(out, "  API Keys:")
		for _, k := range config.CheckAPIKeys(cfg) {
			status := "❌ not set"
			if k.IsSet {
				status = fmt.Sprintf("✅ set (%s: %s, %s)", k.Source, k.Masked, k.Role)
			}
			fmt.Fprintf(out, "    %-25s %s\n", k.Name+":", status)
		}
		fmt.Fprintln(out)

		ai := config.CheckAI(cfg)
		fmt.Fprintln(out, "  AI Features:")
		if ai.Selection == config.SelectionAI {
			fmt.Fprintf(out, "    Model selection: AI via %s (rules on failure)\n", strings.Join(ai.Chain, " → "))
		} else {
			fmt.Fprintln(out, "    Model selection: rules only")
		}
		fmt.Fprintf(out, "    Gap narrative:   %s\n", onOff(ai.Narrative))

		fmt.Fprintln(out, "═══════════════════════════════════════")
		return nil
	},
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}
