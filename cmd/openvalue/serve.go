package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/seenimoa/openvalue/api"
)

// --- Serve Command (API Server) ---

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		if port, _ := cmd.Flags().GetInt("port"); port > 0 {
			cfg.API.Port = port
		}

		hub := api.NewWSHub(log)
		svc, cleanup, err := buildService(cmd.Context(), hub.NotifyValuation)
		if err != nil {
			return err
		}
		defer cleanup()

		srv := api.NewServer(cfg, svc,
			api.WithHub(hub),
			api.WithLogger(log),
			api.WithVersion(version),
		)
		defer hub.Close()

		addr := fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port)
		fmt.Fprintf(cmd.OutOrStdout(), "🌐 Starting OpenValue API server on %s\n", addr)
		return srv.ListenAndServe(addr)
	},
}

func init() {
	serveCmd.Flags().Int("port", 0, "listen port (default from config)")
}
