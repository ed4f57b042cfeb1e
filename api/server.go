// Package api provides the HTTP REST API server for OpenValue.
//
// It exposes the consensus valuation endpoint, configuration status and a
// WebSocket stream of completed valuations.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/seenimoa/openvalue/internal/config"
	"github.com/seenimoa/openvalue/internal/valuation"
	"github.com/seenimoa/openvalue/pkg/models"
)

// Valuer computes consensus valuations. *valuation.Service satisfies it.
type Valuer interface {
	Value(ctx context.Context, ticker string, opts valuation.Options) (*models.FinalResult, error)
	Invalidate(ctx context.Context, ticker string) error
}

// Server is the HTTP API server.
type Server struct {
	router  chi.Router
	cfg     *config.Config
	valuer  Valuer
	wsHub   *WSHub
	logger  *zap.Logger
	version string
	started time.Time
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithHub shares an existing hub, typically one also fed by the
// valuation service's completion hook.
func WithHub(h *WSHub) ServerOption {
	return func(s *Server) {
		if h != nil {
			s.wsHub = h
		}
	}
}

// WithLogger sets the server logger.
func WithLogger(l *zap.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithVersion sets the version reported by /health.
func WithVersion(v string) ServerOption {
	return func(s *Server) { s.version = v }
}

// NewServer creates a configured API server with all routes and middleware.
func NewServer(cfg *config.Config, v Valuer, opts ...ServerOption) *Server {
	srv := &Server{
		cfg:     cfg,
		valuer:  v,
		logger:  zap.NewNop(),
		version: "dev",
		started: time.Now(),
	}
	for _, o := range opts {
		o(srv)
	}
	if srv.wsHub == nil {
		srv.wsHub = NewWSHub(srv.logger)
	}
	srv.router = srv.buildRouter()
	return srv
}

// Router returns the chi router for testing.
func (s *Server) Router() chi.Router {
	return s.router
}

// Hub returns the WebSocket hub.
func (s *Server) Hub() *WSHub {
	return s.wsHub
}

// ListenAndServe starts the HTTP server with graceful shutdown on SIGINT/SIGTERM.
func (s *Server) ListenAndServe(addr string) error {
	httpSrv := &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go s.wsHub.Run()

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(done)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api listening", zap.String("addr", addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-done:
	}
	s.logger.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	return httpSrv.Shutdown(ctx)
}

// buildRouter configures all routes and middleware.
func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(120 * time.Second))

	origins := []string{"*"}
	if s.cfg != nil && len(s.cfg.API.CORSOrigins) > 0 {
		origins = s.cfg.API.CORSOrigins
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", s.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Get("/valuation/{ticker}", s.handleValuation)
		r.Delete("/valuation/{ticker}", s.handleInvalidate)

		r.Get("/config", s.handleGetConfig)
		r.Get("/config/keys", s.handleGetConfigKeys)

		r.Get("/ws", s.handleWebSocket)
	})

	return r
}

// requestLogger logs one line per request through zap.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

// APIResponse is the standard JSON envelope.
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	Uptime    string `json:"uptime"`
	WSClients int    `json:"ws_clients"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, APIResponse{
		Success: true,
		Data: HealthResponse{
			Status:    "ok",
			Version:   s.version,
			Uptime:    time.Since(s.started).Round(time.Second).String(),
			WSClients: s.wsHub.ClientCount(),
		},
	})
}

// handleValuation serves GET /api/v1/valuation/{ticker}?model=&fresh=&explain=.
func (s *Server) handleValuation(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := valuation.Options{Model: q.Get("model")}
	if opts.Model == "" && s.cfg != nil {
		opts.Model = s.cfg.Valuation.DefaultPreference
	}

	var err error
	if opts.Fresh, err = boolParam(q.Get("fresh"), false); err != nil {
		writeError(w, http.StatusBadRequest, "fresh: "+err.Error())
		return
	}
	explainDefault := s.cfg == nil || s.cfg.Valuation.Explain
	if opts.Explain, err = boolParam(q.Get("explain"), explainDefault); err != nil {
		writeError(w, http.StatusBadRequest, "explain: "+err.Error())
		return
	}

	res, err := s.valuer.Value(r.Context(), chi.URLParam(r, "ticker"), opts)
	if err != nil {
		s.logger.Warn("valuation failed",
			zap.String("ticker", chi.URLParam(r, "ticker")),
			zap.Error(err),
		)
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, APIResponse{Success: true, Data: res})
}

// handleInvalidate drops every cached result for a ticker.
func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	ticker := chi.URLParam(r, "ticker")
	if err := s.valuer.Invalidate(r.Context(), ticker); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, APIResponse{Success: true, Data: map[string]string{"invalidated": ticker}})
}

// statusFor maps valuation error kinds to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, valuation.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, valuation.ErrUpstreamUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, valuation.ErrTotalModelFailure):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		// Client went away; the status is never read.
		return 499
	default:
		return http.StatusInternalServerError
	}
}

func boolParam(s string, def bool) (bool, error) {
	if s == "" {
		return def, nil
	}
	return strconv.ParseBool(s)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, APIResponse{
		Success: false,
		Error:   msg,
	})
}
