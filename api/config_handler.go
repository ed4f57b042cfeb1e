package api

import (
	"net/http"

	"github.com/seenimoa/openvalue/internal/config"
)

// handleGetConfig returns the running configuration.
// API keys are excluded via json:"-" tags.
func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	if s.cfg == nil {
		writeError(w, http.StatusNotFound, "no configuration loaded")
		return
	}
	writeJSON(w, http.StatusOK, APIResponse{Success: true, Data: s.cfg})
}

// KeysResponse is returned by GET /api/v1/config/keys.
type KeysResponse struct {
	Keys []config.KeyStatus `json:"keys"`
	AI   config.AIStatus    `json:"ai"`
}

// handleGetConfigKeys returns the masked status of the LLM API keys and
// the AI features they turn on.
func (s *Server) handleGetConfigKeys(w http.ResponseWriter, r *http.Request) {
	if s.cfg == nil {
		writeError(w, http.StatusNotFound, "no configuration loaded")
		return
	}
	writeJSON(w, http.StatusOK, APIResponse{
		Success: true,
		Data: KeysResponse{
			Keys: config.CheckAPIKeys(s.cfg),
			AI:   config.CheckAI(s.cfg),
		},
	})
}
