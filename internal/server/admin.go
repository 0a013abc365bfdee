package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/conductorhq/conductor/internal/prompt"
	"github.com/conductorhq/conductor/internal/ratelimit"
	"github.com/conductorhq/conductor/internal/session"
	"github.com/conductorhq/conductor/internal/toolserver"
)

// admin wraps an admin handler with per-org fixed-window rate limiting.
// Responses carry the remaining window allowance; a rejected request carries
// Retry-After so callers know when the window resets.
func (s *Server) admin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		org := r.PathValue("org")
		if org == "" {
			writeError(w, http.StatusBadRequest, "org is required")
			return
		}
		key := ratelimit.CompositeKey("admin", org)
		if !s.limiter.Allow(key) {
			status := s.limiter.GetStatus(key)
			w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(status.ResetAfter)))
			s.logger.Warn("admin rate limit exceeded", "org", org, "path", r.URL.Path)
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(s.limiter.GetStatus(key).Remaining))
		next(w, r)
	}
}

// retryAfterSeconds rounds the window remainder up to whole seconds.
func retryAfterSeconds(d time.Duration) int {
	if d <= 0 {
		return 1
	}
	return int((d + time.Second - 1) / time.Second)
}

func (s *Server) handleGetServers(w http.ResponseWriter, r *http.Request) {
	org := r.PathValue("org")
	servers, err := s.stores.Servers.Servers(r.Context(), org)
	if err != nil {
		s.logger.Error("failed to load server set", "org", org, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load server set")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"servers": servers})
}

func (s *Server) handlePutServers(w http.ResponseWriter, r *http.Request) {
	org := r.PathValue("org")
	var body struct {
		Servers []toolserver.ServerConfig `json:"servers"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := toolserver.ValidateServerSet(body.Servers); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.stores.Servers.SetServers(r.Context(), org, body.Servers); err != nil {
		s.logger.Error("failed to store server set", "org", org, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to store server set")
		return
	}
	s.logger.Info("server set updated", "org", org, "servers", len(body.Servers))
	writeJSON(w, http.StatusOK, map[string]any{"servers": body.Servers})
}

// Overrides endpoints address org-level slots by default; ?user= selects a
// user's overrides within the org.
func (s *Server) handleGetOverrides(w http.ResponseWriter, r *http.Request) {
	org := r.PathValue("org")
	user := r.URL.Query().Get("user")

	var (
		overrides prompt.Overrides
		err       error
	)
	if user == "" {
		overrides, err = s.stores.Overrides.OrgOverrides(r.Context(), org)
	} else {
		overrides, err = s.stores.Overrides.UserOverrides(r.Context(), org, user)
	}
	if err != nil {
		s.logger.Error("failed to load overrides", "org", org, "user", user, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load overrides")
		return
	}
	if overrides == nil {
		overrides = prompt.Overrides{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"overrides": overrides})
}

func (s *Server) handlePutOverrides(w http.ResponseWriter, r *http.Request) {
	org := r.PathValue("org")
	user := r.URL.Query().Get("user")

	var body struct {
		Overrides prompt.Overrides `json:"overrides"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	for slot := range body.Overrides {
		if !prompt.ValidSlot(slot) {
			writeError(w, http.StatusBadRequest, "unknown prompt slot: "+slot)
			return
		}
	}

	var err error
	if user == "" {
		err = s.stores.Overrides.SetOrgOverrides(r.Context(), org, body.Overrides)
	} else {
		err = s.stores.Overrides.SetUserOverrides(r.Context(), org, user, body.Overrides)
	}
	if err != nil {
		s.logger.Error("failed to store overrides", "org", org, "user", user, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to store overrides")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"overrides": body.Overrides})
}

func (s *Server) handleGetOrgConfig(w http.ResponseWriter, r *http.Request) {
	org := r.PathValue("org")
	config, err := s.stores.OrgConfig.OrgConfig(r.Context(), org)
	if err != nil {
		s.logger.Error("failed to load org config", "org", org, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load org config")
		return
	}
	writeJSON(w, http.StatusOK, config)
}

func (s *Server) handlePutOrgConfig(w http.ResponseWriter, r *http.Request) {
	org := r.PathValue("org")
	var config session.OrgConfig
	if err := json.NewDecoder(r.Body).Decode(&config); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := config.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.stores.OrgConfig.SetOrgConfig(r.Context(), org, config); err != nil {
		s.logger.Error("failed to store org config", "org", org, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to store org config")
		return
	}
	writeJSON(w, http.StatusOK, config)
}

func (s *Server) handleDeleteHistory(w http.ResponseWriter, r *http.Request) {
	org := r.PathValue("org")
	user := r.PathValue("user")
	key := session.Key{Org: org, User: user}
	if err := s.stores.History.Clear(r.Context(), key); err != nil {
		s.logger.Error("failed to clear history", "key", key.String(), "error", err)
		writeError(w, http.StatusInternalServerError, "failed to clear history")
		return
	}
	s.logger.Info("history cleared", "key", key.String())
	w.WriteHeader(http.StatusNoContent)
}
