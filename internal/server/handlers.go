package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/arvell/drops-agent/internal/channels"
)

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"state":     s.agent.State().String(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	var watching any
	if ch := s.agent.Watcher().Target(); ch != nil {
		watching = map[string]string{"id": ch.ID, "login": ch.Login}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"state":       s.agent.State().String(),
		"username":    s.agent.Username(),
		"manual_mode": s.agent.Channels().ManualActive(),
		"channels":    s.agent.Channels().Count(),
		"watching":    watching,
	})
}

func (s *Server) handleChannels(w http.ResponseWriter, _ *http.Request) {
	all := s.agent.Channels().All()
	out := make([]channelSummary, 0, len(all))
	for _, ch := range all {
		ch.Mu.RLock()
		summary := channelSummary{
			ID:       ch.ID,
			Login:    ch.Login,
			Name:     ch.Name,
			ACLBased: ch.ACLBased,
			Watching: ch.Watching,
		}
		if ch.Stream != nil {
			summary.Online = true
			summary.Viewers = ch.Stream.Viewers
			summary.DropsEnabled = ch.Stream.DropsEnabled
		}
		if ch.Game != nil {
			summary.Game = ch.Game.Name
		}
		ch.Mu.RUnlock()
		out = append(out, summary)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleInventory(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.agent.Inventory().Campaigns())
}

func (s *Server) handleSelectChannel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ChannelID string `json:"channel_id"`
	}
	if err := decodeBody(r, &req); err != nil || req.ChannelID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "channel_id required"})
		return
	}

	err := s.agent.SelectChannel(r.Context(), req.ChannelID)
	switch {
	case errors.Is(err, channels.ErrChannelNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
	case errors.Is(err, channels.ErrChannelOffline):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
	default:
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	}
}

func (s *Server) handleExitManualMode(w http.ResponseWriter, r *http.Request) {
	s.agent.ExitManualMode(r.Context())
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleReload(w http.ResponseWriter, _ *http.Request) {
	s.agent.Reload()
	writeJSON(w, http.StatusAccepted, map[string]bool{"ok": true})
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	patch, err := io.ReadAll(io.LimitReader(r.Body, 64<<10))
	if err != nil || len(patch) == 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "settings patch required"})
		return
	}
	updated, err := s.agent.UpdateSettings(patch)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleVerifyProxy(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Proxy string `json:"proxy"`
	}
	if err := decodeBody(r, &req); err != nil || req.Proxy == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "proxy required"})
		return
	}
	if err := s.agent.VerifyProxy(r.Context(), req.Proxy); err != nil {
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type channelSummary struct {
	ID           string `json:"id"`
	Login        string `json:"login"`
	Name         string `json:"name"`
	Game         string `json:"game,omitempty"`
	Online       bool   `json:"online"`
	Viewers      int    `json:"viewers"`
	DropsEnabled bool   `json:"drops_enabled"`
	ACLBased     bool   `json:"acl_based"`
	Watching     bool   `json:"watching"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func decodeBody(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, 64<<10))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(v) //nolint:errcheck
}
