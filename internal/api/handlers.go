package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ernie/squad-tracker/internal/domain"
	"github.com/ernie/squad-tracker/internal/verify"
)

// writeJSON writes a JSON response
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// HealthResponse is the /healthz body
type HealthResponse struct {
	Status   string                   `json:"status"`
	Database string                   `json:"database"`
	Servers  []domain.ServerStatus    `json:"servers"`
	Buffers  map[domain.EventKind]int `json:"buffers"`
}

// handleHealth is healthy when storage answers and at least one server is
// connected, or none are configured
func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	resp := HealthResponse{Status: "ok", Database: "ok", Servers: []domain.ServerStatus{}}
	if r.servers != nil {
		resp.Servers = r.servers.Status()
	}
	if r.buffer != nil {
		resp.Buffers = r.buffer.Sizes()
	}

	status := http.StatusOK
	if r.store != nil {
		if err := r.store.Ping(req.Context()); err != nil {
			resp.Database = err.Error()
			resp.Status = "unavailable"
			status = http.StatusServiceUnavailable
		}
	}

	connected := 0
	for _, s := range resp.Servers {
		if s.State == domain.StateConnected {
			connected++
		}
	}
	if len(resp.Servers) > 0 && connected == 0 {
		resp.Status = "unavailable"
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, resp)
}

// handleGetServers returns the live status of every server
func (r *Router) handleGetServers(w http.ResponseWriter, req *http.Request) {
	statuses := []domain.ServerStatus{}
	if r.servers != nil {
		statuses = r.servers.Status()
	}
	writeJSON(w, http.StatusOK, statuses)
}

// handleGetBuffers returns queue depth per event kind
func (r *Router) handleGetBuffers(w http.ResponseWriter, req *http.Request) {
	sizes := map[domain.EventKind]int{}
	if r.buffer != nil {
		sizes = r.buffer.Sizes()
	}
	writeJSON(w, http.StatusOK, sizes)
}

// handleGetPlayerStats returns stats for a player by Steam ID, or EOS ID
func (r *Router) handleGetPlayerStats(w http.ResponseWriter, req *http.Request) {
	window, err := parseWindow(req, "since", 24*time.Hour)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id := chi.URLParam(req, "steamID")
	player, err := r.store.GetPlayerBySteamID(req.Context(), id)
	if errors.Is(err, sql.ErrNoRows) {
		player, err = r.store.GetPlayerByEOSID(req.Context(), id)
	}
	if errors.Is(err, sql.ErrNoRows) {
		writeError(w, http.StatusNotFound, "player not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get player")
		return
	}

	stats, err := r.store.PlayerStats(req.Context(), player.ID, r.since(window))
	if err != nil {
		r.log.Error().Err(err).Int64("player_id", player.ID).Msg("player stats")
		writeError(w, http.StatusInternalServerError, "failed to get player stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// LeaderboardResponse is the /api/leaderboard body
type LeaderboardResponse struct {
	Window   string                    `json:"window"`
	Since    *time.Time                `json:"since,omitempty"`
	Killers  []domain.LeaderboardEntry `json:"killers"`
	Revivers []domain.LeaderboardEntry `json:"revivers"`
}

// handleGetLeaderboard returns the top killers and revivers for a window
func (r *Router) handleGetLeaderboard(w http.ResponseWriter, req *http.Request) {
	window, err := parseWindow(req, "window", 24*time.Hour)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit := parseLimit(req, 10, 100)
	since := r.since(window)

	killers, err := r.store.TopKillers(req.Context(), since, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get leaderboard")
		return
	}
	revivers, err := r.store.TopRevivers(req.Context(), since, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get leaderboard")
		return
	}

	resp := LeaderboardResponse{
		Window:   req.URL.Query().Get("window"),
		Killers:  nonNil(killers),
		Revivers: nonNil(revivers),
	}
	if resp.Window == "" {
		resp.Window = "24h"
	}
	if !since.IsZero() {
		resp.Since = &since
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleGetKillFeed returns recent kills, newest first
func (r *Router) handleGetKillFeed(w http.ResponseWriter, req *http.Request) {
	window, err := parseWindow(req, "since", time.Hour)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	feed, err := r.store.KillFeed(req.Context(), r.since(window), parseLimit(req, 50, 500))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get kill feed")
		return
	}
	writeJSON(w, http.StatusOK, nonNil(feed))
}

// VerificationRequest asks for a code on behalf of a chat user
type VerificationRequest struct {
	RequesterID    string `json:"requester_id"`
	ResponseTarget string `json:"response_target"`
	TTLSeconds     int    `json:"ttl_seconds,omitempty"`
}

// VerificationResponse carries the code the player types in game
type VerificationResponse struct {
	Code      string    `json:"code"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (r *Router) handleCreateVerification(w http.ResponseWriter, req *http.Request) {
	var body VerificationRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.RequesterID == "" {
		writeError(w, http.StatusBadRequest, "requester_id is required")
		return
	}
	if body.TTLSeconds < 0 {
		writeError(w, http.StatusBadRequest, "ttl_seconds must not be negative")
		return
	}

	pending := verify.PendingRequest{
		RequesterID:    body.RequesterID,
		ResponseTarget: body.ResponseTarget,
		TTL:            time.Duration(body.TTLSeconds) * time.Second,
	}
	ttl := pending.TTL
	if ttl == 0 {
		ttl = r.codeTTL
	}
	issuedAt := r.now().UTC()

	code, err := r.relay.StorePending(req.Context(), pending)
	switch {
	case errors.Is(err, verify.ErrCooldown):
		writeError(w, http.StatusTooManyRequests, err.Error())
		return
	case err != nil:
		r.log.Error().Err(err).Str("requester", body.RequesterID).Msg("issuing verification code")
		writeError(w, http.StatusInternalServerError, "failed to issue code")
		return
	}

	r.log.Debug().Str("client", clientFrom(req.Context())).Str("requester", body.RequesterID).Msg("verification code requested")
	writeJSON(w, http.StatusCreated, VerificationResponse{Code: code, ExpiresAt: issuedAt.Add(ttl)})
}

func (r *Router) handleCancelVerification(w http.ResponseWriter, req *http.Request) {
	err := r.relay.Cancel(req.Context(), chi.URLParam(req, "code"))
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, verify.ErrInvalidCode):
		writeError(w, http.StatusBadRequest, "malformed code")
	case errors.Is(err, verify.ErrNotFound):
		writeError(w, http.StatusNotFound, "code not found")
	default:
		writeError(w, http.StatusInternalServerError, "failed to cancel code")
	}
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
