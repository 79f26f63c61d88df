// Package server wires the public ingress, the agent control channel and the
// management API onto one listener.
package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/tunnelgate/tunnelgate/internal/config"
	"github.com/tunnelgate/tunnelgate/internal/forward"
	"github.com/tunnelgate/tunnelgate/internal/inspect"
	"github.com/tunnelgate/tunnelgate/internal/prom"
	"github.com/tunnelgate/tunnelgate/internal/protocol"
	"github.com/tunnelgate/tunnelgate/internal/ratelimit"
	"github.com/tunnelgate/tunnelgate/internal/replay"
	"github.com/tunnelgate/tunnelgate/internal/tunnel"
)

type Server struct {
	Config    *config.Config
	Registry  *tunnel.Registry
	Forwarder *forward.Forwarder
	Inspector *inspect.Inspector
	Replay    *replay.Engine
	Gate      *ratelimit.Gate
	Access    *ratelimit.AccessControl
	PromReg   *prometheus.Registry

	startedAt time.Time
}

func New(cfg *config.Config, reg *tunnel.Registry, fwd *forward.Forwarder, insp *inspect.Inspector, rep *replay.Engine, gate *ratelimit.Gate, access *ratelimit.AccessControl, promReg *prometheus.Registry) *Server {
	return &Server{
		Config:    cfg,
		Registry:  reg,
		Forwarder: fwd,
		Inspector: insp,
		Replay:    rep,
		Gate:      gate,
		Access:    access,
		PromReg:   promReg,
		startedAt: time.Now(),
	}
}

// Handler returns the root handler: host-based dispatch between tunnel
// traffic and the management surface.
func (s *Server) Handler() http.Handler {
	mgmt := s.Router()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if subdomain, ok := s.tunnelHost(r.Host); ok {
			s.serveTunnel(w, r, subdomain)
			return
		}
		mgmt.ServeHTTP(w, r)
	})
}

// Router builds the management API.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/connect", s.handleConnect)

	r.Get("/tunnels", s.handleListTunnels)
	r.Get("/tunnels/{id}", s.handleGetTunnel)
	r.Delete("/tunnels/{id}", s.handleCloseTunnel)

	r.Get("/traffic", s.handleListTraffic)
	r.Delete("/traffic", s.handlePurgeTraffic)
	r.Get("/traffic/{id}", s.handleGetTraffic)

	r.Get("/metrics", s.handleMetrics)
	if s.PromReg != nil {
		r.Handle("/metrics/prometheus", prom.Handler(s.PromReg))
	}

	r.Post("/replay/{id}", s.handleReplay)
	r.Post("/replay/{id}/diff", s.handleReplayDiff)
	r.Get("/replays", s.handleListReplays)
	r.Get("/replays/{id}", s.handleGetReplay)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := s.Registry.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"uptime_s": int64(time.Since(s.startedAt).Seconds()),
		"tunnels":  stats.ActiveTunnels,
	})
}

// tunnelSummary is the management view of one live session.
type tunnelSummary struct {
	TunnelID     string    `json:"tunnel_id"`
	Subdomain    string    `json:"subdomain"`
	PublicURL    string    `json:"public_url"`
	LocalPort    int       `json:"local_port"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastActivity time.Time `json:"last_activity"`
	UptimeMS     int64     `json:"uptime_ms"`
	RequestCount int64     `json:"request_count"`
}

func (s *Server) summarize(sess *tunnel.Session) tunnelSummary {
	return tunnelSummary{
		TunnelID:     sess.ID,
		Subdomain:    sess.Subdomain,
		PublicURL:    s.Config.PublicURL(sess.Subdomain),
		LocalPort:    sess.LocalPort,
		ConnectedAt:  sess.CreatedAt,
		LastActivity: sess.LastActivity(),
		UptimeMS:     time.Since(sess.CreatedAt).Milliseconds(),
		RequestCount: sess.RequestCount(),
	}
}

func (s *Server) handleListTunnels(w http.ResponseWriter, r *http.Request) {
	sessions := s.Registry.List()
	out := make([]tunnelSummary, len(sessions))
	for i, sess := range sessions {
		out[i] = s.summarize(sess)
	}
	stats := s.Registry.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"tunnels":          out,
		"active":           stats.ActiveTunnels,
		"total_registered": stats.TotalRegistered,
		"total_closed":     stats.TotalClosed,
	})
}

func (s *Server) handleGetTunnel(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.Registry.LookupByID(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, protocol.CodeTunnelNotFound, "no such tunnel")
		return
	}
	writeJSON(w, http.StatusOK, s.summarize(sess))
}

func (s *Server) handleCloseTunnel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.Registry.Close(id, "Closed via management API") {
		writeError(w, http.StatusNotFound, protocol.CodeTunnelNotFound, "no such tunnel")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListTraffic(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := inspect.Filter{
		Method:      q.Get("method"),
		PathPattern: q.Get("path"),
	}
	if v := q.Get("status_code"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, protocol.CodeRequestFailed, "invalid status_code filter")
			return
		}
		f.StatusCode = n
	}
	if v := q.Get("since"); v != "" {
		at, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, protocol.CodeRequestFailed, "since must be RFC 3339")
			return
		}
		f.Since = at
	}
	if v := q.Get("limit"); v != "" {
		f.Limit, _ = strconv.Atoi(v)
	}
	if v := q.Get("offset"); v != "" {
		f.Offset, _ = strconv.Atoi(v)
	}

	entries, err := s.Inspector.Store().List(f)
	if err != nil {
		writeError(w, http.StatusBadRequest, protocol.CodeRequestFailed, "invalid path pattern: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"requests": entries,
		"count":    len(entries),
	})
}

func (s *Server) handleGetTraffic(w http.ResponseWriter, r *http.Request) {
	e, ok := s.Inspector.Store().GetByID(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, protocol.CodeRequestNotFound, "no such request")
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) handlePurgeTraffic(w http.ResponseWriter, r *http.Request) {
	n := s.Inspector.Store().Purge()
	writeJSON(w, http.StatusOK, map[string]int{"purged": n})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Inspector.Metrics())
}

func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	mods, err := decodeMods(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, protocol.CodeRequestFailed, "invalid modifications: "+err.Error())
		return
	}
	rec, err := s.Replay.Replay(r.Context(), chi.URLParam(r, "id"), mods)
	if err != nil {
		s.writeReplayError(w, rec, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleReplayDiff(w http.ResponseWriter, r *http.Request) {
	mods, err := decodeMods(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, protocol.CodeRequestFailed, "invalid modifications: "+err.Error())
		return
	}
	res, err := s.Replay.ReplayWithDiff(r.Context(), chi.URLParam(r, "id"), mods)
	if err != nil && res == nil {
		s.writeReplayError(w, nil, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// decodeMods tolerates an empty body; anything else must be valid JSON.
func decodeMods(r *http.Request) (replay.Modifications, error) {
	var mods replay.Modifications
	if r.Body == nil {
		return mods, nil
	}
	if err := json.NewDecoder(r.Body).Decode(&mods); err != nil && !errors.Is(err, io.EOF) {
		return mods, err
	}
	return mods, nil
}

// writeReplayError maps engine errors onto the management error body. A
// replay that reached the agent but failed still returns its record.
func (s *Server) writeReplayError(w http.ResponseWriter, rec *replay.Record, err error) {
	switch {
	case errors.Is(err, replay.ErrRequestNotFound):
		writeError(w, http.StatusNotFound, protocol.CodeRequestNotFound, err.Error())
	case errors.Is(err, replay.ErrTunnelUnavailable):
		writeError(w, http.StatusServiceUnavailable, protocol.CodeTunnelUnavailable, err.Error())
	default:
		var fe *forward.Error
		if errors.As(err, &fe) && rec != nil {
			// The replay ran and produced an error outcome; surface the
			// record so the caller sees what happened.
			writeJSON(w, http.StatusOK, rec)
			return
		}
		writeError(w, http.StatusBadGateway, protocol.CodeRequestFailed, err.Error())
	}
}

func (s *Server) handleListReplays(w http.ResponseWriter, r *http.Request) {
	hist := s.Replay.History()
	writeJSON(w, http.StatusOK, map[string]any{
		"replays": hist,
		"count":   len(hist),
	})
}

func (s *Server) handleGetReplay(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.Replay.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, protocol.CodeRequestNotFound, "no such replay")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]string{"error": msg, "code": code})
}
