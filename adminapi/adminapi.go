// Package adminapi exposes the monitoring ledger and the risk limiter's
// maintenance operations over HTTP.
package adminapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/KeyT9999/RestaurantBookingWebsite-sub002/audit"
	"github.com/KeyT9999/RestaurantBookingWebsite-sub002/monitor"
	"github.com/KeyT9999/RestaurantBookingWebsite-sub002/pubsub"
	"github.com/KeyT9999/RestaurantBookingWebsite-sub002/risk"
	"github.com/KeyT9999/RestaurantBookingWebsite-sub002/stats"
)

const (
	defaultTopLimit   = 10
	defaultAuditLimit = 100

	defaultBlockReason = "blocked by operator"
	defaultBlockedBy   = "admin"
)

// Risk is the subset of the risk limiter the API drives.
type Risk interface {
	ThreatIntelligence(ctx context.Context, client string) (risk.ThreatReport, bool)
	Unblock(ctx context.Context, client string) error
	BlockPermanently(ctx context.Context, client, reason, blockedBy, notes string) error
	PermanentlyBlocked(ctx context.Context) ([]risk.BlockedClient, error)
	OverallStatistics(ctx context.Context) (risk.Overview, error)
	CleanupOldData(ctx context.Context) (int64, error)
}

// AuditLog reads back persisted blocked-request records.
type AuditLog interface {
	Recent(ctx context.Context, client string, limit int) ([]audit.Record, error)
}

// Server serves the admin API.
type Server struct {
	monitor   *monitor.Monitor
	risk      Risk
	audit     AuditLog
	broadcast pubsub.Publisher
}

// Option configures a Server.
type Option func(*Server)

// WithRisk enables the threat, block, unblock, overview and cleanup routes.
func WithRisk(r Risk) Option {
	return func(s *Server) { s.risk = r }
}

// WithAuditLog enables the audit route.
func WithAuditLog(a AuditLog) Option {
	return func(s *Server) { s.audit = a }
}

// WithBroadcast forwards resets, blocks and alert clears to the other nodes.
func WithBroadcast(p pubsub.Publisher) Option {
	return func(s *Server) { s.broadcast = p }
}

// New creates a Server over m.
func New(m *monitor.Monitor, opts ...Option) *Server {
	s := &Server{monitor: m}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Get("/blocked", s.handleBlockedIps)
	r.Get("/blocked/{ip}", s.handleBlockedRequests)
	r.Get("/blocked/{ip}/{category}", s.handleIsBlocked)
	r.Get("/stats", s.handleAllStatistics)
	r.Get("/stats/{ip}", s.handleStatistics)
	r.Get("/top", s.handleTop)
	r.Get("/alerts", s.handleAllAlerts)
	r.Get("/alerts/{ip}", s.handleAlerts)
	r.Delete("/alerts/{ip}", s.handleClearAlerts)
	r.Get("/buckets/{ip}", s.handleBuckets)
	r.Post("/reset/{ip}", s.handleReset)

	if s.risk != nil {
		r.Get("/threat/{ip}", s.handleThreat)
		r.Get("/blocked/permanent", s.handlePermanentlyBlocked)
		r.Get("/stats/overall", s.handleOverall)
		r.Post("/block/{ip}", s.handleBlock)
		r.Post("/unblock/{ip}", s.handleUnblock)
		r.Post("/cleanup", s.handleCleanup)
	}
	if s.audit != nil {
		r.Get("/audit", s.handleAudit)
	}
	return r
}

func (s *Server) handleBlockedIps(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.monitor.BlockedIps())
}

func (s *Server) handleBlockedRequests(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.monitor.BlockedRequestsForIp(chi.URLParam(r, "ip")))
}

func (s *Server) handleIsBlocked(w http.ResponseWriter, r *http.Request) {
	ip, cat := chi.URLParam(r, "ip"), chi.URLParam(r, "category")
	writeJSON(w, http.StatusOK, map[string]any{
		"client":   ip,
		"category": cat,
		"blocked":  s.monitor.IsIpBlocked(r.Context(), ip, cat),
	})
}

func (s *Server) handleAllStatistics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.monitor.AllIpStatistics())
}

func (s *Server) handleStatistics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.monitor.IpStatistics(chi.URLParam(r, "ip")))
}

func (s *Server) handleTop(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", defaultTopLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, s.monitor.TopBlockedIps(limit))
}

func (s *Server) handleAllAlerts(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.monitor.AllAlerts())
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.monitor.AlertsForIp(chi.URLParam(r, "ip")))
}

func (s *Server) handleClearAlerts(w http.ResponseWriter, r *http.Request) {
	ip := chi.URLParam(r, "ip")
	cleared := s.monitor.ClearAlerts(ip)
	s.publish(r.Context(), pubsub.NewCommand(pubsub.OpClearAlerts, ip))
	writeJSON(w, http.StatusOK, map[string]int{"cleared": cleared})
}

func (s *Server) handleBuckets(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.monitor.BucketInfo(r.Context(), chi.URLParam(r, "ip")))
}

// handleReset broadcasts even when a source failed to forget the client:
// the in-process limiters were reset and the other nodes should follow.
func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	ip := chi.URLParam(r, "ip")
	err := s.monitor.ResetRateLimitForIp(r.Context(), ip)
	s.publish(r.Context(), pubsub.NewCommand(pubsub.OpReset, ip))
	if err != nil {
		log.Error().Err(err).Str("client", ip).Msg("rate limits partially reset")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"client": ip, "status": "partial", "error": err.Error()})
		return
	}
	log.Info().Str("client", ip).Msg("rate limits reset by operator")
	writeJSON(w, http.StatusOK, map[string]string{"client": ip, "status": "reset"})
}

func (s *Server) handleThreat(w http.ResponseWriter, r *http.Request) {
	report, ok := s.risk.ThreatIntelligence(r.Context(), chi.URLParam(r, "ip"))
	if !ok {
		writeError(w, http.StatusNotFound, stats.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleUnblock(w http.ResponseWriter, r *http.Request) {
	ip := chi.URLParam(r, "ip")
	if err := s.risk.Unblock(r.Context(), ip); err != nil {
		if errors.Is(err, stats.ErrNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		log.Error().Err(err).Str("client", ip).Msg("failed to unblock client")
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.publish(r.Context(), pubsub.NewCommand(pubsub.OpUnblock, ip))
	writeJSON(w, http.StatusOK, map[string]string{"client": ip, "status": "unblocked"})
}

type blockRequest struct {
	Reason    string `json:"reason"`
	BlockedBy string `json:"blocked_by"`
	Notes     string `json:"notes"`
}

var errInvalidBody = errors.New("adminapi: invalid request body")

func (s *Server) handleBlock(w http.ResponseWriter, r *http.Request) {
	ip := chi.URLParam(r, "ip")
	var req blockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, errInvalidBody)
		return
	}
	if req.Reason == "" {
		req.Reason = defaultBlockReason
	}
	if req.BlockedBy == "" {
		req.BlockedBy = defaultBlockedBy
	}

	if err := s.blockPermanently(r.Context(), ip, req.Reason, req.BlockedBy, req.Notes); err != nil {
		log.Error().Err(err).Str("client", ip).Msg("failed to block client")
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	cmd := pubsub.NewCommand(pubsub.OpBlock, ip)
	cmd.Reason, cmd.BlockedBy, cmd.Notes = req.Reason, req.BlockedBy, req.Notes
	s.publish(r.Context(), cmd)
	writeJSON(w, http.StatusOK, map[string]string{"client": ip, "status": "blocked"})
}

func (s *Server) blockPermanently(ctx context.Context, client, reason, blockedBy, notes string) error {
	if err := s.risk.BlockPermanently(ctx, client, reason, blockedBy, notes); err != nil {
		return err
	}
	s.monitor.PermanentBlockAlert(client, reason, blockedBy)
	return nil
}

func (s *Server) handlePermanentlyBlocked(w http.ResponseWriter, r *http.Request) {
	blocked, err := s.risk.PermanentlyBlocked(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("failed to list permanently blocked clients")
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, blocked)
}

// overallStatistics merges the stored statistics with this node's ledger.
type overallStatistics struct {
	risk.Overview
	LedgerClients    int `json:"ledger_clients"`
	UnresolvedAlerts int `json:"unresolved_alerts"`
}

func (s *Server) handleOverall(w http.ResponseWriter, r *http.Request) {
	o, err := s.risk.OverallStatistics(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("failed to compute overall statistics")
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, overallStatistics{
		Overview:         o,
		LedgerClients:    len(s.monitor.BlockedIps()),
		UnresolvedAlerts: s.monitor.AlertCount(),
	})
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	removed, err := s.risk.CleanupOldData(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("cleanup requested by operator failed")
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"removed": removed})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", defaultAuditLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	recs, err := s.audit.Recent(r.Context(), r.URL.Query().Get("client"), limit)
	if err != nil {
		log.Error().Err(err).Msg("failed to read audit log")
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) publish(ctx context.Context, cmd pubsub.Command) {
	if s.broadcast == nil {
		return
	}
	if err := s.broadcast.Publish(ctx, cmd); err != nil {
		log.Error().Err(err).Str("op", string(cmd.Op)).Str("client", cmd.Client).Msg("failed to broadcast command")
	}
}

// HandleCommand applies a command broadcast by another node.
func (s *Server) HandleCommand(ctx context.Context, cmd pubsub.Command) {
	switch cmd.Op {
	case pubsub.OpReset:
		if err := s.monitor.ResetRateLimitForIp(ctx, cmd.Client); err != nil {
			log.Error().Err(err).Str("client", cmd.Client).Str("origin", cmd.Origin).Msg("failed to apply broadcast reset")
			return
		}
	case pubsub.OpClearAlerts:
		s.monitor.ClearAlerts(cmd.Client)
	case pubsub.OpBlock:
		if s.risk == nil {
			return
		}
		if err := s.blockPermanently(ctx, cmd.Client, cmd.Reason, cmd.BlockedBy, cmd.Notes); err != nil {
			log.Error().Err(err).Str("client", cmd.Client).Str("origin", cmd.Origin).Msg("failed to apply broadcast block")
			return
		}
	case pubsub.OpUnblock:
		if s.risk == nil {
			return
		}
		if err := s.risk.Unblock(ctx, cmd.Client); err != nil && !errors.Is(err, stats.ErrNotFound) {
			log.Error().Err(err).Str("client", cmd.Client).Str("origin", cmd.Origin).Msg("failed to apply broadcast unblock")
			return
		}
	default:
		log.Warn().Str("op", string(cmd.Op)).Str("origin", cmd.Origin).Msg("ignoring unknown command")
		return
	}
	log.Debug().Str("op", string(cmd.Op)).Str("client", cmd.Client).Str("origin", cmd.Origin).Msg("broadcast command applied")
}

var errInvalidParam = errors.New("adminapi: invalid query parameter")

func intParam(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errInvalidParam
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("failed to encode admin response")
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
