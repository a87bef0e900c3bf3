// Package httpapi provides the HTTP surface for the hub: the inbound
// notification endpoint and read-only diagnostic endpoints.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/jayleekr/Claude-Code-Remote-sub000/internal/aggregator"
	"github.com/jayleekr/Claude-Code-Remote-sub000/internal/auth"
	"github.com/jayleekr/Claude-Code-Remote-sub000/internal/breaker"
	"github.com/jayleekr/Claude-Code-Remote-sub000/internal/domain"
	"github.com/jayleekr/Claude-Code-Remote-sub000/internal/errguidance"
)

// SessionStore is the subset of sessionstore.Store the diagnostic
// endpoints depend on.
type SessionStore interface {
	GetAllSessions(ctx context.Context) ([]*domain.Session, error)
}

// DLQStats is the subset of dlq.Store the /dlq/stats endpoint depends on.
type DLQStats interface {
	GetStats(ctx context.Context) (*domain.DLQStats, error)
}

// Handler holds the dependencies every route needs.
type Handler struct {
	aggregator   *aggregator.Aggregator
	sessions     SessionStore
	dlq          DLQStats // nil when the DLQ is disabled
	breakers     *breaker.Registry
	sharedSecret string
}

// NewHandler builds an httpapi.Handler.
func NewHandler(agg *aggregator.Aggregator, sessions SessionStore, dlqStore DLQStats, breakers *breaker.Registry, sharedSecret string) *Handler {
	return &Handler{
		aggregator:   agg,
		sessions:     sessions,
		dlq:          dlqStore,
		breakers:     breakers,
		sharedSecret: sharedSecret,
	}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

type notifyBody struct {
	ServerID string          `json:"serverId"`
	Type     string          `json:"type"`
	Project  string          `json:"project"`
	Metadata domain.Metadata `json:"metadata"`
}

type sessionSummary struct {
	ID         string `json:"id"`
	Identifier string `json:"identifier"`
	Token      string `json:"token"`
}

type notifyResponse struct {
	Success bool           `json:"success"`
	Session sessionSummary `json:"session"`
}

// HandleNotify implements POST /notify (spec §4.7 steps 1-6). Shared-secret
// authentication (step 1) happens here, ahead of any call into the
// aggregator, so an unauthenticated request never touches application
// state.
func (h *Handler) HandleNotify(w http.ResponseWriter, r *http.Request) {
	if !auth.Authenticate(r, h.sharedSecret) {
		Error(w, http.StatusUnauthorized, "missing or invalid shared secret")
		return
	}

	var body notifyBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		Error(w, http.StatusBadRequest, "malformed request body")
		return
	}

	req := aggregator.NotifyRequest{
		ServerID: body.ServerID,
		Type:     body.Type,
		Project:  body.Project,
		Metadata: body.Metadata,
	}

	result, err := h.aggregator.Notify(r.Context(), req)
	if err != nil {
		h.writeNotifyError(w, req.ServerID, err)
		return
	}

	sess := result.Session
	JSON(w, http.StatusOK, notifyResponse{
		Success: true,
		Session: sessionSummary{
			ID:         sess.ID,
			Identifier: sess.Identifier(),
			Token:      sess.Token,
		},
	})
}

func (h *Handler) writeNotifyError(w http.ResponseWriter, serverID string, err error) {
	switch {
	case errors.Is(err, aggregator.ErrUnknownServer):
		JSON(w, http.StatusBadRequest, errguidance.UnknownServer(serverID))
	case errors.Is(err, aggregator.ErrDispatchFailed):
		Error(w, http.StatusInternalServerError, errguidance.Guidance(err))
	default:
		Error(w, http.StatusBadRequest, errguidance.Guidance(err))
	}
}

// HandleHealth implements GET /health: a cheap liveness probe distinct
// from the recovery manager's deeper CheckSessionHealth.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type sessionView struct {
	Identifier  string `json:"identifier"`
	ServerID    string `json:"serverId"`
	Project     string `json:"project"`
	TmuxSession string `json:"tmuxSession"`
	Status      string `json:"status"`
	ExpiresAt   string `json:"expiresAt"`
}

// HandleSessions implements GET /sessions: a read-only listing of every
// active session, for operator visibility.
func (h *Handler) HandleSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.sessions.GetAllSessions(r.Context())
	if err != nil {
		Error(w, http.StatusInternalServerError, errguidance.Guidance(err))
		return
	}

	views := make([]sessionView, 0, len(sessions))
	for _, s := range sessions {
		views = append(views, sessionView{
			Identifier:  s.Identifier(),
			ServerID:    s.ServerID,
			Project:     s.Project,
			TmuxSession: s.TmuxSession,
			Status:      string(s.Status),
			ExpiresAt:   s.ExpiresAt.UTC().Format("2006-01-02T15:04:05Z"),
		})
	}
	JSON(w, http.StatusOK, map[string]any{"sessions": views})
}

// HandleDLQStats implements GET /dlq/stats.
func (h *Handler) HandleDLQStats(w http.ResponseWriter, r *http.Request) {
	if h.dlq == nil {
		JSON(w, http.StatusOK, domain.DLQStats{ByType: map[string]int{}})
		return
	}

	stats, err := h.dlq.GetStats(r.Context())
	if err != nil {
		Error(w, http.StatusInternalServerError, errguidance.Guidance(err))
		return
	}
	JSON(w, http.StatusOK, stats)
}

// HandleBreakerStats implements GET /breakers: a snapshot of every
// circuit breaker created so far, keyed by serverId (spec §4.2).
func (h *Handler) HandleBreakerStats(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, h.breakers.Snapshot())
}
