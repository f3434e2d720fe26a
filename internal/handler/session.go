package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	apperrors "github.com/openclaw/session-server-go/internal/errors"
	"github.com/openclaw/session-server-go/internal/model"
)

// SessionManager is the lifecycle surface the handlers drive; satisfied by the
// session registry.
type SessionManager interface {
	Connect(ctx context.Context, agentID string) (*model.ConnectResult, error)
	Disconnect(ctx context.Context, agentID string) (*model.DisconnectReport, error)
	Status(ctx context.Context, agentID string) (*model.SessionRecord, error)
}

type SessionHandler struct {
	registry SessionManager
}

func NewSessionHandler(registry SessionManager) *SessionHandler {
	return &SessionHandler{
		registry: registry,
	}
}

func (h *SessionHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/{agentID}/connect", h.Connect)
	r.Post("/{agentID}/disconnect", h.Disconnect)
	r.Get("/{agentID}/status", h.GetStatus)

	return r
}

// POST /v1/agents/{agentID}/connect
func (h *SessionHandler) Connect(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	if agentID == "" {
		writeError(w, apperrors.MissingRequired("agentID"))
		return
	}

	result, err := h.registry.Connect(r.Context(), agentID)
	if err != nil {
		log.Error().Err(err).Str("agentId", agentID).Msg("connect failed")
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// POST /v1/agents/{agentID}/disconnect
func (h *SessionHandler) Disconnect(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	if agentID == "" {
		writeError(w, apperrors.MissingRequired("agentID"))
		return
	}

	report, err := h.registry.Disconnect(r.Context(), agentID)
	if err != nil {
		log.Error().Err(err).Str("agentId", agentID).Msg("disconnect failed")
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, report)
}

// GET /v1/agents/{agentID}/status
func (h *SessionHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	if agentID == "" {
		writeError(w, apperrors.MissingRequired("agentID"))
		return
	}

	record, err := h.registry.Status(r.Context(), agentID)
	if err != nil {
		log.Error().Err(err).Str("agentId", agentID).Msg("status lookup failed")
		writeError(w, err)
		return
	}
	if record == nil {
		writeError(w, apperrors.SessionNotFound(agentID))
		return
	}

	writeJSON(w, http.StatusOK, formatSession(record))
}
