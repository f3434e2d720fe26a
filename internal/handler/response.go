package handler

import (
	"net/http"
	"time"

	"github.com/openclaw/session-server-go/internal/httputil"
	"github.com/openclaw/session-server-go/internal/model"
)

func writeJSON(w http.ResponseWriter, status int, data any) {
	httputil.WriteJSON(w, status, data)
}

func writeError(w http.ResponseWriter, err error) {
	httputil.WriteError(w, err)
}

func formatTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339)
}

func formatSession(record *model.SessionRecord) map[string]any {
	return map[string]any{
		"agentId":        record.AgentID,
		"state":          string(record.LifecycleState),
		"hasCredentials": record.HasCredentials(),
		"isActive":       record.IsActive,
		"lastFailureAt":  formatTime(record.LastFailureAt),
		"disconnectedAt": formatTime(record.DisconnectedAt),
		"updatedAt":      record.UpdatedAt.Format(time.RFC3339),
	}
}
