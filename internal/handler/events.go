package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	apperrors "github.com/openclaw/session-server-go/internal/errors"
	"github.com/openclaw/session-server-go/internal/sse"
)

// EventsHandler streams lifecycle events (state changes, QR tokens, inbound
// messages) for a single agent over SSE.
type EventsHandler struct {
	broker   *sse.Broker
	registry SessionManager
}

func NewEventsHandler(broker *sse.Broker, registry SessionManager) *EventsHandler {
	return &EventsHandler{
		broker:   broker,
		registry: registry,
	}
}

func (h *EventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	if agentID == "" {
		writeError(w, apperrors.MissingRequired("agentID"))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Streaming not supported"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	client := h.broker.Subscribe(agentID)
	defer h.broker.Unsubscribe(client)

	log.Info().
		Str("agentId", agentID).
		Msg("sse connection established")

	ctx := r.Context()

	// Initial snapshot so the watcher does not have to poll status first.
	state := "unknown"
	if record, err := h.registry.Status(ctx, agentID); err == nil && record != nil {
		state = string(record.LifecycleState)
	}
	h.sendEvent(w, flusher, "connected", map[string]any{
		"agentId": agentID,
		"state":   state,
	})

	heartbeat := time.NewTicker(sse.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().
				Str("agentId", agentID).
				Msg("sse connection closed by client")
			return

		case <-client.Done:
			log.Info().
				Str("agentId", agentID).
				Msg("sse connection closed by broker")
			return

		case event := <-client.Events:
			if err := h.sendRawEvent(w, flusher, event); err != nil {
				log.Error().Err(err).Msg("failed to send event")
				return
			}

		case <-heartbeat.C:
			if _, err := fmt.Fprintf(w, ": ping\n\n"); err != nil {
				log.Debug().
					Str("agentId", agentID).
					Msg("heartbeat failed, closing connection")
				return
			}
			flusher.Flush()
		}
	}
}

func (h *EventsHandler) sendEvent(w http.ResponseWriter, flusher http.Flusher, eventType string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	return h.sendRawEvent(w, flusher, sse.Event{Type: eventType, Data: jsonData})
}

func (h *EventsHandler) sendRawEvent(w http.ResponseWriter, flusher http.Flusher, event sse.Event) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", event.Type); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", event.Data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
