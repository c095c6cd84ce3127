package handler

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	natsclient "github.com/capitalize-ai/relay-gateway/internal/nats"
	"github.com/capitalize-ai/relay-gateway/pkg/logger"
)

// EventHandler serves mirrored stream events for replay.
type EventHandler struct {
	mirror *natsclient.EventMirror
	logger *logger.Logger
}

// NewEventHandler creates a new event handler. The mirror may be nil
// when NATS is not configured.
func NewEventHandler(mirror *natsclient.EventMirror, log *logger.Logger) *EventHandler {
	return &EventHandler{mirror: mirror, logger: log}
}

// Replay handles GET /api/v1/conversations/{id}/events
// Supports ?after_sequence=N and ?limit=N.
func (h *EventHandler) Replay(w http.ResponseWriter, r *http.Request) {
	if h.mirror == nil {
		writeError(w, http.StatusServiceUnavailable, "event replay not configured")
		return
	}

	conversationID := chi.URLParam(r, "id")

	var afterSequence uint64
	if seqStr := r.URL.Query().Get("after_sequence"); seqStr != "" {
		if seq, err := strconv.ParseUint(seqStr, 10, 64); err == nil {
			afterSequence = seq
		}
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	events, lastSequence, hasMore, err := h.mirror.Replay(r.Context(), conversationID, afterSequence, limit)
	if err != nil {
		h.logger.Error("failed to replay events",
			zap.String("conversation_id", conversationID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to replay events")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"events":        events,
		"last_sequence": lastSequence,
		"has_more":      hasMore,
	})
}
