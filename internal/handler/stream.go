package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"github.com/capitalize-ai/relay-gateway/internal/middleware"
	"github.com/capitalize-ai/relay-gateway/internal/model"
	natsclient "github.com/capitalize-ai/relay-gateway/internal/nats"
	"github.com/capitalize-ai/relay-gateway/internal/relay"
	"github.com/capitalize-ai/relay-gateway/internal/service"
	"github.com/capitalize-ai/relay-gateway/pkg/logger"
)

// StreamHandler handles the streaming relay endpoint.
type StreamHandler struct {
	relayer             *relay.Relayer
	conversationService *service.ConversationService
	mirror              *natsclient.EventMirror
	logger              *logger.Logger
}

// NewStreamHandler creates a new stream handler. The mirror may be nil
// when NATS is not configured.
func NewStreamHandler(relayer *relay.Relayer, convSvc *service.ConversationService, mirror *natsclient.EventMirror, log *logger.Logger) *StreamHandler {
	return &StreamHandler{
		relayer:             relayer,
		conversationService: convSvc,
		mirror:              mirror,
		logger:              log,
	}
}

// Stream handles POST /api/v1/stream. The body carries the
// provider-formatted request payload plus an optional conversation id;
// the response is the relayed SSE feed.
func (h *StreamHandler) Stream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := h.logger.With(zap.String("correlation_id", middleware.GetCorrelationID(ctx)))

	var req model.StreamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Payload) == 0 {
		writeError(w, http.StatusBadRequest, "payload is required")
		return
	}
	if err := middleware.ValidateConversationID(req.ConversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := middleware.ValidateTitle(req.Title); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var title *string
	if req.Title != "" {
		title = &req.Title
	}

	firstMessage := extractUserText(req.Payload)
	if firstMessage != "" {
		if err := middleware.ValidateMessageContent(firstMessage); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	conv, err := h.conversationService.Ensure(ctx, req.ConversationID, title, firstMessage)
	if err != nil {
		log.Error("failed to ensure conversation", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to create conversation")
		return
	}

	if firstMessage != "" {
		raw := string(req.Payload)
		if err := h.conversationService.RecordUserMessage(ctx, conv.ID, firstMessage, &raw); err != nil {
			log.Warn("failed to record user message",
				zap.String("conversation_id", conv.ID), zap.Error(err))
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	sink := &sseSink{
		w:              w,
		flusher:        flusher,
		mirror:         h.mirror,
		conversationID: conv.ID,
		ctx:            ctx,
		log:            h.logger,
	}

	ready, _ := json.Marshal(model.ConversationReadyEvent{
		ConversationID: conv.ID,
		Title:          conv.Title,
	})
	if err := sink.Send(model.EventConversationReady, ready); err != nil {
		return
	}

	if err := h.relayer.Run(ctx, sink, conv.ID, req.Payload); err != nil {
		log.Warn("relay run ended with error",
			zap.String("conversation_id", conv.ID), zap.Error(err))
	}
}

// sseSink writes events to the client and mirrors them to JetStream.
type sseSink struct {
	mu             sync.Mutex
	w              http.ResponseWriter
	flusher        http.Flusher
	mirror         *natsclient.EventMirror
	conversationID string
	ctx            context.Context
	log            *logger.Logger
}

func (s *sseSink) Send(event string, data json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ctx.Err(); err != nil {
		return err
	}

	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	s.flusher.Flush()

	if s.mirror != nil {
		if err := s.mirror.Publish(context.WithoutCancel(s.ctx), s.conversationID, event, data); err != nil {
			s.log.Debug("event mirror publish failed", zap.Error(err))
		}
	}
	return nil
}

// extractUserText pulls the user's message text out of a
// provider-formatted payload for title generation and history. Both the
// plain string form and the structured input array are supported.
func extractUserText(payload json.RawMessage) string {
	var body struct {
		Input json.RawMessage `json:"input"`
	}
	if err := json.Unmarshal(payload, &body); err != nil || len(body.Input) == 0 {
		return ""
	}

	var text string
	if err := json.Unmarshal(body.Input, &text); err == nil {
		return text
	}

	var items []struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(body.Input, &items); err != nil {
		return ""
	}

	for i := len(items) - 1; i >= 0; i-- {
		if items[i].Role != "user" || len(items[i].Content) == 0 {
			continue
		}

		var content string
		if err := json.Unmarshal(items[i].Content, &content); err == nil {
			return content
		}

		var parts []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		}
		if err := json.Unmarshal(items[i].Content, &parts); err == nil {
			for _, p := range parts {
				if p.Text != "" {
					return p.Text
				}
			}
		}
	}
	return ""
}
