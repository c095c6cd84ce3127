// Package service provides business logic for the relay gateway.
package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/capitalize-ai/relay-gateway/internal/model"
	"github.com/capitalize-ai/relay-gateway/internal/store"
	"github.com/capitalize-ai/relay-gateway/pkg/logger"
	"github.com/capitalize-ai/relay-gateway/pkg/metrics"
)

// ConversationService handles conversation operations.
type ConversationService struct {
	store  *store.Store
	titles *TitleService
	logger *logger.Logger
}

// NewConversationService creates a new conversation service. The title
// service may be nil when title generation is not configured.
func NewConversationService(st *store.Store, titles *TitleService, log *logger.Logger) *ConversationService {
	return &ConversationService{
		store:  st,
		titles: titles,
		logger: log,
	}
}

// Ensure returns the conversation with the given id, creating one when
// the id is empty or unknown. New conversations with no title get one
// generated asynchronously from the first user message.
func (s *ConversationService) Ensure(ctx context.Context, id string, title *string, firstMessage string) (*model.Conversation, error) {
	existed := id != ""
	if existed {
		if _, err := s.store.GetConversation(ctx, id); err != nil {
			existed = false
		}
	}

	conv, err := s.store.EnsureConversation(ctx, id, title)
	if err != nil {
		return nil, err
	}

	if !existed {
		metrics.ConversationsTotal.Inc()
		s.logger.Info("conversation created", zap.String("conversation_id", conv.ID))

		if conv.Title == nil && s.titles != nil && firstMessage != "" {
			s.titles.GenerateAsync(conv.ID, firstMessage)
		}
	}

	return conv, nil
}

// RecordUserMessage persists the inbound user turn.
func (s *ConversationService) RecordUserMessage(ctx context.Context, conversationID, content string, raw *string) error {
	msg := &model.Message{
		ConversationID: conversationID,
		Role:           model.RoleUser,
		Content:        content,
		Raw:            raw,
	}
	if err := s.store.AppendMessage(ctx, msg); err != nil {
		return err
	}
	metrics.MessagesTotal.WithLabelValues(string(model.RoleUser)).Inc()
	return nil
}

// Get retrieves a conversation with its messages and tool calls.
func (s *ConversationService) Get(ctx context.Context, id string) (*model.ConversationDetail, error) {
	conv, err := s.store.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}

	messages, err := s.store.GetMessages(ctx, id)
	if err != nil {
		return nil, err
	}

	toolCalls, err := s.store.GetToolCalls(ctx, id)
	if err != nil {
		return nil, err
	}

	return &model.ConversationDetail{
		Conversation: *conv,
		Messages:     messages,
		ToolCalls:    toolCalls,
	}, nil
}

// List retrieves conversation summaries.
func (s *ConversationService) List(ctx context.Context, limit, offset int) ([]model.ConversationSummary, error) {
	return s.store.ListConversations(ctx, limit, offset)
}

// Update applies client edits to a conversation.
func (s *ConversationService) Update(ctx context.Context, id string, req *model.UpdateConversationRequest) (*model.Conversation, error) {
	if req.Title != "" {
		if err := s.store.UpdateConversationTitle(ctx, id, req.Title); err != nil {
			return nil, err
		}
	}
	return s.store.GetConversation(ctx, id)
}

// Delete removes a conversation and its history.
func (s *ConversationService) Delete(ctx context.Context, id string) error {
	return s.store.DeleteConversation(ctx, id)
}
