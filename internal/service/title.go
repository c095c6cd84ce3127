package service

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/relay-gateway/internal/llm"
	"github.com/capitalize-ai/relay-gateway/internal/store"
	"github.com/capitalize-ai/relay-gateway/pkg/logger"
)

const titlePrompt = "Generate a short title (at most 6 words) summarizing the following message. Respond with the title only, no quotes or punctuation around it."

// TitleService generates conversation titles from the first user message.
type TitleService struct {
	client llm.Client
	store  *store.Store
	logger *logger.Logger
}

// NewTitleService creates a title service backed by the given LLM client.
func NewTitleService(client llm.Client, st *store.Store, log *logger.Logger) *TitleService {
	return &TitleService{
		client: client,
		store:  st,
		logger: log,
	}
}

// GenerateAsync generates and stores a title in the background so the
// stream is never blocked on it.
func (s *TitleService) GenerateAsync(conversationID, firstMessage string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		title, err := s.Generate(ctx, firstMessage)
		if err != nil {
			s.logger.Warn("title generation failed",
				zap.String("conversation_id", conversationID), zap.Error(err))
			return
		}

		if err := s.store.UpdateConversationTitle(ctx, conversationID, title); err != nil {
			s.logger.Warn("failed to store generated title",
				zap.String("conversation_id", conversationID), zap.Error(err))
			return
		}

		s.logger.Debug("conversation title generated",
			zap.String("conversation_id", conversationID), zap.String("title", title))
	}()
}

// Generate produces a title for the given message.
func (s *TitleService) Generate(ctx context.Context, firstMessage string) (string, error) {
	resp, err := s.client.Complete(ctx, &llm.Request{
		System:    titlePrompt,
		Prompt:    firstMessage,
		MaxTokens: 32,
	})
	if err != nil {
		return "", err
	}

	title := strings.TrimSpace(strings.Trim(resp.Text, `"'`))
	if len(title) > 120 {
		title = title[:120]
	}
	return title, nil
}
