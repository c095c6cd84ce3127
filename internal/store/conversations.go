package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/capitalize-ai/relay-gateway/internal/model"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// EnsureConversation returns the conversation with the given id, creating
// it when the id is empty or unknown. A non-blank title that differs from
// the stored one is applied to an existing row. Concurrent creation of
// the same id is resolved by retrying the losing insert as a read.
func (s *Store) EnsureConversation(ctx context.Context, id string, title *string) (*model.Conversation, error) {
	if id != "" {
		conv, err := s.GetConversation(ctx, id)
		if err == nil {
			if title != nil && *title != "" && (conv.Title == nil || *conv.Title != *title) {
				if err := s.UpdateConversationTitle(ctx, id, *title); err != nil {
					return nil, err
				}
				conv.Title = title
			}
			return conv, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	} else {
		id = uuid.Must(uuid.NewV7()).String()
	}

	now := time.Now().UTC()
	conv := &model.Conversation{
		ID:        id,
		Title:     title,
		Status:    model.ConversationCreated,
		CreatedAt: now,
		UpdatedAt: now,
	}

	query := `INSERT INTO conversations (id, title, status, created_at, updated_at)
	          VALUES (?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query, conv.ID, conv.Title, conv.Status, conv.CreatedAt, conv.UpdatedAt)
	if err != nil {
		// Lost a creation race; the row exists now, so read it.
		if isUniqueViolation(err) {
			return s.GetConversation(ctx, id)
		}
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}

	return conv, nil
}

// GetConversation returns one conversation by id.
func (s *Store) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	query := `SELECT id, title, status, response_id, completion_reason, created_at, updated_at
	          FROM conversations WHERE id = ?`

	var conv model.Conversation
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&conv.ID, &conv.Title, &conv.Status, &conv.ResponseID,
		&conv.CompletionReason, &conv.CreatedAt, &conv.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}

	return &conv, nil
}

// ListConversations returns conversation summaries ordered by recency.
func (s *Store) ListConversations(ctx context.Context, limit, offset int) ([]model.ConversationSummary, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT c.id, c.title, c.status, c.created_at, c.updated_at,
	                 (SELECT COUNT(*) FROM messages m WHERE m.conversation_id = c.id)
	          FROM conversations c
	          ORDER BY c.updated_at DESC
	          LIMIT ? OFFSET ?`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversations: %w", err)
	}
	defer rows.Close()

	summaries := []model.ConversationSummary{}
	for rows.Next() {
		var cs model.ConversationSummary
		if err := rows.Scan(&cs.ID, &cs.Title, &cs.Status, &cs.CreatedAt, &cs.UpdatedAt, &cs.MessageCount); err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		summaries = append(summaries, cs)
	}

	return summaries, rows.Err()
}

// UpdateConversationStatus transitions a conversation's status and,
// when responseID is non-nil, records the current upstream response id.
func (s *Store) UpdateConversationStatus(ctx context.Context, id string, status model.ConversationStatus, responseID *string) error {
	var err error
	if responseID != nil {
		_, err = s.db.ExecContext(ctx,
			`UPDATE conversations SET status = ?, response_id = ?, updated_at = ? WHERE id = ?`,
			status, *responseID, time.Now().UTC(), id)
	} else {
		_, err = s.db.ExecContext(ctx,
			`UPDATE conversations SET status = ?, updated_at = ? WHERE id = ?`,
			status, time.Now().UTC(), id)
	}
	if err != nil {
		return fmt.Errorf("failed to update conversation status: %w", err)
	}
	return nil
}

// FinalizeConversation records the terminal status and completion reason.
func (s *Store) FinalizeConversation(ctx context.Context, id string, status model.ConversationStatus, reason *string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET status = ?, completion_reason = ?, updated_at = ? WHERE id = ?`,
		status, reason, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to finalize conversation: %w", err)
	}
	return nil
}

// UpdateConversationTitle sets the conversation title.
func (s *Store) UpdateConversationTitle(ctx context.Context, id, title string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET title = ?, updated_at = ? WHERE id = ?`,
		title, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update conversation title: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	return nil
}

// DeleteConversation removes a conversation and its messages and tool calls.
func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "constraint failed")
}
