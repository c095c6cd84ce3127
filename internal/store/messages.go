package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/capitalize-ai/relay-gateway/internal/model"
)

// AppendMessage inserts a new message. Used for inbound user turns,
// which have no provider item id.
func (s *Store) AppendMessage(ctx context.Context, msg *model.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.Must(uuid.NewV7()).String()
	}
	now := time.Now().UTC()
	msg.CreatedAt = now
	msg.UpdatedAt = now

	query := `INSERT INTO messages (id, conversation_id, role, content, raw, output_index, item_id, created_at, updated_at)
	          VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		msg.ID, msg.ConversationID, msg.Role, msg.Content,
		msg.Raw, msg.OutputIndex, msg.ItemID, msg.CreatedAt, msg.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ? WHERE id = ?`, now, msg.ConversationID)
	if err != nil {
		return fmt.Errorf("failed to touch conversation: %w", err)
	}

	return nil
}

// UpsertMessageContent writes assistant output keyed by
// (conversation_id, item_id). Replaying the same flush overwrites the row
// with identical content, so redelivery is harmless.
func (s *Store) UpsertMessageContent(ctx context.Context, conversationID, itemID string, outputIndex int, content string) error {
	now := time.Now().UTC()

	query := `INSERT INTO messages (id, conversation_id, role, content, output_index, item_id, created_at, updated_at)
	          VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	          ON CONFLICT(conversation_id, item_id) WHERE item_id IS NOT NULL DO UPDATE SET
	              content = excluded.content,
	              output_index = excluded.output_index,
	              updated_at = excluded.updated_at`
	_, err := s.db.ExecContext(ctx, query,
		uuid.Must(uuid.NewV7()).String(), conversationID, model.RoleAssistant, content, outputIndex, itemID, now, now)
	if err != nil {
		// A concurrent insert can still slip past ON CONFLICT resolution
		// under contention; retry once as a plain update.
		if isUniqueViolation(err) {
			_, err = s.db.ExecContext(ctx,
				`UPDATE messages SET content = ?, output_index = ?, updated_at = ? WHERE conversation_id = ? AND item_id = ?`,
				content, outputIndex, now, conversationID, itemID)
		}
		if err != nil {
			return fmt.Errorf("failed to upsert message content: %w", err)
		}
	}

	return nil
}

// GetMessages returns a conversation's messages in creation order.
func (s *Store) GetMessages(ctx context.Context, conversationID string) ([]model.Message, error) {
	query := `SELECT id, conversation_id, role, content, raw, output_index, item_id, created_at, updated_at
	          FROM messages WHERE conversation_id = ?
	          ORDER BY created_at ASC, output_index ASC`

	rows, err := s.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	messages := []model.Message{}
	for rows.Next() {
		var msg model.Message
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.Role, &msg.Content,
			&msg.Raw, &msg.OutputIndex, &msg.ItemID, &msg.CreatedAt, &msg.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, msg)
	}

	return messages, rows.Err()
}
