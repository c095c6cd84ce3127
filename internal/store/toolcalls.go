package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/capitalize-ai/relay-gateway/internal/model"
)

// UpsertToolCall merges the given attributes into the tool call keyed by
// (conversation_id, item_id), creating the row on first sight. Only
// non-nil attributes overwrite stored values, so events carrying partial
// information accumulate rather than clobber.
func (s *Store) UpsertToolCall(ctx context.Context, conversationID, itemID string, callType model.ToolCallType, outputIndex *int, attrs model.ToolCallAttrs) error {
	now := time.Now().UTC()

	status := model.ToolCallInProgress
	if attrs.Status != nil {
		status = *attrs.Status
	}

	query := `INSERT INTO tool_calls (id, conversation_id, item_id, type, name, call_id, arguments, result, status, output_index, created_at, updated_at)
	          VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	          ON CONFLICT(conversation_id, item_id) DO UPDATE SET
	              name = COALESCE(excluded.name, tool_calls.name),
	              call_id = COALESCE(excluded.call_id, tool_calls.call_id),
	              arguments = COALESCE(excluded.arguments, tool_calls.arguments),
	              result = COALESCE(excluded.result, tool_calls.result),
	              status = CASE WHEN ? THEN excluded.status ELSE tool_calls.status END,
	              output_index = COALESCE(excluded.output_index, tool_calls.output_index),
	              updated_at = excluded.updated_at`
	_, err := s.db.ExecContext(ctx, query,
		uuid.Must(uuid.NewV7()).String(), conversationID, itemID, callType,
		attrs.Name, attrs.CallID, attrs.Arguments, attrs.Result,
		status, outputIndex, now, now,
		attrs.Status != nil)
	if err != nil {
		if isUniqueViolation(err) {
			return s.updateToolCall(ctx, conversationID, itemID, attrs, now)
		}
		return fmt.Errorf("failed to upsert tool call: %w", err)
	}

	return nil
}

func (s *Store) updateToolCall(ctx context.Context, conversationID, itemID string, attrs model.ToolCallAttrs, now time.Time) error {
	sets := []string{"updated_at = ?"}
	args := []any{now}

	if attrs.Name != nil {
		sets = append(sets, "name = ?")
		args = append(args, *attrs.Name)
	}
	if attrs.CallID != nil {
		sets = append(sets, "call_id = ?")
		args = append(args, *attrs.CallID)
	}
	if attrs.Arguments != nil {
		sets = append(sets, "arguments = ?")
		args = append(args, *attrs.Arguments)
	}
	if attrs.Result != nil {
		sets = append(sets, "result = ?")
		args = append(args, *attrs.Result)
	}
	if attrs.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, *attrs.Status)
	}

	args = append(args, conversationID, itemID)
	query := fmt.Sprintf(`UPDATE tool_calls SET %s WHERE conversation_id = ? AND item_id = ?`, strings.Join(sets, ", "))
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to update tool call: %w", err)
	}
	return nil
}

// GetToolCalls returns a conversation's tool calls in creation order.
func (s *Store) GetToolCalls(ctx context.Context, conversationID string) ([]model.ToolCall, error) {
	query := `SELECT id, conversation_id, item_id, type, name, call_id, arguments, result, status, output_index, created_at, updated_at
	          FROM tool_calls WHERE conversation_id = ?
	          ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query tool calls: %w", err)
	}
	defer rows.Close()

	calls := []model.ToolCall{}
	for rows.Next() {
		var tc model.ToolCall
		if err := rows.Scan(&tc.ID, &tc.ConversationID, &tc.ItemID, &tc.Type,
			&tc.Name, &tc.CallID, &tc.Arguments, &tc.Result,
			&tc.Status, &tc.OutputIndex, &tc.CreatedAt, &tc.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan tool call: %w", err)
		}
		calls = append(calls, tc)
	}

	return calls, rows.Err()
}
