package model

import (
	"time"
)

// Role represents the role of a message sender.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message represents a conversation message. Messages produced by the
// streaming relay carry the provider-assigned item id, which is the
// idempotency key for upserts; at most one message exists per
// (conversation_id, item_id) pair.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	Raw            *string   `json:"raw,omitempty"`
	OutputIndex    *int      `json:"output_index,omitempty"`
	ItemID         *string   `json:"item_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}
