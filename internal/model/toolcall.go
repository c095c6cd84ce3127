package model

import (
	"time"
)

// ToolCallType distinguishes client-executed function calls from
// provider-executed tool calls. Both share the same accumulation and
// merge semantics.
type ToolCallType string

const (
	ToolCallFunction ToolCallType = "function"
	ToolCallProvider ToolCallType = "mcp"
)

// ToolCallStatus represents the durable state of a tool call.
type ToolCallStatus string

const (
	ToolCallInProgress ToolCallStatus = "in_progress"
	ToolCallCompleted  ToolCallStatus = "completed"
	ToolCallFailed     ToolCallStatus = "failed"
)

// ToolCall represents one tool invocation requested by the model within a
// conversation, keyed by the provider-assigned item id.
type ToolCall struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
	ItemID         string         `json:"item_id"`
	Type           ToolCallType   `json:"type"`
	Name           *string        `json:"name,omitempty"`
	CallID         *string        `json:"call_id,omitempty"`
	Arguments      *string        `json:"arguments,omitempty"`
	Result         *string        `json:"result,omitempty"`
	Status         ToolCallStatus `json:"status"`
	OutputIndex    *int           `json:"output_index,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// ToolCallAttrs carries the attributes present in one incoming event.
// Nil fields are left untouched by the upsert, which makes repeated
// delivery of the same event idempotent.
type ToolCallAttrs struct {
	Name      *string
	CallID    *string
	Arguments *string
	Result    *string
	Status    *ToolCallStatus
}
