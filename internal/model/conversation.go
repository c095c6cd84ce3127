// Package model defines data structures for the relay gateway.
package model

import (
	"time"
)

// ConversationStatus represents the lifecycle state of a conversation.
type ConversationStatus string

const (
	ConversationCreated    ConversationStatus = "created"
	ConversationStreaming  ConversationStatus = "streaming"
	ConversationCompleted  ConversationStatus = "completed"
	ConversationIncomplete ConversationStatus = "incomplete"
	ConversationFailed     ConversationStatus = "failed"
)

// Conversation represents a conversation thread.
type Conversation struct {
	ID               string             `json:"id"`
	Title            *string            `json:"title,omitempty"`
	Status           ConversationStatus `json:"status"`
	ResponseID       *string            `json:"response_id,omitempty"`
	CompletionReason *string            `json:"completion_reason,omitempty"`
	CreatedAt        time.Time          `json:"created_at"`
	UpdatedAt        time.Time          `json:"updated_at"`
}

// ConversationSummary is the list-view projection of a conversation.
type ConversationSummary struct {
	ID           string             `json:"id"`
	Title        *string            `json:"title,omitempty"`
	Status       ConversationStatus `json:"status"`
	MessageCount int                `json:"message_count"`
	CreatedAt    time.Time          `json:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at"`
}

// ConversationDetail is the full read-view of a conversation.
type ConversationDetail struct {
	Conversation Conversation `json:"conversation"`
	Messages     []Message    `json:"messages"`
	ToolCalls    []ToolCall   `json:"tool_calls"`
}

// UpdateConversationRequest is the request to update a conversation.
type UpdateConversationRequest struct {
	Title string `json:"title,omitempty"`
}
