package model

import (
	"encoding/json"
	"time"
)

// Upstream event names the state machine acts on. Anything else is
// relayed untouched.
const (
	EventResponseCreated    = "response.created"
	EventOutputItemAdded    = "response.output_item.added"
	EventOutputTextDelta    = "response.output_text.delta"
	EventOutputTextDone     = "response.output_text.done"
	EventFunctionArgsDelta  = "response.function_call_arguments.delta"
	EventFunctionArgsDone   = "response.function_call_arguments.done"
	EventMcpArgsDelta       = "response.mcp_call_arguments.delta"
	EventMcpArgsDone        = "response.mcp_call_arguments.done"
	EventMcpCallInProgress  = "response.mcp_call.in_progress"
	EventMcpCallCompleted   = "response.mcp_call.completed"
	EventMcpCallFailed      = "response.mcp_call.failed"
	EventResponseCompleted  = "response.completed"
	EventResponseIncomplete = "response.incomplete"
	EventResponseFailed     = "response.failed"

	// Gateway-originated event names.
	EventConversationReady = "conversation.ready"
	EventApprovalRequired  = "approval_required"
)

// StreamEvent is one server-sent event, either relayed from the upstream
// feed or originated by the gateway.
type StreamEvent struct {
	Name string          `json:"event"`
	Data json.RawMessage `json:"data"`
}

// ConversationReadyEvent is sent first on every stream so the client
// learns the (possibly newly minted) conversation id.
type ConversationReadyEvent struct {
	ConversationID string  `json:"conversationId"`
	Title          *string `json:"title,omitempty"`
}

// ApprovalRequiredEvent asks the client to confirm a pending tool call.
type ApprovalRequiredEvent struct {
	ApprovalRequestID string          `json:"approvalRequestId"`
	ProviderID        string          `json:"providerId"`
	ToolName          string          `json:"toolName"`
	Arguments         json.RawMessage `json:"arguments,omitempty"`
}

// ApprovalResponseRequest resolves a pending approval.
type ApprovalResponseRequest struct {
	ConversationID    string `json:"conversationId,omitempty"`
	ApprovalRequestID string `json:"approvalRequestId"`
	Approve           bool   `json:"approve"`
	Reason            string `json:"reason,omitempty"`
}

// ErrorEvent is sent when the upstream feed cannot be established or a
// request fails terminally.
type ErrorEvent struct {
	Message   string    `json:"message"`
	Status    int       `json:"status,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// StreamRequest is the body of POST /stream. Payload is the
// provider-formatted request body and is forwarded as-is apart from tool
// merging and the stream flag.
type StreamRequest struct {
	ConversationID string          `json:"conversationId,omitempty"`
	Title          string          `json:"title,omitempty"`
	Payload        json.RawMessage `json:"payload"`
}
