package relay

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/capitalize-ai/relay-gateway/internal/dispatch"
	"github.com/capitalize-ai/relay-gateway/internal/model"
	"github.com/capitalize-ai/relay-gateway/pkg/logger"
)

// Persister is the slice of the store the stream machine writes through.
// All writes are idempotent merges keyed by (conversation_id, item_id).
type Persister interface {
	UpsertMessageContent(ctx context.Context, conversationID, itemID string, outputIndex int, content string) error
	UpsertToolCall(ctx context.Context, conversationID, itemID string, callType model.ToolCallType, outputIndex *int, attrs model.ToolCallAttrs) error
	UpdateConversationStatus(ctx context.Context, id string, status model.ConversationStatus, responseID *string) error
	FinalizeConversation(ctx context.Context, id string, status model.ConversationStatus, reason *string) error
}

// ToolRunner executes intercepted tool calls.
type ToolRunner interface {
	Dispatch(ctx context.Context, req dispatch.Request, emit dispatch.Emitter) dispatch.Result
}

// machine applies one stream's events to durable state and intercepts
// tool calls. Events it does not recognize pass through untouched.
type machine struct {
	conversationID string
	state          *streamState
	store          Persister
	tools          ToolRunner
	emit           dispatch.Emitter
	log            *logger.Logger
}

func newMachine(conversationID string, store Persister, tools ToolRunner, emit dispatch.Emitter, log *logger.Logger) *machine {
	return &machine{
		conversationID: conversationID,
		state:          newStreamState(),
		store:          store,
		tools:          tools,
		emit:           emit,
		log:            log,
	}
}

// Wire shapes for the event payloads the machine inspects. Fields not
// listed here ride through on the raw event.
type responseEnvelope struct {
	Response struct {
		ID                string `json:"id"`
		Status            string `json:"status"`
		IncompleteDetails *struct {
			Reason string `json:"reason"`
		} `json:"incomplete_details"`
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
	} `json:"response"`
}

type outputItemEvent struct {
	OutputIndex int `json:"output_index"`
	Item        struct {
		ID     string `json:"id"`
		Type   string `json:"type"`
		CallID string `json:"call_id"`
		Name   string `json:"name"`
	} `json:"item"`
}

type textDeltaEvent struct {
	ItemID      string `json:"item_id"`
	OutputIndex int    `json:"output_index"`
	Delta       string `json:"delta"`
	Text        string `json:"text"`
}

type argsEvent struct {
	ItemID      string `json:"item_id"`
	OutputIndex int    `json:"output_index"`
	Delta       string `json:"delta"`
	Arguments   string `json:"arguments"`
	Name        string `json:"name"`
}

type statusEvent struct {
	ItemID string `json:"item_id"`
}

// handle routes one upstream event. Persistence failures are logged and
// the stream continues; the feed is the source of truth and a replay can
// repair durable state.
func (m *machine) handle(ctx context.Context, ev UpstreamEvent) {
	switch ev.Type {
	case model.EventResponseCreated:
		m.onResponseCreated(ctx, ev.Data)
	case model.EventOutputItemAdded:
		m.onOutputItemAdded(ctx, ev.Data)
	case model.EventOutputTextDelta:
		m.onTextDelta(ev.Data)
	case model.EventOutputTextDone:
		m.onTextDone(ctx, ev.Data)
	case model.EventFunctionArgsDelta:
		m.onArgsDelta(ev.Data)
	case model.EventMcpArgsDelta:
		m.onArgsDelta(ev.Data)
	case model.EventFunctionArgsDone:
		m.onArgsDone(ctx, ev.Data)
	case model.EventMcpArgsDone:
		m.onArgsDone(ctx, ev.Data)
	case model.EventMcpCallInProgress:
		m.onProviderCallStatus(ctx, ev.Data, model.ToolCallInProgress)
	case model.EventMcpCallCompleted:
		m.onProviderCallStatus(ctx, ev.Data, model.ToolCallCompleted)
	case model.EventMcpCallFailed:
		m.onProviderCallStatus(ctx, ev.Data, model.ToolCallFailed)
	default:
		// Unknown event kinds ride through to the client untouched.
	}
}

func (m *machine) onResponseCreated(ctx context.Context, data json.RawMessage) {
	var env responseEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.Response.ID == "" {
		return
	}
	m.state.responseID = env.Response.ID

	if err := m.store.UpdateConversationStatus(ctx, m.conversationID, model.ConversationStreaming, &env.Response.ID); err != nil {
		m.log.Warn("failed to mark conversation streaming", zap.Error(err))
	}
}

func (m *machine) onOutputItemAdded(ctx context.Context, data json.RawMessage) {
	var ev outputItemEvent
	if err := json.Unmarshal(data, &ev); err != nil || ev.Item.ID == "" {
		return
	}

	it := m.state.item(ev.Item.ID)
	it.outputIndex = ev.OutputIndex
	switch ev.Item.Type {
	case "function_call":
		it.kind = itemFunctionCall
	case "mcp_call":
		it.kind = itemProviderCall
	default:
		it.kind = itemMessage
		return
	}
	it.callID = ev.Item.CallID
	it.name = ev.Item.Name

	attrs := model.ToolCallAttrs{}
	if ev.Item.Name != "" {
		attrs.Name = &ev.Item.Name
	}
	if ev.Item.CallID != "" {
		attrs.CallID = &ev.Item.CallID
	}
	if err := m.store.UpsertToolCall(ctx, m.conversationID, ev.Item.ID, it.callType(), &ev.OutputIndex, attrs); err != nil {
		m.log.Warn("failed to record tool call item", zap.String("item_id", ev.Item.ID), zap.Error(err))
	}
}

func (m *machine) onTextDelta(data json.RawMessage) {
	var ev textDeltaEvent
	if err := json.Unmarshal(data, &ev); err != nil || ev.ItemID == "" {
		return
	}
	it := m.state.item(ev.ItemID)
	if it.outputIndex < 0 {
		it.outputIndex = ev.OutputIndex
	}
	it.text.WriteString(ev.Delta)
}

func (m *machine) onTextDone(ctx context.Context, data json.RawMessage) {
	var ev textDeltaEvent
	if err := json.Unmarshal(data, &ev); err != nil || ev.ItemID == "" {
		return
	}
	it := m.state.item(ev.ItemID)
	if it.outputIndex < 0 {
		it.outputIndex = ev.OutputIndex
	}

	// The done event carries the full text; prefer it over the buffer in
	// case deltas were dropped.
	content := ev.Text
	if content == "" {
		content = it.text.String()
	}

	if err := m.store.UpsertMessageContent(ctx, m.conversationID, ev.ItemID, it.outputIndex, content); err != nil {
		m.log.Warn("failed to persist message content", zap.String("item_id", ev.ItemID), zap.Error(err))
	}
}

// onArgsDelta accumulates tool call arguments. Function calls and
// provider-executed calls share this path.
func (m *machine) onArgsDelta(data json.RawMessage) {
	var ev argsEvent
	if err := json.Unmarshal(data, &ev); err != nil || ev.ItemID == "" {
		return
	}
	it := m.state.item(ev.ItemID)
	if it.outputIndex < 0 {
		it.outputIndex = ev.OutputIndex
	}
	it.args.WriteString(ev.Delta)
}

// onArgsDone finalizes a tool call's arguments and, for function calls,
// dispatches the tool synchronously so event ordering within the
// conversation is preserved.
func (m *machine) onArgsDone(ctx context.Context, data json.RawMessage) {
	var ev argsEvent
	if err := json.Unmarshal(data, &ev); err != nil || ev.ItemID == "" {
		return
	}
	it := m.state.item(ev.ItemID)
	if ev.Name != "" {
		it.name = ev.Name
	}

	args := ev.Arguments
	if args == "" {
		args = it.args.String()
	}

	attrs := model.ToolCallAttrs{Arguments: &args}
	if it.name != "" {
		attrs.Name = &it.name
	}
	var outputIndex *int
	if it.outputIndex >= 0 {
		outputIndex = &it.outputIndex
	}
	if err := m.store.UpsertToolCall(ctx, m.conversationID, ev.ItemID, it.callType(), outputIndex, attrs); err != nil {
		m.log.Warn("failed to persist tool call arguments", zap.String("item_id", ev.ItemID), zap.Error(err))
	}

	if it.kind == itemProviderCall {
		// Provider-executed calls run upstream; status events follow.
		return
	}

	m.dispatchFunctionCall(ctx, ev.ItemID, it, args)
}

func (m *machine) dispatchFunctionCall(ctx context.Context, itemID string, it *itemState, args string) {
	result := m.tools.Dispatch(ctx, dispatch.Request{
		ConversationID: m.conversationID,
		ItemID:         itemID,
		ToolName:       it.name,
		Arguments:      args,
	}, m.emit)

	attrs := model.ToolCallAttrs{
		Result: &result.Output,
		Status: &result.Status,
	}
	if err := m.store.UpsertToolCall(ctx, m.conversationID, itemID, it.callType(), nil, attrs); err != nil {
		m.log.Warn("failed to persist tool call result", zap.String("item_id", itemID), zap.Error(err))
	}

	m.state.pendingOutputs = append(m.state.pendingOutputs, functionOutput{
		callID: it.effectiveCallID(itemID),
		output: result.Output,
	})
}

func (m *machine) onProviderCallStatus(ctx context.Context, data json.RawMessage, status model.ToolCallStatus) {
	var ev statusEvent
	if err := json.Unmarshal(data, &ev); err != nil || ev.ItemID == "" {
		return
	}
	it := m.state.item(ev.ItemID)
	it.kind = itemProviderCall

	if err := m.store.UpsertToolCall(ctx, m.conversationID, ev.ItemID, model.ToolCallProvider, nil, model.ToolCallAttrs{Status: &status}); err != nil {
		m.log.Warn("failed to persist provider call status", zap.String("item_id", ev.ItemID), zap.Error(err))
	}
}
