package relay

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/capitalize-ai/relay-gateway/internal/dispatch"
	"github.com/capitalize-ai/relay-gateway/internal/model"
	"github.com/capitalize-ai/relay-gateway/pkg/logger"
)

func testLogger() *logger.Logger {
	return &logger.Logger{Logger: zap.NewNop()}
}

type persistedMessage struct {
	itemID      string
	outputIndex int
	content     string
}

type persistedToolCall struct {
	itemID      string
	callType    model.ToolCallType
	outputIndex *int
	attrs       model.ToolCallAttrs
}

// recordingStore captures every durable write for assertions.
type recordingStore struct {
	mu          sync.Mutex
	messages    []persistedMessage
	toolCalls   []persistedToolCall
	statuses    []model.ConversationStatus
	responseIDs []string
	finalStatus model.ConversationStatus
	finalReason *string
	finalized   int
}

func (r *recordingStore) UpsertMessageContent(_ context.Context, _, itemID string, outputIndex int, content string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, persistedMessage{itemID: itemID, outputIndex: outputIndex, content: content})
	return nil
}

func (r *recordingStore) UpsertToolCall(_ context.Context, _, itemID string, callType model.ToolCallType, outputIndex *int, attrs model.ToolCallAttrs) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.toolCalls = append(r.toolCalls, persistedToolCall{itemID: itemID, callType: callType, outputIndex: outputIndex, attrs: attrs})
	return nil
}

func (r *recordingStore) UpdateConversationStatus(_ context.Context, _ string, status model.ConversationStatus, responseID *string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, status)
	if responseID != nil {
		r.responseIDs = append(r.responseIDs, *responseID)
	}
	return nil
}

func (r *recordingStore) FinalizeConversation(_ context.Context, _ string, status model.ConversationStatus, reason *string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finalStatus = status
	r.finalReason = reason
	r.finalized++
	return nil
}

// fakeRunner answers every dispatch with a canned result.
type fakeRunner struct {
	mu       sync.Mutex
	requests []dispatch.Request
	result   dispatch.Result
}

func (f *fakeRunner) Dispatch(_ context.Context, req dispatch.Request, _ dispatch.Emitter) dispatch.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	return f.result
}

func event(t *testing.T, eventType, data string) UpstreamEvent {
	t.Helper()
	return UpstreamEvent{Type: eventType, Data: json.RawMessage(data)}
}

func newTestMachine(store *recordingStore, runner *fakeRunner) *machine {
	emit := func(string, any) error { return nil }
	return newMachine("conv_1", store, runner, emit, testLogger())
}

func TestMachineBuffersTextDeltas(t *testing.T) {
	store := &recordingStore{}
	m := newTestMachine(store, &fakeRunner{})
	ctx := context.Background()

	m.handle(ctx, event(t, model.EventOutputItemAdded,
		`{"output_index":0,"item":{"id":"msg_1","type":"message"}}`))
	m.handle(ctx, event(t, model.EventOutputTextDelta,
		`{"item_id":"msg_1","output_index":0,"delta":"Hello"}`))
	m.handle(ctx, event(t, model.EventOutputTextDelta,
		`{"item_id":"msg_1","output_index":0,"delta":", "}`))
	m.handle(ctx, event(t, model.EventOutputTextDelta,
		`{"item_id":"msg_1","output_index":0,"delta":"world"}`))
	m.handle(ctx, event(t, model.EventOutputTextDone,
		`{"item_id":"msg_1","output_index":0}`))

	require.Len(t, store.messages, 1)
	require.Equal(t, "Hello, world", store.messages[0].content)
	require.Equal(t, 0, store.messages[0].outputIndex)
}

func TestMachineTextDonePrefersFullText(t *testing.T) {
	store := &recordingStore{}
	m := newTestMachine(store, &fakeRunner{})
	ctx := context.Background()

	m.handle(ctx, event(t, model.EventOutputTextDelta,
		`{"item_id":"msg_1","output_index":1,"delta":"partial"}`))
	m.handle(ctx, event(t, model.EventOutputTextDone,
		`{"item_id":"msg_1","output_index":1,"text":"the full text"}`))

	require.Len(t, store.messages, 1)
	require.Equal(t, "the full text", store.messages[0].content)
	require.Equal(t, 1, store.messages[0].outputIndex)
}

func TestMachineUnknownItemCreatesAccumulator(t *testing.T) {
	store := &recordingStore{}
	m := newTestMachine(store, &fakeRunner{})
	ctx := context.Background()

	// No output_item.added was ever observed for this item.
	m.handle(ctx, event(t, model.EventOutputTextDelta,
		`{"item_id":"surprise","output_index":2,"delta":"late item"}`))
	m.handle(ctx, event(t, model.EventOutputTextDone,
		`{"item_id":"surprise","output_index":2}`))

	require.Len(t, store.messages, 1)
	require.Equal(t, "surprise", store.messages[0].itemID)
	require.Equal(t, "late item", store.messages[0].content)
}

func TestMachineDispatchesFunctionCall(t *testing.T) {
	store := &recordingStore{}
	runner := &fakeRunner{result: dispatch.Result{Output: "42", Status: model.ToolCallCompleted}}
	m := newTestMachine(store, runner)
	ctx := context.Background()

	m.handle(ctx, event(t, model.EventOutputItemAdded,
		`{"output_index":0,"item":{"id":"item_1","type":"function_call","call_id":"call_1","name":"calc.add"}}`))
	m.handle(ctx, event(t, model.EventFunctionArgsDelta,
		`{"item_id":"item_1","delta":"{\"a\":"}`))
	m.handle(ctx, event(t, model.EventFunctionArgsDelta,
		`{"item_id":"item_1","delta":"1}"}`))
	m.handle(ctx, event(t, model.EventFunctionArgsDone,
		`{"item_id":"item_1"}`))

	require.Len(t, runner.requests, 1)
	require.Equal(t, "calc.add", runner.requests[0].ToolName)
	require.Equal(t, `{"a":1}`, runner.requests[0].Arguments)

	require.Len(t, m.state.pendingOutputs, 1)
	require.Equal(t, "call_1", m.state.pendingOutputs[0].callID)
	require.Equal(t, "42", m.state.pendingOutputs[0].output)

	// item added, arguments persisted, then the result.
	require.Len(t, store.toolCalls, 3)
	last := store.toolCalls[2]
	require.NotNil(t, last.attrs.Result)
	require.Equal(t, "42", *last.attrs.Result)
	require.NotNil(t, last.attrs.Status)
	require.Equal(t, model.ToolCallCompleted, *last.attrs.Status)
}

func TestMachineFallsBackToItemIDForCallID(t *testing.T) {
	store := &recordingStore{}
	runner := &fakeRunner{result: dispatch.Result{Output: "ok", Status: model.ToolCallCompleted}}
	m := newTestMachine(store, runner)
	ctx := context.Background()

	m.handle(ctx, event(t, model.EventOutputItemAdded,
		`{"output_index":0,"item":{"id":"item_9","type":"function_call","name":"t"}}`))
	m.handle(ctx, event(t, model.EventFunctionArgsDone,
		`{"item_id":"item_9","arguments":"{}"}`))

	require.Len(t, m.state.pendingOutputs, 1)
	require.Equal(t, "item_9", m.state.pendingOutputs[0].callID)
}

func TestMachineDoesNotDispatchProviderCalls(t *testing.T) {
	store := &recordingStore{}
	runner := &fakeRunner{}
	m := newTestMachine(store, runner)
	ctx := context.Background()

	m.handle(ctx, event(t, model.EventOutputItemAdded,
		`{"output_index":0,"item":{"id":"item_2","type":"mcp_call","name":"search"}}`))
	m.handle(ctx, event(t, model.EventMcpArgsDelta,
		`{"item_id":"item_2","delta":"{\"q\":\"go\"}"}`))
	m.handle(ctx, event(t, model.EventMcpArgsDone,
		`{"item_id":"item_2"}`))
	m.handle(ctx, event(t, model.EventMcpCallInProgress, `{"item_id":"item_2"}`))
	m.handle(ctx, event(t, model.EventMcpCallCompleted, `{"item_id":"item_2"}`))

	require.Empty(t, runner.requests)
	require.Empty(t, m.state.pendingOutputs)

	// Status events persist durable state transitions.
	var statuses []model.ToolCallStatus
	for _, tc := range store.toolCalls {
		if tc.attrs.Status != nil {
			statuses = append(statuses, *tc.attrs.Status)
		}
	}
	require.Equal(t, []model.ToolCallStatus{model.ToolCallInProgress, model.ToolCallCompleted}, statuses)
}

func TestMachineRecordsResponseCreated(t *testing.T) {
	store := &recordingStore{}
	m := newTestMachine(store, &fakeRunner{})

	m.handle(context.Background(), event(t, model.EventResponseCreated,
		`{"response":{"id":"resp_abc","status":"in_progress"}}`))

	require.Equal(t, "resp_abc", m.state.responseID)
	require.Equal(t, []model.ConversationStatus{model.ConversationStreaming}, store.statuses)
	require.Equal(t, []string{"resp_abc"}, store.responseIDs)
}

func TestMachineIgnoresMalformedEvents(t *testing.T) {
	store := &recordingStore{}
	runner := &fakeRunner{}
	m := newTestMachine(store, runner)
	ctx := context.Background()

	m.handle(ctx, event(t, model.EventOutputItemAdded, `not json`))
	m.handle(ctx, event(t, model.EventOutputTextDelta, `{"delta":"no item id"}`))
	m.handle(ctx, event(t, "response.something.new", `{"whatever":true}`))

	require.Empty(t, store.messages)
	require.Empty(t, store.toolCalls)
	require.Empty(t, runner.requests)
}
