package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/relay-gateway/internal/dispatch"
	"github.com/capitalize-ai/relay-gateway/internal/model"
)

func completedResult(output string) dispatch.Result {
	return dispatch.Result{Output: output, Status: model.ToolCallCompleted}
}

type fakeCatalog struct {
	descriptors []model.ToolDescriptor
	err         error
}

func (f *fakeCatalog) Descriptors(context.Context) ([]model.ToolDescriptor, error) {
	return f.descriptors, f.err
}

type sentEvent struct {
	event string
	data  json.RawMessage
}

type collectingSink struct {
	mu     sync.Mutex
	events []sentEvent
}

func (s *collectingSink) Send(event string, data json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, sentEvent{event: event, data: data})
	return nil
}

func (s *collectingSink) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	types := make([]string, 0, len(s.events))
	for _, ev := range s.events {
		types = append(types, ev.event)
	}
	return types
}

func sse(event, data string) string {
	return fmt.Sprintf("event: %s\ndata: %s\n\n", event, data)
}

func TestPrepareInitialPayloadForcesStream(t *testing.T) {
	out, err := prepareInitialPayload([]byte(`{"model":"gpt-4o","input":"hi","stream":false}`), nil)
	require.NoError(t, err)

	var body map[string]any
	require.NoError(t, json.Unmarshal(out, &body))
	require.Equal(t, true, body["stream"])
	require.Equal(t, "gpt-4o", body["model"])
}

func TestPrepareInitialPayloadRejectsInvalidJSON(t *testing.T) {
	_, err := prepareInitialPayload([]byte(`not json`), nil)
	require.Error(t, err)
}

func TestMergeToolsAppendsToExisting(t *testing.T) {
	body := map[string]any{
		"tools": []any{map[string]any{"type": "web_search"}},
	}
	mergeTools(body, []model.ToolDescriptor{
		{Name: "prov.echo", Description: "echoes", InputSchema: map[string]any{"type": "object"}},
	})

	tools, ok := body["tools"].([]any)
	require.True(t, ok)
	require.Len(t, tools, 2)

	added, ok := tools[1].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "function", added["type"])
	require.Equal(t, "prov.echo", added["name"])
	require.Equal(t, "echoes", added["description"])
}

func TestBuildContinuationShape(t *testing.T) {
	original := []byte(`{"model":"gpt-4o","input":"hi"}`)
	outputs := []functionOutput{
		{callID: "call_1", output: "result one"},
		{callID: "call_2", output: "result two"},
	}

	raw, err := buildContinuation(original, "resp_1", nil, outputs)
	require.NoError(t, err)

	var body struct {
		PreviousResponseID string `json:"previous_response_id"`
		Stream             bool   `json:"stream"`
		Model              string `json:"model"`
		Input              []struct {
			Type   string `json:"type"`
			CallID string `json:"call_id"`
			Output string `json:"output"`
		} `json:"input"`
	}
	require.NoError(t, json.Unmarshal(raw, &body))

	require.Equal(t, "resp_1", body.PreviousResponseID)
	require.True(t, body.Stream)
	require.Equal(t, "gpt-4o", body.Model)
	require.Len(t, body.Input, 2)
	require.Equal(t, "function_call_output", body.Input[0].Type)
	require.Equal(t, "call_1", body.Input[0].CallID)
	require.Equal(t, "result one", body.Input[0].Output)
}

func TestBuildContinuationRequiresResponseID(t *testing.T) {
	_, err := buildContinuation([]byte(`{}`), "", nil, []functionOutput{{callID: "c", output: "o"}})
	require.Error(t, err)
}

func TestRelayerRunsContinuationLeg(t *testing.T) {
	var calls int32
	var continuationBody []byte

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		n := atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "text/event-stream")

		if n == 1 {
			io.WriteString(w, sse("response.created", `{"response":{"id":"resp_1"}}`))
			io.WriteString(w, sse("response.output_item.added",
				`{"output_index":0,"item":{"id":"item_1","type":"function_call","call_id":"call_1","name":"prov.echo"}}`))
			io.WriteString(w, sse("response.function_call_arguments.done",
				`{"item_id":"item_1","arguments":"{\"text\":\"hi\"}"}`))
			io.WriteString(w, sse("response.completed", `{"response":{"id":"resp_1","status":"completed"}}`))
			return
		}

		continuationBody = body
		io.WriteString(w, sse("response.created", `{"response":{"id":"resp_2"}}`))
		io.WriteString(w, sse("response.output_text.done",
			`{"item_id":"msg_1","output_index":0,"text":"done"}`))
		io.WriteString(w, sse("response.completed", `{"response":{"id":"resp_2","status":"completed"}}`))
	}))
	defer srv.Close()

	store := &recordingStore{}
	runner := &fakeRunner{result: completedResult("tool says hi")}
	sink := &collectingSink{}
	catalog := &fakeCatalog{descriptors: []model.ToolDescriptor{{Name: "prov.echo"}}}

	upstream := NewUpstreamClient(srv.URL, "test-key", 0, testLogger())
	relayer := NewRelayer(upstream, store, catalog, runner, 5, 4, testLogger())

	err := relayer.Run(context.Background(), sink, "conv_1", []byte(`{"model":"gpt-4o","input":"hi"}`))
	require.NoError(t, err)

	require.EqualValues(t, 2, atomic.LoadInt32(&calls))

	var cont struct {
		PreviousResponseID string `json:"previous_response_id"`
		Input              []struct {
			Type   string `json:"type"`
			CallID string `json:"call_id"`
			Output string `json:"output"`
		} `json:"input"`
	}
	require.NoError(t, json.Unmarshal(continuationBody, &cont))
	require.Equal(t, "resp_1", cont.PreviousResponseID)
	require.Len(t, cont.Input, 1)
	require.Equal(t, "call_1", cont.Input[0].CallID)
	require.Equal(t, "tool says hi", cont.Input[0].Output)

	require.Equal(t, model.ConversationCompleted, store.finalStatus)
	require.Equal(t, 1, store.finalized)
	require.Contains(t, sink.types(), "response.created")
	require.Contains(t, sink.types(), "response.completed")
}

func TestRelayerStopsAtRoundCap(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "text/event-stream")
		// Every leg asks for another tool call.
		io.WriteString(w, sse("response.created", `{"response":{"id":"resp_1"}}`))
		io.WriteString(w, sse("response.output_item.added",
			`{"output_index":0,"item":{"id":"item_1","type":"function_call","call_id":"call_1","name":"prov.echo"}}`))
		io.WriteString(w, sse("response.function_call_arguments.done",
			`{"item_id":"item_1","arguments":"{}"}`))
		io.WriteString(w, sse("response.completed", `{"response":{"id":"resp_1","status":"completed"}}`))
	}))
	defer srv.Close()

	store := &recordingStore{}
	runner := &fakeRunner{result: completedResult("out")}
	upstream := NewUpstreamClient(srv.URL, "test-key", 0, testLogger())
	relayer := NewRelayer(upstream, store, &fakeCatalog{}, runner, 1, 4, testLogger())

	err := relayer.Run(context.Background(), &collectingSink{}, "conv_1", []byte(`{"model":"gpt-4o"}`))
	require.NoError(t, err)

	require.EqualValues(t, 1, atomic.LoadInt32(&calls))
	require.Equal(t, model.ConversationCompleted, store.finalStatus)
}

// closedSink simulates a client that went away mid-stream.
type closedSink struct{}

func (closedSink) Send(string, json.RawMessage) error {
	return context.Canceled
}

func TestRelayerMarksIncompleteOnClientDisconnect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, sse("response.created", `{"response":{"id":"resp_1"}}`))
		io.WriteString(w, sse("response.completed", `{"response":{"id":"resp_1","status":"completed"}}`))
	}))
	defer srv.Close()

	store := &recordingStore{}
	upstream := NewUpstreamClient(srv.URL, "test-key", 0, testLogger())
	relayer := NewRelayer(upstream, store, &fakeCatalog{}, &fakeRunner{}, 5, 4, testLogger())

	err := relayer.Run(context.Background(), closedSink{}, "conv_1", []byte(`{"model":"gpt-4o"}`))
	require.Error(t, err)

	require.Equal(t, model.ConversationIncomplete, store.finalStatus)
	require.NotNil(t, store.finalReason)
	require.Equal(t, "client disconnected", *store.finalReason)
	require.Equal(t, 1, store.finalized)
}

func TestRelayerFinalizesIncompleteWithoutTerminalEvent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, sse("response.created", `{"response":{"id":"resp_1"}}`))
		// Connection ends with no terminal event.
	}))
	defer srv.Close()

	store := &recordingStore{}
	upstream := NewUpstreamClient(srv.URL, "test-key", 0, testLogger())
	relayer := NewRelayer(upstream, store, &fakeCatalog{}, &fakeRunner{}, 5, 4, testLogger())

	err := relayer.Run(context.Background(), &collectingSink{}, "conv_1", []byte(`{"model":"gpt-4o"}`))
	require.NoError(t, err)

	require.Equal(t, model.ConversationIncomplete, store.finalStatus)
	require.NotNil(t, store.finalReason)
	require.Equal(t, "upstream stream ended without terminal event", *store.finalReason)
}
