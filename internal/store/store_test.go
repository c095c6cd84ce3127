package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/relay-gateway/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func strPtr(s string) *string { return &s }

func intPtr(i int) *int { return &i }

func TestEnsureConversationGeneratesID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv, err := s.EnsureConversation(ctx, "", strPtr("My chat"))
	require.NoError(t, err)
	require.NotEmpty(t, conv.ID)
	require.Equal(t, model.ConversationCreated, conv.Status)
	require.Equal(t, "My chat", *conv.Title)

	got, err := s.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	require.Equal(t, conv.ID, got.ID)
}

func TestEnsureConversationIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.EnsureConversation(ctx, "conv_1", strPtr("original"))
	require.NoError(t, err)

	require.NoError(t, s.UpdateConversationStatus(ctx, "conv_1", model.ConversationStreaming, strPtr("resp_1")))

	// A later ensure with no title returns the existing record untouched.
	again, err := s.EnsureConversation(ctx, "conv_1", nil)
	require.NoError(t, err)
	require.Equal(t, first.ID, again.ID)
	require.Equal(t, "original", *again.Title)
	require.Equal(t, model.ConversationStreaming, again.Status)
}

func TestEnsureConversationUpdatesDifferingTitle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.EnsureConversation(ctx, "conv_1", strPtr("Old title"))
	require.NoError(t, err)

	// A non-blank title that differs from the stored one is applied.
	again, err := s.EnsureConversation(ctx, "conv_1", strPtr("New title"))
	require.NoError(t, err)
	require.Equal(t, "New title", *again.Title)

	got, err := s.GetConversation(ctx, "conv_1")
	require.NoError(t, err)
	require.Equal(t, "New title", *got.Title)

	// A blank title leaves the stored one alone.
	_, err = s.EnsureConversation(ctx, "conv_1", strPtr(""))
	require.NoError(t, err)

	got, err = s.GetConversation(ctx, "conv_1")
	require.NoError(t, err)
	require.Equal(t, "New title", *got.Title)
}

func TestEntityIDsAreUUIDv7(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv, err := s.EnsureConversation(ctx, "", nil)
	require.NoError(t, err)
	id, err := uuid.Parse(conv.ID)
	require.NoError(t, err)
	require.Equal(t, uuid.Version(7), id.Version())

	msg := &model.Message{ConversationID: conv.ID, Role: model.RoleUser, Content: "hi"}
	require.NoError(t, s.AppendMessage(ctx, msg))
	id, err = uuid.Parse(msg.ID)
	require.NoError(t, err)
	require.Equal(t, uuid.Version(7), id.Version())
}

func TestGetConversationNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetConversation(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFinalizeConversationRecordsReason(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.EnsureConversation(ctx, "conv_1", nil)
	require.NoError(t, err)

	require.NoError(t, s.FinalizeConversation(ctx, "conv_1", model.ConversationIncomplete, strPtr("max_output_tokens")))

	got, err := s.GetConversation(ctx, "conv_1")
	require.NoError(t, err)
	require.Equal(t, model.ConversationIncomplete, got.Status)
	require.Equal(t, "max_output_tokens", *got.CompletionReason)
}

func TestListConversationsCountsMessages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.EnsureConversation(ctx, "conv_1", nil)
	require.NoError(t, err)
	require.NoError(t, s.AppendMessage(ctx, &model.Message{ConversationID: "conv_1", Role: model.RoleUser, Content: "hi"}))
	require.NoError(t, s.UpsertMessageContent(ctx, "conv_1", "item_1", 0, "hello"))

	summaries, err := s.ListConversations(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	require.Equal(t, 2, summaries[0].MessageCount)
}

func TestUpsertMessageContentIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.EnsureConversation(ctx, "conv_1", nil)
	require.NoError(t, err)

	require.NoError(t, s.UpsertMessageContent(ctx, "conv_1", "item_1", 0, "Hello"))
	require.NoError(t, s.UpsertMessageContent(ctx, "conv_1", "item_1", 0, "Hello, world"))

	messages, err := s.GetMessages(ctx, "conv_1")
	require.NoError(t, err)
	require.Len(t, messages, 1)
	require.Equal(t, "Hello, world", messages[0].Content)
	require.Equal(t, model.RoleAssistant, messages[0].Role)
	require.Equal(t, "item_1", *messages[0].ItemID)
}

func TestUpsertToolCallMergesAttributes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.EnsureConversation(ctx, "conv_1", nil)
	require.NoError(t, err)

	// output_item.added carries the name and call id.
	require.NoError(t, s.UpsertToolCall(ctx, "conv_1", "item_1", model.ToolCallFunction, intPtr(0), model.ToolCallAttrs{
		Name:   strPtr("calc.add"),
		CallID: strPtr("call_1"),
	}))

	// arguments.done carries the full argument string.
	require.NoError(t, s.UpsertToolCall(ctx, "conv_1", "item_1", model.ToolCallFunction, nil, model.ToolCallAttrs{
		Arguments: strPtr(`{"a":1}`),
	}))

	// the dispatch result lands last.
	status := model.ToolCallCompleted
	require.NoError(t, s.UpsertToolCall(ctx, "conv_1", "item_1", model.ToolCallFunction, nil, model.ToolCallAttrs{
		Result: strPtr("42"),
		Status: &status,
	}))

	calls, err := s.GetToolCalls(ctx, "conv_1")
	require.NoError(t, err)
	require.Len(t, calls, 1)

	tc := calls[0]
	require.Equal(t, "calc.add", *tc.Name)
	require.Equal(t, "call_1", *tc.CallID)
	require.Equal(t, `{"a":1}`, *tc.Arguments)
	require.Equal(t, "42", *tc.Result)
	require.Equal(t, model.ToolCallCompleted, tc.Status)
	require.Equal(t, 0, *tc.OutputIndex)
}

func TestUpsertToolCallNilStatusDoesNotClobber(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.EnsureConversation(ctx, "conv_1", nil)
	require.NoError(t, err)

	status := model.ToolCallCompleted
	require.NoError(t, s.UpsertToolCall(ctx, "conv_1", "item_1", model.ToolCallProvider, nil, model.ToolCallAttrs{
		Status: &status,
	}))

	// A redelivered arguments event carries no status; completed must stick.
	require.NoError(t, s.UpsertToolCall(ctx, "conv_1", "item_1", model.ToolCallProvider, nil, model.ToolCallAttrs{
		Arguments: strPtr(`{"q":"go"}`),
	}))

	calls, err := s.GetToolCalls(ctx, "conv_1")
	require.NoError(t, err)
	require.Len(t, calls, 1)
	require.Equal(t, model.ToolCallCompleted, calls[0].Status)
	require.Equal(t, `{"q":"go"}`, *calls[0].Arguments)
}

func TestUpsertToolCallDefaultsToInProgress(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.EnsureConversation(ctx, "conv_1", nil)
	require.NoError(t, err)

	require.NoError(t, s.UpsertToolCall(ctx, "conv_1", "item_1", model.ToolCallFunction, nil, model.ToolCallAttrs{}))

	calls, err := s.GetToolCalls(ctx, "conv_1")
	require.NoError(t, err)
	require.Len(t, calls, 1)
	require.Equal(t, model.ToolCallInProgress, calls[0].Status)
}

func TestToolPolicyResolution(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// No provider record at all: allow.
	policy, err := s.GetToolPolicy(ctx, "ghost", "echo")
	require.NoError(t, err)
	require.Equal(t, model.PolicyAlwaysAllow, policy)

	require.NoError(t, s.UpsertProvider(ctx, &model.ToolProvider{
		ID:            "p1",
		Name:          "search",
		BaseURL:       "https://tools.example.com/mcp",
		DefaultPolicy: model.PolicyAskUser,
	}))

	// Provider default applies when no explicit rule exists.
	policy, err = s.GetToolPolicy(ctx, "p1", "echo")
	require.NoError(t, err)
	require.Equal(t, model.PolicyAskUser, policy)

	// An explicit rule overrides the default.
	require.NoError(t, s.SetToolPolicy(ctx, "p1", "echo", model.PolicyAlwaysDeny))
	policy, err = s.GetToolPolicy(ctx, "p1", "echo")
	require.NoError(t, err)
	require.Equal(t, model.PolicyAlwaysDeny, policy)

	// Deleting the rule reverts to the default.
	require.NoError(t, s.DeleteToolPolicy(ctx, "p1", "echo"))
	policy, err = s.GetToolPolicy(ctx, "p1", "echo")
	require.NoError(t, err)
	require.Equal(t, model.PolicyAskUser, policy)
}

func TestUpsertProviderDefaults(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := &model.ToolProvider{Name: "search", BaseURL: "https://tools.example.com/mcp"}
	require.NoError(t, s.UpsertProvider(ctx, p))
	require.NotEmpty(t, p.ID)

	got, err := s.GetProvider(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, model.TransportStreamableHTTP, got.Transport)
	require.Equal(t, model.ProviderIdle, got.Status)
	require.Equal(t, model.PolicyAlwaysAllow, got.DefaultPolicy)
}

func TestDeleteConversation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.EnsureConversation(ctx, "conv_1", nil)
	require.NoError(t, err)

	require.NoError(t, s.DeleteConversation(ctx, "conv_1"))
	require.ErrorIs(t, s.DeleteConversation(ctx, "conv_1"), ErrNotFound)

	_, err = s.GetConversation(ctx, "conv_1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateConversationTitle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.EnsureConversation(ctx, "conv_1", nil)
	require.NoError(t, err)

	require.NoError(t, s.UpdateConversationTitle(ctx, "conv_1", "Renamed"))

	got, err := s.GetConversation(ctx, "conv_1")
	require.NoError(t, err)
	require.Equal(t, "Renamed", *got.Title)

	require.ErrorIs(t, s.UpdateConversationTitle(ctx, "missing", "x"), ErrNotFound)
}
