package middleware

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateMessageContent(t *testing.T) {
	require.NoError(t, ValidateMessageContent("hello"))
	require.Error(t, ValidateMessageContent(""))
	require.Error(t, ValidateMessageContent(strings.Repeat("a", 100001)))
	require.Error(t, ValidateMessageContent(string([]byte{0xff, 0xfe})))
}

func TestValidateTitle(t *testing.T) {
	require.NoError(t, ValidateTitle(""))
	require.NoError(t, ValidateTitle("Weekend plans"))
	require.Error(t, ValidateTitle(strings.Repeat("t", 257)))
	require.Error(t, ValidateTitle(string([]byte{0xff})))
}

func TestValidateConversationID(t *testing.T) {
	require.NoError(t, ValidateConversationID(""))
	require.NoError(t, ValidateConversationID("conv_123"))
	require.Error(t, ValidateConversationID(strings.Repeat("x", 65)))
	require.Error(t, ValidateConversationID(string([]byte{0xff})))
}
