package mcp

import (
	"testing"

	mcptypes "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/require"
)

func TestNamespaced(t *testing.T) {
	require.Equal(t, "p1.echo", Namespaced("p1", "echo"))
}

func TestSplitName(t *testing.T) {
	tests := []struct {
		name     string
		provider string
		tool     string
	}{
		{"p1.echo", "p1", "echo"},
		{"echo", "", "echo"},
		{"p1.ns.echo", "p1", "ns.echo"},
		{".echo", "", ".echo"},
		{"", "", ""},
	}

	for _, tt := range tests {
		provider, tool := SplitName(tt.name)
		require.Equal(t, tt.provider, provider, tt.name)
		require.Equal(t, tt.tool, tool, tt.name)
	}
}

func TestSplitNameRoundTrip(t *testing.T) {
	provider, tool := SplitName(Namespaced("search-prov", "web_search"))
	require.Equal(t, "search-prov", provider)
	require.Equal(t, "web_search", tool)
}

func TestSchemaToMap(t *testing.T) {
	schema := mcptypes.ToolInputSchema{
		Type: "object",
		Properties: map[string]any{
			"query": map[string]any{"type": "string"},
		},
		Required: []string{"query"},
	}

	m := schemaToMap(schema)
	require.Equal(t, "object", m["type"])
	require.Contains(t, m, "properties")
}
