package model

import (
	"time"
)

// Transport is the wire transport used to reach a tool provider.
type Transport string

const (
	TransportSSE            Transport = "sse"
	TransportStreamableHTTP Transport = "streamable_http"
)

// ProviderStatus is the liveness state of a tool provider.
type ProviderStatus string

const (
	ProviderIdle      ProviderStatus = "idle"
	ProviderConnected ProviderStatus = "connected"
	ProviderError     ProviderStatus = "error"
)

// ToolProvider is the record describing an external tool server.
type ToolProvider struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	BaseURL       string         `json:"base_url"`
	Transport     Transport      `json:"transport"`
	Status        ProviderStatus `json:"status"`
	APIKey        string         `json:"-"`
	DefaultPolicy ApprovalPolicy `json:"default_policy"`
	ToolsCache    *string        `json:"-"`
	ToolsSyncedAt *time.Time     `json:"tools_synced_at,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// ApprovalPolicy governs whether a tool invocation proceeds automatically,
// is refused outright, or blocks on user confirmation.
type ApprovalPolicy string

const (
	PolicyAlwaysAllow ApprovalPolicy = "always_allow"
	PolicyAlwaysDeny  ApprovalPolicy = "always_deny"
	PolicyAskUser     ApprovalPolicy = "ask_user"
)

// ParseApprovalPolicy maps a string to an ApprovalPolicy, defaulting to
// PolicyAskUser for unrecognized values.
func ParseApprovalPolicy(s string) ApprovalPolicy {
	switch ApprovalPolicy(s) {
	case PolicyAlwaysAllow, PolicyAlwaysDeny, PolicyAskUser:
		return ApprovalPolicy(s)
	default:
		return PolicyAskUser
	}
}

// ToolPolicy is a stored per-(provider, tool) approval rule.
type ToolPolicy struct {
	ProviderID string         `json:"provider_id"`
	ToolName   string         `json:"tool_name"`
	Policy     ApprovalPolicy `json:"policy"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// ToolDescriptor is one callable tool as advertised to the upstream
// LLM provider. Name is namespaced "<providerID>.<tool>".
type ToolDescriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"parameters,omitempty"`
	ProviderID  string         `json:"-"`
}

// UpsertProviderRequest is the request to create or update a tool provider.
type UpsertProviderRequest struct {
	ID            string `json:"id,omitempty"`
	Name          string `json:"name"`
	BaseURL       string `json:"base_url"`
	Transport     string `json:"transport,omitempty"`
	APIKey        string `json:"api_key,omitempty"`
	DefaultPolicy string `json:"default_policy,omitempty"`
}

// SetPolicyRequest is the request to set one tool's approval policy.
type SetPolicyRequest struct {
	Policy string `json:"policy"`
}
