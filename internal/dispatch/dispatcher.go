package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mcptypes "github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/capitalize-ai/relay-gateway/internal/mcp"
	"github.com/capitalize-ai/relay-gateway/internal/model"
	"github.com/capitalize-ai/relay-gateway/pkg/logger"
	"github.com/capitalize-ai/relay-gateway/pkg/metrics"
)

// PolicySource resolves the effective approval policy for one tool.
type PolicySource interface {
	GetToolPolicy(ctx context.Context, providerID, toolName string) (model.ApprovalPolicy, error)
}

// ToolCaller invokes tools on provider sessions and reports which
// providers currently hold a live one. The session registry implements
// it.
type ToolCaller interface {
	CallTool(ctx context.Context, providerID, toolName string, args map[string]any) (*mcptypes.CallToolResult, error)
	Connected() []string
}

// Emitter sends a gateway-originated event down the client stream.
type Emitter func(event string, data any) error

// Request is one tool call to dispatch.
type Request struct {
	ConversationID string
	ItemID         string
	ToolName       string
	Arguments      string
}

// Result is the normalized outcome of a dispatch.
type Result struct {
	Output     string
	Status     model.ToolCallStatus
	ProviderID string
}

// Dispatcher resolves candidate providers for a tool call, runs the
// approval gate, and invokes the tool with failover across candidates.
type Dispatcher struct {
	registry  ToolCaller
	providers mcp.ProviderSource
	policies  PolicySource
	gate      *ApprovalGate
	timeout   time.Duration
	log       *logger.Logger
}

// NewDispatcher creates a tool dispatcher.
func NewDispatcher(registry ToolCaller, providers mcp.ProviderSource, policies PolicySource, gate *ApprovalGate, callTimeout time.Duration, log *logger.Logger) *Dispatcher {
	if callTimeout <= 0 {
		callTimeout = 15 * time.Second
	}
	return &Dispatcher{
		registry:  registry,
		providers: providers,
		policies:  policies,
		gate:      gate,
		timeout:   callTimeout,
		log:       log,
	}
}

// Dispatch executes one tool call. The returned result is always
// populated; failures are reported through Status and Output rather than
// an error so the caller can feed them back to the model.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request, emit Emitter) Result {
	providerHint, toolName := mcp.SplitName(req.ToolName)

	candidates, err := d.resolveCandidates(ctx, providerHint)
	if err != nil {
		d.log.Error("candidate resolution failed",
			zap.String("tool", req.ToolName), zap.Error(err))
		return failed("", fmt.Sprintf("tool dispatch failed: %v", err))
	}
	if len(candidates) == 0 {
		d.log.Warn("no provider available for tool", zap.String("tool", req.ToolName))
		return failed("", "no provider available")
	}

	var args map[string]any
	if req.Arguments != "" {
		if err := json.Unmarshal([]byte(req.Arguments), &args); err != nil {
			return failed(candidates[0], fmt.Sprintf("invalid tool arguments: %v", err))
		}
	}

	allowed, denialReason := d.checkApproval(ctx, candidates[0], toolName, req, emit)
	if !allowed {
		return failed(candidates[0], denialReason)
	}

	var lastErr error
	for i, providerID := range candidates {
		start := time.Now()
		result, err := d.callProvider(ctx, providerID, toolName, args)
		if err == nil {
			metrics.RecordToolCall(providerID, "completed", time.Since(start).Seconds())
			return Result{
				Output:     normalizeResult(result),
				Status:     model.ToolCallCompleted,
				ProviderID: providerID,
			}
		}

		lastErr = err
		metrics.RecordToolCall(providerID, "failed", time.Since(start).Seconds())

		if !isRecoverable(err) || ctx.Err() != nil {
			break
		}
		if i < len(candidates)-1 {
			d.log.Warn("failing over to next provider",
				zap.String("tool", toolName),
				zap.String("provider_id", providerID),
				zap.Error(err))
		}
	}

	return failed(candidates[0], fmt.Sprintf("tool call failed: %v", lastErr))
}

// resolveCandidates returns the providers to try in order. A provider
// hint narrows the set to that provider. Otherwise providers holding a
// live session come first, in registration order, followed by the
// remaining registered providers as lazy fallbacks connected on demand.
func (d *Dispatcher) resolveCandidates(ctx context.Context, providerHint string) ([]string, error) {
	if providerHint != "" {
		if _, err := d.providers.GetProvider(ctx, providerHint); err == nil {
			return []string{providerHint}, nil
		}
		// Hint did not match a registered provider; fall through and
		// treat the full name as un-namespaced.
	}

	providers, err := d.providers.ListProviders(ctx)
	if err != nil {
		return nil, err
	}

	connected := make(map[string]bool)
	for _, id := range d.registry.Connected() {
		connected[id] = true
	}

	ids := make([]string, 0, len(providers))
	for _, p := range providers {
		if connected[p.ID] {
			ids = append(ids, p.ID)
		}
	}
	for _, p := range providers {
		if !connected[p.ID] {
			ids = append(ids, p.ID)
		}
	}
	return ids, nil
}

func (d *Dispatcher) checkApproval(ctx context.Context, providerID, toolName string, req Request, emit Emitter) (bool, string) {
	policy, err := d.policies.GetToolPolicy(ctx, providerID, toolName)
	if err != nil {
		d.log.Warn("policy lookup failed, requiring approval",
			zap.String("provider_id", providerID), zap.String("tool", toolName), zap.Error(err))
		policy = model.PolicyAskUser
	}

	switch policy {
	case model.PolicyAlwaysAllow:
		return true, ""
	case model.PolicyAlwaysDeny:
		metrics.ApprovalsTotal.WithLabelValues("policy_denied").Inc()
		return false, "tool call denied by policy"
	}

	requestID := d.gate.Begin()
	event := model.ApprovalRequiredEvent{
		ApprovalRequestID: requestID,
		ProviderID:        providerID,
		ToolName:          toolName,
		Arguments:         json.RawMessage(req.Arguments),
	}
	if emit != nil {
		if err := emit(model.EventApprovalRequired, event); err != nil {
			d.log.Warn("failed to emit approval request", zap.Error(err))
			return false, "tool call denied: approval channel unavailable"
		}
	}

	if !d.gate.Wait(ctx, requestID) {
		return false, "tool call denied by user"
	}
	return true, ""
}

func (d *Dispatcher) callProvider(ctx context.Context, providerID, toolName string, args map[string]any) (normalized *toolResult, err error) {
	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	result, err := d.registry.CallTool(callCtx, providerID, toolName, args)
	if err != nil {
		return nil, err
	}
	if result.IsError {
		return nil, fmt.Errorf("provider reported error: %s", contentText(result.Content))
	}
	return &toolResult{content: result.Content}, nil
}

type toolResult struct {
	content any
}

// normalizeResult flattens a provider result into the single string the
// upstream model receives as function_call_output.
func normalizeResult(r *toolResult) string {
	if r == nil {
		return "Tool executed successfully (no output)"
	}
	text := contentText(r.content)
	if text == "" {
		return "Tool executed successfully (no output)"
	}
	return text
}

func contentText(content any) string {
	data, err := json.Marshal(content)
	if err != nil || string(data) == "null" || string(data) == "[]" {
		return ""
	}
	return string(data)
}

// isRecoverable reports whether a failure warrants trying the next
// candidate. Transport-level failures, server-side failures, and
// provider-reported error results are recoverable; argument or auth
// problems would fail everywhere the same way.
func isRecoverable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"),
		strings.Contains(msg, "deadline exceeded"),
		strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "eof"),
		strings.Contains(msg, "session failed"),
		strings.Contains(msg, "server error"),
		strings.Contains(msg, "provider reported error"),
		strings.Contains(msg, "503"),
		strings.Contains(msg, "502"):
		return true
	default:
		return false
	}
}

func failed(providerID, output string) Result {
	return Result{
		Output:     output,
		Status:     model.ToolCallFailed,
		ProviderID: providerID,
	}
}
