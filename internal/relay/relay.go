package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/relay-gateway/internal/model"
	"github.com/capitalize-ai/relay-gateway/pkg/logger"
	"github.com/capitalize-ai/relay-gateway/pkg/metrics"
)

// Sink receives every event bound for the client, relayed and
// gateway-originated alike.
type Sink interface {
	Send(event string, data json.RawMessage) error
}

// ToolCatalog lists the tool descriptors advertised to the model. The
// provider catalog implements it.
type ToolCatalog interface {
	Descriptors(ctx context.Context) ([]model.ToolDescriptor, error)
}

// Relayer runs the streaming loop: it opens upstream legs, relays their
// events, intercepts tool calls, and follows up with continuation legs
// carrying tool outputs until the model stops asking for tools.
type Relayer struct {
	upstream  *UpstreamClient
	store     Persister
	catalog   ToolCatalog
	tools     ToolRunner
	maxRounds int
	sem       chan struct{}
	log       *logger.Logger
}

// NewRelayer creates a relayer bounded to maxStreams concurrent runs.
func NewRelayer(upstream *UpstreamClient, store Persister, catalog ToolCatalog, tools ToolRunner, maxRounds, maxStreams int, log *logger.Logger) *Relayer {
	if maxRounds <= 0 {
		maxRounds = 20
	}
	if maxStreams <= 0 {
		maxStreams = 256
	}
	return &Relayer{
		upstream:  upstream,
		store:     store,
		catalog:   catalog,
		tools:     tools,
		maxRounds: maxRounds,
		sem:       make(chan struct{}, maxStreams),
		log:       log,
	}
}

// Run relays one conversation turn. It returns once the stream reaches a
// terminal state or the context is canceled. The conversation is always
// finalized before return.
func (r *Relayer) Run(ctx context.Context, sink Sink, conversationID string, payload json.RawMessage) error {
	select {
	case r.sem <- struct{}{}:
		defer func() { <-r.sem }()
	case <-ctx.Done():
		return ctx.Err()
	}

	metrics.IncrementSSEConnections()
	defer metrics.DecrementSSEConnections()
	start := time.Now()

	log := r.log.WithConversation(conversationID)
	emit := func(event string, data any) error {
		raw, err := json.Marshal(data)
		if err != nil {
			return err
		}
		return sink.Send(event, raw)
	}

	m := newMachine(conversationID, r.store, r.tools, emit, log)

	finalized := false
	finalize := func(status model.ConversationStatus, reason *string) {
		if finalized {
			return
		}
		finalized = true
		if err := r.store.FinalizeConversation(context.WithoutCancel(ctx), conversationID, status, reason); err != nil {
			log.Warn("failed to finalize conversation", zap.Error(err))
		}
		metrics.StreamDuration.WithLabelValues(string(status)).Observe(time.Since(start).Seconds())
	}
	defer func() {
		reason := "stream interrupted"
		finalize(model.ConversationIncomplete, &reason)
	}()

	descriptors, err := r.catalog.Descriptors(ctx)
	if err != nil {
		log.Warn("failed to build tool catalog, streaming without tools", zap.Error(err))
	}

	legPayload, err := prepareInitialPayload(payload, descriptors)
	if err != nil {
		r.sendError(sink, log, err)
		reason := err.Error()
		finalize(model.ConversationFailed, &reason)
		return err
	}

	for round := 0; ; round++ {
		status, reason, err := r.runLeg(ctx, sink, m, legPayload, log)
		if err != nil {
			// A gone client is not an upstream failure: stop consuming
			// and leave the conversation resumable.
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				log.Debug("client canceled stream", zap.Error(err))
				msg := "client disconnected"
				finalize(model.ConversationIncomplete, &msg)
				return err
			}
			r.sendError(sink, log, err)
			msg := err.Error()
			finalize(model.ConversationFailed, &msg)
			return err
		}
		metrics.StreamLegsTotal.WithLabelValues(string(status)).Inc()

		pending := m.state.pendingOutputs
		if len(pending) == 0 {
			finalize(status, reason)
			return nil
		}
		if round+1 >= r.maxRounds {
			log.Warn("tool round cap reached, ending stream",
				zap.Int("rounds", round+1), zap.Int("pending_outputs", len(pending)))
			finalize(status, reason)
			return nil
		}

		legPayload, err = buildContinuation(payload, m.state.responseID, descriptors, pending)
		if err != nil {
			r.sendError(sink, log, err)
			msg := err.Error()
			finalize(model.ConversationFailed, &msg)
			return err
		}
		m.state.resetForLeg()
	}
}

// runLeg streams one upstream request to completion, relaying every
// event and feeding each through the state machine in arrival order.
func (r *Relayer) runLeg(ctx context.Context, sink Sink, m *machine, payload json.RawMessage, log *logger.Logger) (model.ConversationStatus, *string, error) {
	events, err := r.upstream.Stream(ctx, payload)
	if err != nil {
		return "", nil, err
	}

	status := model.ConversationIncomplete
	var reason *string
	sawTerminal := false

	for ev := range events {
		if ev.Err != nil {
			return "", nil, ev.Err
		}

		if err := sink.Send(ev.Type, ev.Data); err != nil {
			log.Debug("client sink closed", zap.Error(err))
			return "", nil, fmt.Errorf("client disconnected: %w", err)
		}

		m.handle(ctx, ev)

		switch ev.Type {
		case model.EventResponseCompleted:
			status, reason = model.ConversationCompleted, nil
			sawTerminal = true
		case model.EventResponseIncomplete:
			status = model.ConversationIncomplete
			reason = terminalReason(ev.Data)
			sawTerminal = true
		case model.EventResponseFailed:
			status = model.ConversationFailed
			reason = terminalReason(ev.Data)
			sawTerminal = true
		}
	}

	if !sawTerminal {
		msg := "upstream stream ended without terminal event"
		reason = &msg
	}

	return status, reason, nil
}

func (r *Relayer) sendError(sink Sink, log *logger.Logger, err error) {
	ev := model.ErrorEvent{Message: err.Error(), Timestamp: time.Now().UTC()}
	raw, marshalErr := json.Marshal(ev)
	if marshalErr != nil {
		return
	}
	if sendErr := sink.Send("error", raw); sendErr != nil {
		log.Debug("failed to deliver error event", zap.Error(sendErr))
	}
}

func terminalReason(data json.RawMessage) *string {
	var env responseEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil
	}
	if env.Response.IncompleteDetails != nil && env.Response.IncompleteDetails.Reason != "" {
		return &env.Response.IncompleteDetails.Reason
	}
	if env.Response.Error != nil && env.Response.Error.Message != "" {
		return &env.Response.Error.Message
	}
	return nil
}

// prepareInitialPayload forces streaming and merges the tool catalog
// into the client's provider-formatted request body.
func prepareInitialPayload(payload json.RawMessage, descriptors []model.ToolDescriptor) (json.RawMessage, error) {
	var body map[string]any
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, fmt.Errorf("invalid request payload: %w", err)
	}

	body["stream"] = true
	mergeTools(body, descriptors)

	out, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request payload: %w", err)
	}
	return out, nil
}

// buildContinuation creates the follow-up request that feeds tool
// outputs back to the model via previous_response_id.
func buildContinuation(original json.RawMessage, responseID string, descriptors []model.ToolDescriptor, outputs []functionOutput) (json.RawMessage, error) {
	if responseID == "" {
		return nil, fmt.Errorf("cannot continue stream: no response id observed")
	}

	var orig map[string]any
	if err := json.Unmarshal(original, &orig); err != nil {
		return nil, fmt.Errorf("invalid request payload: %w", err)
	}

	input := make([]map[string]any, 0, len(outputs))
	for _, out := range outputs {
		input = append(input, map[string]any{
			"type":    "function_call_output",
			"call_id": out.callID,
			"output":  out.output,
		})
	}

	body := map[string]any{
		"previous_response_id": responseID,
		"input":                input,
		"stream":               true,
	}
	if modelName, ok := orig["model"]; ok {
		body["model"] = modelName
	}
	mergeTools(body, descriptors)

	out, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode continuation payload: %w", err)
	}
	return out, nil
}

func mergeTools(body map[string]any, descriptors []model.ToolDescriptor) {
	if len(descriptors) == 0 {
		return
	}

	var tools []any
	if existing, ok := body["tools"].([]any); ok {
		tools = existing
	}
	for _, d := range descriptors {
		tool := map[string]any{
			"type": "function",
			"name": d.Name,
		}
		if d.Description != "" {
			tool["description"] = d.Description
		}
		if d.InputSchema != nil {
			tool["parameters"] = d.InputSchema
		}
		tools = append(tools, tool)
	}
	body["tools"] = tools
}
