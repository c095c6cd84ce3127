package relay

import (
	"strings"

	"github.com/capitalize-ai/relay-gateway/internal/model"
)

// itemKind classifies an output item for routing its subsequent events.
type itemKind int

const (
	itemMessage itemKind = iota
	itemFunctionCall
	itemProviderCall
)

// itemState accumulates the fragments of one output item across events.
// Items are created on first sight of their id, whether or not an
// output_item.added was observed.
type itemState struct {
	kind        itemKind
	outputIndex int
	callID      string
	name        string
	text        strings.Builder
	args        strings.Builder
}

// functionOutput is one executed tool result awaiting the continuation leg.
type functionOutput struct {
	callID string
	output string
}

// streamState is the per-stream accumulation scratchpad. It lives for
// the duration of one relay run and is reset between legs.
type streamState struct {
	responseID     string
	items          map[string]*itemState
	pendingOutputs []functionOutput
}

func newStreamState() *streamState {
	return &streamState{items: make(map[string]*itemState)}
}

// item returns the accumulator for itemID, creating one if the id is new.
func (s *streamState) item(itemID string) *itemState {
	it, ok := s.items[itemID]
	if !ok {
		it = &itemState{outputIndex: -1}
		s.items[itemID] = it
	}
	return it
}

// effectiveCallID returns the call id to pair with a function output,
// falling back to the item id when the provider never sent one.
func (it *itemState) effectiveCallID(itemID string) string {
	if it.callID != "" {
		return it.callID
	}
	return itemID
}

func (it *itemState) callType() model.ToolCallType {
	if it.kind == itemProviderCall {
		return model.ToolCallProvider
	}
	return model.ToolCallFunction
}

// resetForLeg clears per-leg accumulation while keeping nothing across
// legs; pending outputs are consumed by the caller before the reset.
func (s *streamState) resetForLeg() {
	s.items = make(map[string]*itemState)
	s.pendingOutputs = nil
}
