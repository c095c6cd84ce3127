// Package dispatch routes tool calls surfaced by the stream to tool
// providers, applying approval policies and failover.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/capitalize-ai/relay-gateway/pkg/logger"
	"github.com/capitalize-ai/relay-gateway/pkg/metrics"
)

// ErrApprovalUnknown is returned when a decision arrives for a request id
// that is not pending.
var ErrApprovalUnknown = errors.New("unknown approval request")

// ApprovalGate blocks tool dispatch until a user decision arrives or the
// wait times out. A timeout counts as a denial.
type ApprovalGate struct {
	mu      sync.Mutex
	pending map[string]chan bool
	timeout time.Duration
	log     *logger.Logger
}

// NewApprovalGate creates an approval gate with the given wait timeout.
func NewApprovalGate(timeout time.Duration, log *logger.Logger) *ApprovalGate {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &ApprovalGate{
		pending: make(map[string]chan bool),
		timeout: timeout,
		log:     log,
	}
}

// Begin registers a pending approval and returns its request id.
func (g *ApprovalGate) Begin() string {
	id := uuid.NewString()
	g.mu.Lock()
	g.pending[id] = make(chan bool, 1)
	g.mu.Unlock()
	return id
}

// Wait blocks until the request is resolved, the timeout elapses, or the
// context is canceled. Only an explicit approval returns true.
func (g *ApprovalGate) Wait(ctx context.Context, requestID string) bool {
	g.mu.Lock()
	ch, ok := g.pending[requestID]
	g.mu.Unlock()
	if !ok {
		return false
	}

	defer func() {
		g.mu.Lock()
		delete(g.pending, requestID)
		g.mu.Unlock()
	}()

	timer := time.NewTimer(g.timeout)
	defer timer.Stop()

	select {
	case approved := <-ch:
		if approved {
			metrics.ApprovalsTotal.WithLabelValues("approved").Inc()
		} else {
			metrics.ApprovalsTotal.WithLabelValues("denied").Inc()
		}
		return approved
	case <-timer.C:
		metrics.ApprovalsTotal.WithLabelValues("timeout").Inc()
		g.log.Info("approval request timed out", zap.String("approval_request_id", requestID))
		return false
	case <-ctx.Done():
		metrics.ApprovalsTotal.WithLabelValues("canceled").Inc()
		return false
	}
}

// Resolve delivers a user decision to the waiting dispatcher.
func (g *ApprovalGate) Resolve(requestID string, approved bool) error {
	g.mu.Lock()
	ch, ok := g.pending[requestID]
	g.mu.Unlock()
	if !ok {
		return ErrApprovalUnknown
	}

	select {
	case ch <- approved:
	default:
		// Already resolved; later decisions are ignored.
	}
	return nil
}

// PendingCount returns the number of unresolved approval requests.
func (g *ApprovalGate) PendingCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}
