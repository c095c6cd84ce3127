package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/capitalize-ai/relay-gateway/pkg/logger"
)

func testLogger() *logger.Logger {
	return &logger.Logger{Logger: zap.NewNop()}
}

func TestApprovalGateApprove(t *testing.T) {
	g := NewApprovalGate(time.Minute, testLogger())

	id := g.Begin()
	require.NoError(t, g.Resolve(id, true))
	require.True(t, g.Wait(context.Background(), id))
	require.Zero(t, g.PendingCount())
}

func TestApprovalGateDeny(t *testing.T) {
	g := NewApprovalGate(time.Minute, testLogger())

	id := g.Begin()
	require.NoError(t, g.Resolve(id, false))
	require.False(t, g.Wait(context.Background(), id))
}

func TestApprovalGateTimeoutDenies(t *testing.T) {
	g := NewApprovalGate(20*time.Millisecond, testLogger())

	id := g.Begin()
	require.False(t, g.Wait(context.Background(), id))
	require.Zero(t, g.PendingCount())
}

func TestApprovalGateContextCancelDenies(t *testing.T) {
	g := NewApprovalGate(time.Minute, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	id := g.Begin()

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	require.False(t, g.Wait(ctx, id))
}

func TestApprovalGateResolveUnknown(t *testing.T) {
	g := NewApprovalGate(time.Minute, testLogger())

	err := g.Resolve("no-such-request", true)
	require.ErrorIs(t, err, ErrApprovalUnknown)
}

func TestApprovalGateFirstDecisionWins(t *testing.T) {
	g := NewApprovalGate(time.Minute, testLogger())

	id := g.Begin()
	require.NoError(t, g.Resolve(id, true))
	// A second decision for a still-pending request is dropped.
	require.NoError(t, g.Resolve(id, false))
	require.True(t, g.Wait(context.Background(), id))
}

func TestApprovalGateResolveAfterWaitIs404(t *testing.T) {
	g := NewApprovalGate(10*time.Millisecond, testLogger())

	id := g.Begin()
	require.False(t, g.Wait(context.Background(), id))

	// The request was cleaned up on timeout.
	require.ErrorIs(t, g.Resolve(id, true), ErrApprovalUnknown)
}
