// Package mcp manages connections to external tool providers speaking the
// Model Context Protocol.
package mcp

import (
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	mcptypes "github.com/mark3labs/mcp-go/mcp"
)

// SessionState is the lifecycle state of one provider session.
type SessionState int

const (
	SessionIdle SessionState = iota
	SessionInitializing
	SessionActive
	SessionError
	SessionClosed
)

func (s SessionState) String() string {
	switch s {
	case SessionIdle:
		return "idle"
	case SessionInitializing:
		return "initializing"
	case SessionActive:
		return "active"
	case SessionError:
		return "error"
	case SessionClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session holds one live provider connection. Initialization is
// linearized per session: the first caller connects while later callers
// wait on ready.
type Session struct {
	mu         sync.Mutex
	providerID string
	state      SessionState
	client     *client.Client
	tools      []mcptypes.Tool
	lastUsed   time.Time
	lastErr    error
	failedAt   time.Time
	ready      chan struct{}
}

// touch records use so the idle reaper leaves the session alone.
func (s *Session) touch() {
	s.mu.Lock()
	s.lastUsed = time.Now()
	s.mu.Unlock()
}

// State returns the session's current state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Tools returns the tool list captured at initialization.
func (s *Session) Tools() []mcptypes.Tool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tools
}
