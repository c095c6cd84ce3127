package mcp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	mcptypes "github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/capitalize-ai/relay-gateway/internal/model"
	"github.com/capitalize-ai/relay-gateway/pkg/logger"
	"github.com/capitalize-ai/relay-gateway/pkg/metrics"
)

// ErrProviderUnknown is returned when no provider record exists for the id.
var ErrProviderUnknown = errors.New("unknown provider")

// ProviderSource resolves provider records, typically backed by the store.
type ProviderSource interface {
	GetProvider(ctx context.Context, id string) (*model.ToolProvider, error)
	ListProviders(ctx context.Context) ([]model.ToolProvider, error)
	UpdateProviderStatus(ctx context.Context, id string, status model.ProviderStatus) error
	UpdateProviderToolsCache(ctx context.Context, id, toolsJSON string) error
}

// RegistryConfig carries the registry's timeouts.
type RegistryConfig struct {
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
	IdleWindow     time.Duration
	ReapInterval   time.Duration
	RetryBackoff   time.Duration
}

// Registry caches live provider sessions. Sessions are created lazily on
// first acquire, reused until idle past the idle window, then reaped.
type Registry struct {
	mu        sync.Mutex
	sessions  map[string]*Session
	providers ProviderSource
	cfg       RegistryConfig
	log       *logger.Logger
	stop      chan struct{}
	stopOnce  sync.Once
}

// NewRegistry creates a session registry and starts its idle reaper.
func NewRegistry(providers ProviderSource, cfg RegistryConfig, log *logger.Logger) *Registry {
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 60 * time.Second
	}
	if cfg.IdleWindow == 0 {
		cfg.IdleWindow = 30 * time.Minute
	}
	if cfg.ReapInterval == 0 {
		cfg.ReapInterval = 10 * time.Minute
	}
	if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = 30 * time.Second
	}

	r := &Registry{
		sessions:  make(map[string]*Session),
		providers: providers,
		cfg:       cfg,
		log:       log,
		stop:      make(chan struct{}),
	}
	go r.reapLoop()
	return r
}

// Acquire returns an active session for the provider, connecting and
// initializing one if needed. A session whose initialization failed is
// retried with a fresh connection once the retry backoff has elapsed;
// before that, acquisitions fail fast with the recorded error.
func (r *Registry) Acquire(ctx context.Context, providerID string) (*Session, error) {
	for {
		r.mu.Lock()
		sess, ok := r.sessions[providerID]
		if !ok || sess.State() == SessionClosed || r.retryable(sess) {
			sess = &Session{
				providerID: providerID,
				state:      SessionInitializing,
				lastUsed:   time.Now(),
				ready:      make(chan struct{}),
			}
			r.sessions[providerID] = sess
			r.mu.Unlock()

			r.initialize(ctx, sess)
		} else {
			r.mu.Unlock()
		}

		select {
		case <-sess.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		sess.mu.Lock()
		state, lastErr := sess.state, sess.lastErr
		sess.mu.Unlock()

		switch state {
		case SessionActive:
			sess.touch()
			return sess, nil
		case SessionError:
			return nil, fmt.Errorf("provider %s session failed: %w", providerID, lastErr)
		default:
			// Reaped between ready and inspection; retry with a fresh session.
			continue
		}
	}
}

func (r *Registry) initialize(ctx context.Context, sess *Session) {
	defer close(sess.ready)

	connectCtx, cancel := context.WithTimeout(ctx, r.cfg.ConnectTimeout)
	defer cancel()

	provider, err := r.providers.GetProvider(connectCtx, sess.providerID)
	if err != nil {
		r.failSession(sess, fmt.Errorf("%w: %s", ErrProviderUnknown, sess.providerID))
		return
	}

	mcpClient, err := newProviderClient(connectCtx, provider)
	if err != nil {
		r.failSession(sess, err)
		r.markProviderError(sess.providerID)
		return
	}

	initReq := mcptypes.InitializeRequest{
		Params: mcptypes.InitializeParams{
			ProtocolVersion: "2025-06-18",
			Capabilities:    mcptypes.ClientCapabilities{},
			ClientInfo: mcptypes.Implementation{
				Name:    "relay-gateway",
				Version: "1.0.0",
			},
		},
	}
	if _, err := mcpClient.Initialize(connectCtx, initReq); err != nil {
		mcpClient.Close()
		r.failSession(sess, fmt.Errorf("initialize failed: %w", err))
		r.markProviderError(sess.providerID)
		return
	}

	toolsResult, err := mcpClient.ListTools(connectCtx, mcptypes.ListToolsRequest{})
	if err != nil {
		mcpClient.Close()
		r.failSession(sess, fmt.Errorf("list tools failed: %w", err))
		r.markProviderError(sess.providerID)
		return
	}

	sess.mu.Lock()
	sess.client = mcpClient
	sess.tools = toolsResult.Tools
	sess.state = SessionActive
	sess.lastUsed = time.Now()
	sess.mu.Unlock()

	metrics.ProviderSessionsActive.Inc()
	r.log.Info("provider session established",
		zap.String("provider_id", sess.providerID),
		zap.Int("tools", len(toolsResult.Tools)))

	if err := r.providers.UpdateProviderStatus(context.WithoutCancel(ctx), sess.providerID, model.ProviderConnected); err != nil {
		r.log.Warn("failed to record provider status", zap.String("provider_id", sess.providerID), zap.Error(err))
	}
}

// retryable reports whether an errored session is past its backoff and
// may be replaced by a fresh connection attempt.
func (r *Registry) retryable(sess *Session) bool {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.state == SessionError && time.Since(sess.failedAt) >= r.cfg.RetryBackoff
}

func (r *Registry) failSession(sess *Session, err error) {
	sess.mu.Lock()
	sess.state = SessionError
	sess.lastErr = err
	sess.failedAt = time.Now()
	sess.mu.Unlock()

	r.log.Warn("provider session init failed",
		zap.String("provider_id", sess.providerID),
		zap.Error(err))
}

func (r *Registry) markProviderError(providerID string) {
	if err := r.providers.UpdateProviderStatus(context.Background(), providerID, model.ProviderError); err != nil {
		r.log.Warn("failed to record provider error status", zap.String("provider_id", providerID), zap.Error(err))
	}
}

// CallTool invokes one tool on the provider and returns the raw result.
func (r *Registry) CallTool(ctx context.Context, providerID, toolName string, args map[string]any) (*mcptypes.CallToolResult, error) {
	sess, err := r.Acquire(ctx, providerID)
	if err != nil {
		return nil, err
	}

	callCtx := ctx
	if r.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, r.cfg.RequestTimeout)
		defer cancel()
	}

	sess.mu.Lock()
	mcpClient := sess.client
	sess.mu.Unlock()
	if mcpClient == nil {
		return nil, fmt.Errorf("provider %s session not active", providerID)
	}

	result, err := mcpClient.CallTool(callCtx, mcptypes.CallToolRequest{
		Params: mcptypes.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	})
	sess.touch()
	return result, err
}

// Connected returns the provider ids with an active session, in no
// particular order.
func (r *Registry) Connected() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.sessions))
	for id, sess := range r.sessions {
		if sess.State() == SessionActive {
			ids = append(ids, id)
		}
	}
	return ids
}

// Close shuts down one provider session.
func (r *Registry) Close(providerID string) {
	r.mu.Lock()
	sess, ok := r.sessions[providerID]
	if ok {
		delete(r.sessions, providerID)
	}
	r.mu.Unlock()

	if ok {
		r.closeSession(sess)
	}
}

// CloseAll shuts down every session and stops the reaper.
func (r *Registry) CloseAll() {
	r.stopOnce.Do(func() { close(r.stop) })

	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		sessions = append(sessions, sess)
	}
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, sess := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			r.closeSession(s)
		}(sess)
	}
	wg.Wait()
}

func (r *Registry) closeSession(sess *Session) {
	sess.mu.Lock()
	wasActive := sess.state == SessionActive
	mcpClient := sess.client
	sess.state = SessionClosed
	sess.client = nil
	sess.mu.Unlock()

	if mcpClient != nil {
		done := make(chan struct{})
		go func() {
			mcpClient.Close()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(time.Second):
			r.log.Warn("provider session close timed out", zap.String("provider_id", sess.providerID))
		}
	}

	if wasActive {
		metrics.ProviderSessionsActive.Dec()
	}
	r.log.Debug("provider session closed", zap.String("provider_id", sess.providerID))
}

func (r *Registry) reapLoop() {
	ticker := time.NewTicker(r.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.reapIdle()
		case <-r.stop:
			return
		}
	}
}

func (r *Registry) reapIdle() {
	cutoff := time.Now().Add(-r.cfg.IdleWindow)

	r.mu.Lock()
	var stale []*Session
	for id, sess := range r.sessions {
		sess.mu.Lock()
		idle := sess.state == SessionActive && sess.lastUsed.Before(cutoff)
		// Errored sessions stay until their backoff lapses so acquires
		// keep failing fast instead of hammering a broken provider.
		dead := sess.state == SessionClosed ||
			(sess.state == SessionError && time.Since(sess.failedAt) >= r.cfg.RetryBackoff)
		sess.mu.Unlock()

		if idle || dead {
			delete(r.sessions, id)
			if idle {
				stale = append(stale, sess)
			}
		}
	}
	r.mu.Unlock()

	for _, sess := range stale {
		r.log.Info("reaping idle provider session", zap.String("provider_id", sess.providerID))
		r.closeSession(sess)
	}
}

// newProviderClient builds an mcp-go client for the provider's transport.
func newProviderClient(ctx context.Context, provider *model.ToolProvider) (*client.Client, error) {
	headers := make(map[string]string)
	if provider.APIKey != "" {
		headers["Authorization"] = "Bearer " + provider.APIKey
	}

	var mcpClient *client.Client
	var err error

	switch provider.Transport {
	case model.TransportSSE:
		var opts []transport.ClientOption
		if len(headers) > 0 {
			opts = append(opts, transport.WithHeaders(headers))
		}
		mcpClient, err = client.NewSSEMCPClient(provider.BaseURL, opts...)
	case model.TransportStreamableHTTP:
		var opts []transport.StreamableHTTPCOption
		if len(headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(headers))
		}
		mcpClient, err = client.NewStreamableHttpClient(provider.BaseURL, opts...)
	default:
		return nil, fmt.Errorf("unknown transport %q for provider %s", provider.Transport, provider.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create client for provider %s: %w", provider.ID, err)
	}

	if err := mcpClient.GetTransport().Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start transport for provider %s: %w", provider.ID, err)
	}

	return mcpClient, nil
}
