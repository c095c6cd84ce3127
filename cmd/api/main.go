// Package main is the entry point for the relay gateway server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/capitalize-ai/relay-gateway/internal/config"
	"github.com/capitalize-ai/relay-gateway/internal/dispatch"
	"github.com/capitalize-ai/relay-gateway/internal/handler"
	"github.com/capitalize-ai/relay-gateway/internal/llm"
	"github.com/capitalize-ai/relay-gateway/internal/mcp"
	"github.com/capitalize-ai/relay-gateway/internal/middleware"
	natsclient "github.com/capitalize-ai/relay-gateway/internal/nats"
	"github.com/capitalize-ai/relay-gateway/internal/relay"
	"github.com/capitalize-ai/relay-gateway/internal/service"
	"github.com/capitalize-ai/relay-gateway/internal/store"
	"github.com/capitalize-ai/relay-gateway/pkg/logger"
	"github.com/capitalize-ai/relay-gateway/pkg/tracing"
)

func main() {
	cfg := config.Load()

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("starting relay gateway")

	ctx := context.Background()
	if cfg.TracingEnabled {
		shutdown, err := tracing.InitTracer(ctx, "relay-gateway", cfg.TracingEndpoint, log)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer shutdown(ctx)
		}
	}

	// Storage
	st, err := store.New(cfg.DatabasePath)
	if err != nil {
		log.Error("failed to open store", zap.Error(err))
		os.Exit(1)
	}
	defer st.Close()

	// NATS event mirror (optional)
	var natsConn *natsclient.Client
	var mirror *natsclient.EventMirror
	if cfg.NATSEnabled {
		natsConn, err = natsclient.Connect(natsclient.Config{
			URL:      cfg.NATSURL,
			CAFile:   cfg.NATSCAFile,
			CertFile: cfg.NATSCertFile,
			KeyFile:  cfg.NATSKeyFile,
			Token:    cfg.NATSToken,
		}, log)
		if err != nil {
			log.Error("failed to connect to NATS", zap.Error(err))
			os.Exit(1)
		}
		defer natsConn.Close()

		mirror = natsclient.NewEventMirror(natsConn)
		if err := mirror.EnsureStream(ctx); err != nil {
			log.Error("failed to ensure event stream", zap.Error(err))
			os.Exit(1)
		}
	}

	// Tool provider sessions
	registry := mcp.NewRegistry(st, mcp.RegistryConfig{
		ConnectTimeout: cfg.ProviderConnectTimeout,
		RequestTimeout: cfg.ProviderRequestTimeout,
		IdleWindow:     cfg.SessionIdleWindow,
		ReapInterval:   cfg.SessionReapInterval,
		RetryBackoff:   cfg.SessionRetryBackoff,
	}, log)
	defer registry.CloseAll()
	catalog := mcp.NewCatalog(registry, st, log)

	// Tool dispatch
	gate := dispatch.NewApprovalGate(cfg.ApprovalTimeout, log)
	dispatcher := dispatch.NewDispatcher(registry, st, st, gate, cfg.ToolCallTimeout, log)

	// Streaming relay
	upstream := relay.NewUpstreamClient(cfg.UpstreamBaseURL, cfg.UpstreamAPIKey, cfg.UpstreamTimeout, log)
	relayer := relay.NewRelayer(upstream, st, catalog, dispatcher, cfg.MaxToolRounds, cfg.MaxConcurrentStreams, log)

	// Title generation (optional)
	var titleSvc *service.TitleService
	llmClient, err := buildTitleClient(cfg)
	if err != nil {
		log.Warn("title generation disabled", zap.Error(err))
	} else {
		titleSvc = service.NewTitleService(llmClient, st, log)
	}

	conversationSvc := service.NewConversationService(st, titleSvc, log)

	// Handlers
	healthHandler := handler.NewHealthHandler(st, natsConn)
	conversationHandler := handler.NewConversationHandler(conversationSvc, log)
	streamHandler := handler.NewStreamHandler(relayer, conversationSvc, mirror, log)
	approvalHandler := handler.NewApprovalHandler(gate, log)
	providerHandler := handler.NewProviderHandler(st, registry, catalog, log)
	eventHandler := handler.NewEventHandler(mirror, log)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Requested-With"},
		ExposedHeaders:   []string{"Link", "X-Correlation-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWTSecret))
		r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))

		r.Post("/stream", streamHandler.Stream)
		r.Post("/approval-response", approvalHandler.Resolve)

		r.Route("/conversations", func(r chi.Router) {
			r.Get("/", conversationHandler.List)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", conversationHandler.Get)
				r.Patch("/", conversationHandler.Update)
				r.Delete("/", conversationHandler.Delete)
				r.Get("/events", eventHandler.Replay)
			})
		})

		r.Route("/providers", func(r chi.Router) {
			r.Get("/", providerHandler.List)
			r.Post("/", providerHandler.Upsert)

			r.Route("/{id}", func(r chi.Router) {
				r.Delete("/", providerHandler.Delete)
				r.Get("/tools", providerHandler.Tools)

				r.Get("/policies", providerHandler.ListPolicies)
				r.Put("/policies/{tool}", providerHandler.SetPolicy)
				r.Delete("/policies/{tool}", providerHandler.DeletePolicy)
			})
		})
	})

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      r,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", zap.Error(err))
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	log.Info("server stopped")
}

func buildTitleClient(cfg *config.Config) (llm.Client, error) {
	switch llm.Provider(cfg.TitleLLM) {
	case llm.ProviderAnthropic:
		return llm.NewAnthropicClient(cfg.AnthropicAPIKey)
	default:
		return llm.NewOpenAIClient(cfg.OpenAIAPIKey)
	}
}
