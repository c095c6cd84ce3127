package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/capitalize-ai/relay-gateway/internal/mcp"
	"github.com/capitalize-ai/relay-gateway/internal/model"
	"github.com/capitalize-ai/relay-gateway/internal/store"
	"github.com/capitalize-ai/relay-gateway/pkg/logger"
)

// ProviderHandler handles tool provider management endpoints.
type ProviderHandler struct {
	store    *store.Store
	registry *mcp.Registry
	catalog  *mcp.Catalog
	logger   *logger.Logger
}

// NewProviderHandler creates a new provider handler.
func NewProviderHandler(st *store.Store, registry *mcp.Registry, catalog *mcp.Catalog, log *logger.Logger) *ProviderHandler {
	return &ProviderHandler{store: st, registry: registry, catalog: catalog, logger: log}
}

// List handles GET /api/v1/providers
func (h *ProviderHandler) List(w http.ResponseWriter, r *http.Request) {
	providers, err := h.store.ListProviders(r.Context())
	if err != nil {
		h.logger.Error("failed to list providers", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list providers")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"providers": providers})
}

// Upsert handles POST /api/v1/providers
func (h *ProviderHandler) Upsert(w http.ResponseWriter, r *http.Request) {
	var req model.UpsertProviderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" || req.BaseURL == "" {
		writeError(w, http.StatusBadRequest, "name and base_url are required")
		return
	}

	provider := &model.ToolProvider{
		ID:            req.ID,
		Name:          req.Name,
		BaseURL:       req.BaseURL,
		Transport:     model.Transport(req.Transport),
		APIKey:        req.APIKey,
		DefaultPolicy: model.ApprovalPolicy(req.DefaultPolicy),
	}
	if req.DefaultPolicy != "" {
		provider.DefaultPolicy = model.ParseApprovalPolicy(req.DefaultPolicy)
	}

	if err := h.store.UpsertProvider(r.Context(), provider); err != nil {
		h.logger.Error("failed to upsert provider", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to save provider")
		return
	}

	// A changed record invalidates any live session.
	h.registry.Close(provider.ID)

	writeJSON(w, http.StatusOK, provider)
}

// Delete handles DELETE /api/v1/providers/{id}
func (h *ProviderHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := h.store.DeleteProvider(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "provider not found")
			return
		}
		h.logger.Error("failed to delete provider", zap.String("provider_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to delete provider")
		return
	}

	h.registry.Close(id)
	w.WriteHeader(http.StatusNoContent)
}

// Tools handles GET /api/v1/providers/{id}/tools
func (h *ProviderHandler) Tools(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if _, err := h.store.GetProvider(r.Context(), id); err != nil {
		writeError(w, http.StatusNotFound, "provider not found")
		return
	}

	sess, err := h.registry.Acquire(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusBadGateway, "provider unreachable")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"tools": sess.Tools()})
}

// ListPolicies handles GET /api/v1/providers/{id}/policies
func (h *ProviderHandler) ListPolicies(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	provider, err := h.store.GetProvider(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, "provider not found")
		return
	}

	policies, err := h.store.ListToolPolicies(r.Context(), id)
	if err != nil {
		h.logger.Error("failed to list policies", zap.String("provider_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list policies")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"default_policy": provider.DefaultPolicy,
		"policies":       policies,
	})
}

// SetPolicy handles PUT /api/v1/providers/{id}/policies/{tool}
func (h *ProviderHandler) SetPolicy(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	tool := chi.URLParam(r, "tool")

	if _, err := h.store.GetProvider(r.Context(), id); err != nil {
		writeError(w, http.StatusNotFound, "provider not found")
		return
	}

	var req model.SetPolicyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	policy := model.ParseApprovalPolicy(req.Policy)
	if err := h.store.SetToolPolicy(r.Context(), id, tool, policy); err != nil {
		h.logger.Error("failed to set policy",
			zap.String("provider_id", id), zap.String("tool", tool), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to set policy")
		return
	}

	writeJSON(w, http.StatusOK, model.ToolPolicy{ProviderID: id, ToolName: tool, Policy: policy})
}

// DeletePolicy handles DELETE /api/v1/providers/{id}/policies/{tool}
func (h *ProviderHandler) DeletePolicy(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	tool := chi.URLParam(r, "tool")

	if err := h.store.DeleteToolPolicy(r.Context(), id, tool); err != nil {
		h.logger.Error("failed to delete policy",
			zap.String("provider_id", id), zap.String("tool", tool), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to delete policy")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
