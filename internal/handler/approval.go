package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/capitalize-ai/relay-gateway/internal/dispatch"
	"github.com/capitalize-ai/relay-gateway/internal/model"
	"github.com/capitalize-ai/relay-gateway/pkg/logger"
)

// ApprovalHandler resolves pending tool approval requests.
type ApprovalHandler struct {
	gate   *dispatch.ApprovalGate
	logger *logger.Logger
}

// NewApprovalHandler creates a new approval handler.
func NewApprovalHandler(gate *dispatch.ApprovalGate, log *logger.Logger) *ApprovalHandler {
	return &ApprovalHandler{gate: gate, logger: log}
}

// Resolve handles POST /api/v1/approval-response. A request id that is
// not pending (already resolved, timed out, or never issued) is a 404.
func (h *ApprovalHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	var req model.ApprovalResponseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ApprovalRequestID == "" {
		writeError(w, http.StatusBadRequest, "approval_request_id is required")
		return
	}

	if err := h.gate.Resolve(req.ApprovalRequestID, req.Approve); err != nil {
		if errors.Is(err, dispatch.ErrApprovalUnknown) {
			writeError(w, http.StatusNotFound, "approval request not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to resolve approval")
		return
	}

	h.logger.Info("approval resolved",
		zap.String("approval_request_id", req.ApprovalRequestID),
		zap.Bool("approved", req.Approve))

	writeJSON(w, http.StatusOK, map[string]bool{"resolved": true})
}
