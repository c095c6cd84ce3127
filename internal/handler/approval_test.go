package handler

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/capitalize-ai/relay-gateway/internal/dispatch"
	"github.com/capitalize-ai/relay-gateway/pkg/logger"
)

func testLogger() *logger.Logger {
	return &logger.Logger{Logger: zap.NewNop()}
}

func postApproval(h *ApprovalHandler, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/approval-response", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.Resolve(rec, req)
	return rec
}

func TestApprovalResolveUnknownRequest(t *testing.T) {
	gate := dispatch.NewApprovalGate(time.Minute, testLogger())
	h := NewApprovalHandler(gate, testLogger())

	rec := postApproval(h, `{"approvalRequestId":"nope","approve":true}`)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestApprovalResolvePending(t *testing.T) {
	gate := dispatch.NewApprovalGate(time.Minute, testLogger())
	h := NewApprovalHandler(gate, testLogger())

	id := gate.Begin()
	rec := postApproval(h, `{"approvalRequestId":"`+id+`","approve":true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"resolved":true`)
}

func TestApprovalResolveBadRequest(t *testing.T) {
	gate := dispatch.NewApprovalGate(time.Minute, testLogger())
	h := NewApprovalHandler(gate, testLogger())

	require.Equal(t, http.StatusBadRequest, postApproval(h, `not json`).Code)
	require.Equal(t, http.StatusBadRequest, postApproval(h, `{"approve":true}`).Code)
}
