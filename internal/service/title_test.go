package service

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/capitalize-ai/relay-gateway/internal/llm"
	"github.com/capitalize-ai/relay-gateway/pkg/logger"
)

func testLogger() *logger.Logger {
	return &logger.Logger{Logger: zap.NewNop()}
}

type fakeLLM struct {
	content string
	err     error
	lastReq *llm.Request
}

func (f *fakeLLM) Complete(_ context.Context, req *llm.Request) (*llm.Response, error) {
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	return &llm.Response{Text: f.content}, nil
}

func (f *fakeLLM) Name() string { return "fake" }

func TestGenerateTrimsQuotes(t *testing.T) {
	client := &fakeLLM{content: `"Weekend Trip Planning"`}
	svc := NewTitleService(client, nil, testLogger())

	title, err := svc.Generate(context.Background(), "help me plan a weekend trip")
	require.NoError(t, err)
	require.Equal(t, "Weekend Trip Planning", title)

	require.NotEmpty(t, client.lastReq.System)
	require.Equal(t, "help me plan a weekend trip", client.lastReq.Prompt)
}

func TestGenerateCapsLength(t *testing.T) {
	client := &fakeLLM{content: strings.Repeat("t", 300)}
	svc := NewTitleService(client, nil, testLogger())

	title, err := svc.Generate(context.Background(), "msg")
	require.NoError(t, err)
	require.Len(t, title, 120)
}

func TestGeneratePropagatesError(t *testing.T) {
	client := &fakeLLM{err: errors.New("rate limited")}
	svc := NewTitleService(client, nil, testLogger())

	_, err := svc.Generate(context.Background(), "msg")
	require.Error(t, err)
}
