package mcp

import (
	"context"
	"encoding/json"
	"strings"

	mcptypes "github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/capitalize-ai/relay-gateway/internal/model"
	"github.com/capitalize-ai/relay-gateway/pkg/logger"
)

// Catalog exposes the tools advertised by registered providers as
// function descriptors the upstream LLM understands. Tool names are
// namespaced "<providerID>.<tool>" so a call can be routed back to the
// provider that owns it.
type Catalog struct {
	registry  *Registry
	providers ProviderSource
	log       *logger.Logger
}

// NewCatalog creates a tool catalog over the registry.
func NewCatalog(registry *Registry, providers ProviderSource, log *logger.Logger) *Catalog {
	return &Catalog{registry: registry, providers: providers, log: log}
}

// Descriptors returns the full namespaced tool list across all
// registered providers. Providers that cannot be reached contribute
// their cached tool list when one exists, otherwise they are skipped.
func (c *Catalog) Descriptors(ctx context.Context) ([]model.ToolDescriptor, error) {
	providers, err := c.providers.ListProviders(ctx)
	if err != nil {
		return nil, err
	}

	var descriptors []model.ToolDescriptor
	for _, provider := range providers {
		tools, err := c.providerTools(ctx, provider)
		if err != nil {
			c.log.Warn("skipping provider tools",
				zap.String("provider_id", provider.ID), zap.Error(err))
			continue
		}
		for _, tool := range tools {
			descriptors = append(descriptors, model.ToolDescriptor{
				Name:        Namespaced(provider.ID, tool.Name),
				Description: tool.Description,
				InputSchema: schemaToMap(tool.InputSchema),
				ProviderID:  provider.ID,
			})
		}
	}

	return descriptors, nil
}

func (c *Catalog) providerTools(ctx context.Context, provider model.ToolProvider) ([]mcptypes.Tool, error) {
	sess, err := c.registry.Acquire(ctx, provider.ID)
	if err == nil {
		tools := sess.Tools()
		c.cacheTools(ctx, provider.ID, tools)
		return tools, nil
	}

	if provider.ToolsCache != nil && *provider.ToolsCache != "" {
		var tools []mcptypes.Tool
		if jsonErr := json.Unmarshal([]byte(*provider.ToolsCache), &tools); jsonErr == nil {
			return tools, nil
		}
	}

	return nil, err
}

func (c *Catalog) cacheTools(ctx context.Context, providerID string, tools []mcptypes.Tool) {
	data, err := json.Marshal(tools)
	if err != nil {
		return
	}
	if err := c.providers.UpdateProviderToolsCache(ctx, providerID, string(data)); err != nil {
		c.log.Warn("failed to cache provider tools",
			zap.String("provider_id", providerID), zap.Error(err))
	}
}

// Namespaced joins a provider id and tool name into the advertised name.
func Namespaced(providerID, toolName string) string {
	return providerID + "." + toolName
}

// SplitName splits a namespaced tool name into provider hint and bare
// tool name. Names without a separator carry no hint.
func SplitName(name string) (providerID, toolName string) {
	if i := strings.Index(name, "."); i > 0 {
		return name[:i], name[i+1:]
	}
	return "", name
}

func schemaToMap(schema mcptypes.ToolInputSchema) map[string]any {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil
	}
	return m
}
