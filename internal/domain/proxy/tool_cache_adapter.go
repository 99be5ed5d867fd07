// Package proxy contains the core domain logic for the MCP proxy.
package proxy

import (
	"github.com/policygate/gateway/internal/domain/upstream"
)

// ToolCacheAdapter wraps an upstream.ToolCache to satisfy the ToolCacheReader
// interface. It converts *upstream.DiscoveredTool to *RoutableTool.
type ToolCacheAdapter struct {
	cache *upstream.ToolCache
}

// NewToolCacheAdapter creates a new ToolCacheAdapter wrapping the given ToolCache.
func NewToolCacheAdapter(cache *upstream.ToolCache) *ToolCacheAdapter {
	return &ToolCacheAdapter{cache: cache}
}

// GetTool looks up a tool by its qualified name ("<upstream>__<tool>") and
// converts it to a RoutableTool.
func (a *ToolCacheAdapter) GetTool(name string) (*RoutableTool, bool) {
	dt, ok := a.cache.GetTool(name)
	if !ok {
		return nil, false
	}
	return toRoutableTool(dt), true
}

// GetAllTools returns all discovered tools as RoutableTools.
func (a *ToolCacheAdapter) GetAllTools() []*RoutableTool {
	allTools := a.cache.GetAllTools()
	result := make([]*RoutableTool, len(allTools))
	for i, dt := range allTools {
		result[i] = toRoutableTool(dt)
	}
	return result
}

// GetResource looks up a resource by URI.
func (a *ToolCacheAdapter) GetResource(uri string) (*RoutableResource, bool) {
	dr, ok := a.cache.GetResource(uri)
	if !ok {
		return nil, false
	}
	return toRoutableResource(dr), true
}

// GetAllResources returns all discovered resources as RoutableResources.
func (a *ToolCacheAdapter) GetAllResources() []*RoutableResource {
	all := a.cache.GetAllResources()
	result := make([]*RoutableResource, len(all))
	for i, dr := range all {
		result[i] = toRoutableResource(dr)
	}
	return result
}

func toRoutableResource(dr *upstream.DiscoveredResource) *RoutableResource {
	return &RoutableResource{
		URI:         dr.URI,
		Name:        dr.Name,
		Description: dr.Description,
		MimeType:    dr.MimeType,
		UpstreamID:  dr.UpstreamID,
	}
}

// toRoutableTool converts a DiscoveredTool to a RoutableTool. Name carries
// the qualified, client-facing name; BareName carries the name the upstream
// itself expects in a forwarded tools/call request.
func toRoutableTool(dt *upstream.DiscoveredTool) *RoutableTool {
	return &RoutableTool{
		Name:        dt.QualifiedName,
		BareName:    dt.Name,
		UpstreamID:  dt.UpstreamID,
		Description: dt.Description,
		InputSchema: dt.InputSchema,
	}
}

// Compile-time check that ToolCacheAdapter implements ToolCacheReader.
var _ ToolCacheReader = (*ToolCacheAdapter)(nil)
