package mcpgateway

import (
	"maps"
	"sort"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/vikashloomba/mcp-multiserver-client-go/pkg/mcpmgr"
)

const (
	metaKeyServerID   = "mcpgateway.server_id"
	metaKeyNativeName = "mcpgateway.native_name"
)

// featureIndex tracks which downstream tool name routes to which upstream
// server.
type featureIndex struct {
	mu    sync.RWMutex
	tools map[string]toolTarget
}

type toolTarget struct {
	GatewayName string
	ServerID    string
	NativeName  string
}

type toolRegistration struct {
	Tool   *mcp.Tool
	Target toolTarget
}

func newFeatureIndex() *featureIndex {
	return &featureIndex{tools: make(map[string]toolTarget)}
}

// UpdateTools replaces the index with the manager's aggregate. It returns the
// names that disappeared and a registration for every current tool, in
// aggregate order.
func (f *featureIndex) UpdateTools(aggregate []mcpmgr.ToolDescriptor) (removed []string, added []toolRegistration) {
	f.mu.Lock()
	defer f.mu.Unlock()

	next := make(map[string]toolTarget, len(aggregate))
	added = make([]toolRegistration, 0, len(aggregate))
	for _, desc := range aggregate {
		if desc.Tool == nil {
			continue
		}
		target := toolTarget{GatewayName: desc.QualifiedName, ServerID: desc.Server, NativeName: desc.RawName}
		next[desc.QualifiedName] = target
		added = append(added, toolRegistration{Tool: cloneTool(desc.Tool, target), Target: target})
	}
	for name := range f.tools {
		if _, ok := next[name]; !ok {
			removed = append(removed, name)
		}
	}
	sort.Strings(removed)
	f.tools = next
	return removed, added
}

func (f *featureIndex) ToolTarget(name string) (toolTarget, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	t, ok := f.tools[name]
	return t, ok
}

func (f *featureIndex) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.tools)
}

func cloneTool(tool *mcp.Tool, target toolTarget) *mcp.Tool {
	clone := *tool
	clone.Name = target.GatewayName
	clone.Meta = withMeta(tool.Meta, map[string]any{
		metaKeyServerID:   target.ServerID,
		metaKeyNativeName: target.NativeName,
	})
	return &clone
}

func withMeta(base map[string]any, extras map[string]any) map[string]any {
	out := maps.Clone(base)
	if out == nil {
		out = make(map[string]any)
	}
	for k, v := range extras {
		out[k] = v
	}
	return out
}
