package mcpmgr

import (
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"
)

// ToolNameDelimiter joins the prefix, server name and raw tool name.
const ToolNameDelimiter = "__"

// ToolDescriptor is one entry of the aggregated tool list.
type ToolDescriptor struct {
	RawName       string
	QualifiedName string
	Description   string
	InputSchema   any
	Server        string
	// Tool is the tool as reported by the server.
	Tool *mcp.Tool
}

// ToolNaming configures how raw tool names are qualified.
type ToolNaming struct {
	Prefix                string
	QualifyWithServerName bool
}

// Qualify returns the exposed name of raw on server.
func (n ToolNaming) Qualify(server, raw string) string {
	parts := make([]string, 0, 3)
	if n.Prefix != "" {
		parts = append(parts, n.Prefix)
	}
	if n.QualifyWithServerName {
		parts = append(parts, server)
	}
	parts = append(parts, raw)
	return strings.Join(parts, ToolNameDelimiter)
}

// aggregateTools flattens per-server tool lists. Servers are visited in
// order, with servers order does not name following in name order, and tools
// in the order the server listed them. When two entries share a qualified
// name the later one wins and the earlier one is dropped.
func aggregateTools(naming ToolNaming, order []string, perServer map[string][]*mcp.Tool, logger *zap.Logger) []ToolDescriptor {
	servers := completeOrder(order, perServer)

	out := make([]ToolDescriptor, 0)
	index := make(map[string]int)
	for _, server := range servers {
		for _, tool := range perServer[server] {
			if tool == nil {
				continue
			}
			desc := ToolDescriptor{
				RawName:       tool.Name,
				QualifiedName: naming.Qualify(server, tool.Name),
				Description:   tool.Description,
				InputSchema:   tool.InputSchema,
				Server:        server,
				Tool:          tool,
			}
			if prev, ok := index[desc.QualifiedName]; ok {
				logger.Warn("tool name collision, keeping later definition",
					zap.String("tool", desc.QualifiedName),
					zap.String("dropped_server", out[prev].Server),
					zap.String("kept_server", server))
				out = append(out[:prev], out[prev+1:]...)
				for name, i := range index {
					if i > prev {
						index[name] = i - 1
					}
				}
			}
			index[desc.QualifiedName] = len(out)
			out = append(out, desc)
		}
	}
	return out
}

func filterTools(tools []ToolDescriptor, servers []string) []ToolDescriptor {
	if len(servers) == 0 {
		return append(make([]ToolDescriptor, 0, len(tools)), tools...)
	}
	want := make(map[string]struct{}, len(servers))
	for _, s := range servers {
		want[s] = struct{}{}
	}
	out := make([]ToolDescriptor, 0, len(tools))
	for _, t := range tools {
		if _, ok := want[t.Server]; ok {
			out = append(out, t)
		}
	}
	return out
}
