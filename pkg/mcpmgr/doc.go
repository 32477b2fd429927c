// Package mcpmgr connects to several Model Context Protocol (MCP) servers
// from a single Go process, keeps those connections alive, and presents their
// tools as one aggregated list. It layers connection lifecycle tracking,
// bounded reconnection, and a per-server failure policy on top of the
// modelcontextprotocol/go-sdk client.
//
// # Core entry points
//
//   - ServerConfig (StdioServerConfig, SSEServerConfig, HTTPServerConfig)
//     declares how each server is launched or contacted. ValidateConfigs
//     checks a whole map up front; LoadConfigFile and ParseConfig read the
//     same data from JSON, YAML, or TOML files.
//   - Manager is the long-lived orchestration type. Construct it with
//     NewManager, call InitializeConnections to dial every server, and
//     Close to tear everything down.
//   - ManagerOptions select tool name qualification, the ErrorPolicy
//     (Throw, Ignore, or Custom), timeouts, logging, and metrics.
//
// After initialization, GetTools returns the aggregated ToolDescriptor list
// and GetClient exposes the protocol client of one server. Servers that drop
// unexpectedly are reconnected according to their RetryPolicy; use
// OnToolsChanged to observe the resulting changes to the tool list.
//
// Go maps carry no order, so servers are listed and aggregated in the order
// given by ManagerOptions.ServerOrder, with unlisted servers following by
// name. Configs read through LoadConfigFile or ParseConfig keep the order the
// document declares them in.
//
// When inspecting configurations returned from Config or ServerSummaries,
// use the narrowing helpers (AsStdio, AsSSE, AsHTTP) or TransportOf to
// branch on the concrete transport type.
package mcpmgr
