// Package mcpgateway re-exposes the aggregated tool list of an mcpmgr.Manager
// as a single Streamable HTTP MCP server. Tools keep the manager's qualified
// names, carry their origin server in _meta, and are forwarded to the owning
// upstream client when called. The exposed set follows the manager as servers
// connect, drop and reconnect.
//
// The endpoint can be protected with bearer tokens through the SDK's auth
// middleware, in which case OAuth protected resource metadata is served under
// /.well-known/oauth-protected-resource.
package mcpgateway
