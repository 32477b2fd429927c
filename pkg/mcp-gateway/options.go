package mcpgateway

import (
	"net/http"
	"time"

	"github.com/modelcontextprotocol/go-sdk/auth"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/cors"
	"go.uber.org/zap"
)

// Options configure a Gateway instance.
type Options struct {
	// Implementation identifies the gateway's MCP server implementation metadata.
	Implementation *mcp.Implementation
	// Addr controls the listen address used by ListenAndServe. Defaults to ":8700".
	Addr string
	// Path mounts the Streamable handler under a specific HTTP path.
	// Defaults to "/mcp".
	Path string
	// AutoConnect runs InitializeConnections on the manager during
	// construction. Failures are logged; the gateway starts with whatever
	// connected.
	AutoConnect bool
	// Streamable tweaks the Streamable HTTP handler behavior passed to
	// mcp.NewStreamableHTTPHandler.
	Streamable mcp.StreamableHTTPOptions
	// Logger receives structured diagnostics.
	Logger *zap.Logger
	// SyncTimeout bounds AutoConnect and graceful shutdown.
	SyncTimeout time.Duration

	// TokenVerifier enables bearer token authentication on the MCP endpoint.
	TokenVerifier auth.TokenVerifier
	// TokenOptions are passed to auth.RequireBearerToken. Setting them
	// without a TokenVerifier is an error.
	TokenOptions *auth.RequireBearerTokenOptions
	// AuthorizationServer, when set, is advertised in the OAuth protected
	// resource metadata served under /.well-known/oauth-protected-resource.
	AuthorizationServer string
	// CORS wraps the whole handler when set. The metadata endpoint is always
	// readable cross-origin.
	CORS *cors.Options

	// MetricsHandler is mounted on /metrics when set.
	MetricsHandler http.Handler
	// Registerer receives the gateway's tool call metrics.
	Registerer prometheus.Registerer
}

func (o *Options) withDefaults() Options {
	if o == nil {
		o = &Options{}
	}
	opts := *o
	if opts.Implementation == nil {
		opts.Implementation = &mcp.Implementation{
			Name:    "mcpgateway",
			Title:   "MCP Gateway",
			Version: "1.0.0",
		}
	} else {
		impl := *opts.Implementation
		opts.Implementation = &impl
	}
	if opts.Addr == "" {
		opts.Addr = ":8700"
	}
	if opts.Path == "" {
		opts.Path = "/mcp"
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.SyncTimeout <= 0 {
		opts.SyncTimeout = 30 * time.Second
	}
	return opts
}
