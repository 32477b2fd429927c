package mcpmgr

import (
	"context"
	"net/http"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"
)

// RPCDirection represents the direction of an observed JSON-RPC message.
type RPCDirection string

const (
	RPCDirectionSend    RPCDirection = "send"
	RPCDirectionReceive RPCDirection = "receive"
)

// RPCLogEvent encapsulates JSON-RPC traffic for custom logging.
type RPCLogEvent struct {
	Direction RPCDirection
	Message   []byte
	Server    string
}

// RPCLogger is invoked for each JSON-RPC message when logging is enabled.
type RPCLogger func(RPCLogEvent)

// HTTPAuthProvider dynamically supplies an Authorization header (for example,
// "Bearer <token>") for outbound HTTP requests.
type HTTPAuthProvider func(context.Context) (string, error)

// StderrMode controls what happens to a stdio server's stderr stream.
type StderrMode string

const (
	StderrInherit StderrMode = "inherit"
	StderrPipe    StderrMode = "pipe"
	StderrIgnore  StderrMode = "ignore"
)

// RetryPolicy configures reconnection after an unexpected disconnect.
//
// MaxAttempts and Delay are taken literally: a MaxAttempts of 0 gives up on
// the first disconnect and a Delay of 0 reconnects immediately. Use
// DefaultRetryPolicy for the usual 3 attempts one second apart. A Multiplier
// of 0 or 1 keeps the delay fixed; larger values grow it geometrically up to
// MaxDelay.
type RetryPolicy struct {
	Enabled     bool
	MaxAttempts int
	Delay       time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
}

const (
	DefaultMaxAttempts = 3
	DefaultRetryDelay  = time.Second
)

// DefaultRetryPolicy returns an enabled policy with the default attempts and
// delay.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{Enabled: true, MaxAttempts: DefaultMaxAttempts, Delay: DefaultRetryDelay}
}

func (p *RetryPolicy) enabled() bool { return p != nil && p.Enabled }

func (p *RetryPolicy) maxAttempts() int {
	if p == nil {
		return DefaultMaxAttempts
	}
	return p.MaxAttempts
}

func (p *RetryPolicy) delay() time.Duration {
	if p == nil {
		return DefaultRetryDelay
	}
	return p.Delay
}

// BaseServerConfig captures settings shared by all transport types.
type BaseServerConfig struct {
	ClientOptions mcp.ClientOptions
	// Timeout bounds connect plus tool discovery. Zero uses
	// ManagerOptions.DefaultTimeout.
	Timeout    time.Duration
	Version    string
	LogJSONRPC bool
	RPCLogger  RPCLogger
}

// StdioServerConfig describes an MCP server launched as a subprocess.
type StdioServerConfig struct {
	BaseServerConfig
	Command string
	Args    []string
	Env     map[string]string
	Dir     string
	Stderr  StderrMode
	Restart *RetryPolicy
}

func (c *StdioServerConfig) base() *BaseServerConfig { return &c.BaseServerConfig }
func (c *StdioServerConfig) retry() *RetryPolicy     { return c.Restart }

// SSEServerConfig describes an MCP server reachable over the legacy SSE
// transport.
type SSEServerConfig struct {
	BaseServerConfig
	URL          string
	Headers      http.Header
	HTTPClient   *http.Client
	AuthProvider HTTPAuthProvider
	Reconnect    *RetryPolicy
}

func (c *SSEServerConfig) base() *BaseServerConfig { return &c.BaseServerConfig }
func (c *SSEServerConfig) retry() *RetryPolicy     { return c.Reconnect }

// HTTPServerConfig describes an MCP server reachable over Streamable HTTP.
// Unless DisableSSEFallback is set, a failed Streamable handshake is retried
// over SSE.
type HTTPServerConfig struct {
	BaseServerConfig
	URL          string
	Headers      http.Header
	HTTPClient   *http.Client
	AuthProvider HTTPAuthProvider
	// MaxRetries is handed to the Streamable transport for stream resumption.
	MaxRetries         int
	DisableSSEFallback bool
	Reconnect          *RetryPolicy
}

func (c *HTTPServerConfig) base() *BaseServerConfig { return &c.BaseServerConfig }
func (c *HTTPServerConfig) retry() *RetryPolicy     { return c.Reconnect }

// ServerConfig is implemented by all transport-specific configurations.
type ServerConfig interface {
	base() *BaseServerConfig
	retry() *RetryPolicy
}

// ManagerOptions configures a Manager instance.
type ManagerOptions struct {
	// ToolNamePrefix is prepended to every qualified tool name when set.
	ToolNamePrefix string
	// QualifyWithServerName prefixes tool names with their server name.
	QualifyWithServerName bool
	// OnConnectionError decides what a failed server does to
	// InitializeConnections. The zero value is Throw.
	OnConnectionError ErrorPolicy
	// ClientName overrides the client name advertised during initialization.
	// When empty, the server name is used.
	ClientName string
	// ClientVersion controls the semantic version reported to servers.
	ClientVersion string
	// DefaultTimeout is applied whenever a server configuration omits an
	// explicit timeout.
	DefaultTimeout time.Duration
	// ServerOrder fixes the order in which servers are listed, summarized
	// and aggregated. Configured names missing from it follow in sorted
	// order, so a nil ServerOrder sorts every server by name.
	ServerOrder []string
	// MaxConcurrentConnects caps parallel connection attempts. Zero means
	// unlimited.
	MaxConcurrentConnects int
	// DefaultClientOptions are merged into each server's ClientOptions.
	DefaultClientOptions mcp.ClientOptions
	// LogJSONRPC logs JSON-RPC traffic for every server at debug level.
	LogJSONRPC bool
	// RPCLogger receives JSON-RPC traffic; it takes precedence over LogJSONRPC.
	RPCLogger RPCLogger

	Logger           *zap.Logger
	Metrics          *Metrics
	TransportFactory TransportFactory
}

func (o *ManagerOptions) normalized() ManagerOptions {
	if o == nil {
		return ManagerOptions{}
	}
	return *o
}
