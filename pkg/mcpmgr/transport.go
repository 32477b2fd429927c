package mcpmgr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapio"
)

// Client is the protocol client handle for one connected server.
type Client interface {
	// ListTools returns every tool the server advertises, following
	// pagination cursors.
	ListTools(ctx context.Context) ([]*mcp.Tool, error)
	CallTool(ctx context.Context, params *mcp.CallToolParams) (*mcp.CallToolResult, error)
	Close() error
	// OnDisconnect registers fn to run once if the channel drops without
	// Close having been called. Registering after the drop runs fn
	// immediately.
	OnDisconnect(fn func(error)) (unsubscribe func())
}

// ToolsChangeNotifier is implemented by clients that surface
// notifications/tools/list_changed.
type ToolsChangeNotifier interface {
	OnToolsChanged(fn func()) (unsubscribe func())
}

// Transport is a constructed but not yet connected channel to a server.
type Transport interface {
	Kind() TransportKind
	// Connect opens the channel and completes the protocol handshake.
	Connect(ctx context.Context) (Client, error)
}

// TransportFactory builds a Transport for a validated config. It must not
// perform I/O.
type TransportFactory interface {
	CreateTransport(server string, cfg ServerConfig) (Transport, error)
}

// TransportFactoryFunc adapts a function to TransportFactory.
type TransportFactoryFunc func(server string, cfg ServerConfig) (Transport, error)

func (f TransportFactoryFunc) CreateTransport(server string, cfg ServerConfig) (Transport, error) {
	return f(server, cfg)
}

// DefaultTransportFactory builds go-sdk backed transports.
type DefaultTransportFactory struct {
	// ClientName is advertised during initialization; the server name is
	// used when empty.
	ClientName    string
	ClientVersion string
	ClientOptions mcp.ClientOptions
	LogJSONRPC    bool
	RPCLogger     RPCLogger
	Logger        *zap.Logger
}

// CreateTransport implements TransportFactory.
func (f *DefaultTransportFactory) CreateTransport(server string, cfg ServerConfig) (Transport, error) {
	if cfg == nil {
		return nil, fmt.Errorf("mcpmgr: missing configuration for %q", server)
	}
	base := cfg.base()
	logger := f.logger().With(zap.String("server", server))
	t := &sdkTransport{
		server:    server,
		impl:      &mcp.Implementation{Name: f.clientName(server), Version: f.clientVersion(base)},
		opts:      f.composeClientOptions(base),
		rpcLogger: f.resolveRPCLogger(base, logger),
		logger:    logger,
	}
	switch c := cfg.(type) {
	case *StdioServerConfig:
		if c.Command == "" {
			return nil, fmt.Errorf("mcpmgr: command missing for %q", server)
		}
		t.kind = TransportStdio
		t.candidates = []candidate{{label: "stdio", build: func() mcp.Transport {
			return &mcp.CommandTransport{Command: buildCommand(c, logger)}
		}}}
	case *SSEServerConfig:
		t.kind = TransportSSE
		client := decorateHTTPClient(c.HTTPClient, c.Headers, c.AuthProvider)
		t.candidates = []candidate{sseCandidate(c.URL, client)}
	case *HTTPServerConfig:
		t.kind = TransportHTTP
		client := decorateHTTPClient(c.HTTPClient, c.Headers, c.AuthProvider)
		t.candidates = httpCandidates(c, client)
	default:
		return nil, fmt.Errorf("mcpmgr: unsupported config for %q", server)
	}
	return t, nil
}

func (f *DefaultTransportFactory) logger() *zap.Logger {
	if f.Logger == nil {
		return zap.NewNop()
	}
	return f.Logger
}

func (f *DefaultTransportFactory) clientName(server string) string {
	if f.ClientName != "" {
		return f.ClientName
	}
	return server
}

func (f *DefaultTransportFactory) clientVersion(base *BaseServerConfig) string {
	if base.Version != "" {
		return base.Version
	}
	if f.ClientVersion != "" {
		return f.ClientVersion
	}
	return "1.0.0"
}

func (f *DefaultTransportFactory) composeClientOptions(base *BaseServerConfig) mcp.ClientOptions {
	opts := f.ClientOptions
	mergeClientOptions(&opts, &base.ClientOptions)
	return opts
}

func (f *DefaultTransportFactory) resolveRPCLogger(base *BaseServerConfig, logger *zap.Logger) RPCLogger {
	if base.RPCLogger != nil {
		return base.RPCLogger
	}
	if f.RPCLogger != nil {
		return f.RPCLogger
	}
	if base.LogJSONRPC || f.LogJSONRPC {
		return func(event RPCLogEvent) {
			logger.Debug("jsonrpc",
				zap.String("direction", string(event.Direction)),
				zap.ByteString("message", event.Message))
		}
	}
	return nil
}

func mergeClientOptions(dst, src *mcp.ClientOptions) {
	if src == nil {
		return
	}
	if src.CreateMessageHandler != nil {
		dst.CreateMessageHandler = src.CreateMessageHandler
	}
	if src.ElicitationHandler != nil {
		dst.ElicitationHandler = src.ElicitationHandler
	}
	if src.ToolListChangedHandler != nil {
		dst.ToolListChangedHandler = src.ToolListChangedHandler
	}
	if src.PromptListChangedHandler != nil {
		dst.PromptListChangedHandler = src.PromptListChangedHandler
	}
	if src.ResourceListChangedHandler != nil {
		dst.ResourceListChangedHandler = src.ResourceListChangedHandler
	}
	if src.ResourceUpdatedHandler != nil {
		dst.ResourceUpdatedHandler = src.ResourceUpdatedHandler
	}
	if src.LoggingMessageHandler != nil {
		dst.LoggingMessageHandler = src.LoggingMessageHandler
	}
	if src.ProgressNotificationHandler != nil {
		dst.ProgressNotificationHandler = src.ProgressNotificationHandler
	}
	if src.KeepAlive != 0 {
		dst.KeepAlive = src.KeepAlive
	}
}

func buildCommand(cfg *StdioServerConfig, logger *zap.Logger) *exec.Cmd {
	cmd := exec.Command(cfg.Command, cfg.Args...)
	if len(cfg.Env) > 0 {
		env := os.Environ()
		for k, v := range cfg.Env {
			env = append(env, fmt.Sprintf("%s=%s", k, v))
		}
		cmd.Env = env
	}
	cmd.Dir = cfg.Dir
	switch cfg.Stderr {
	case StderrPipe:
		cmd.Stderr = &zapio.Writer{Log: logger.With(zap.String("stream", "stderr")), Level: zap.InfoLevel}
	case StderrIgnore:
		cmd.Stderr = nil
	default:
		cmd.Stderr = os.Stderr
	}
	return cmd
}

// candidate is one way of reaching a server. HTTP servers may have several.
type candidate struct {
	label    string
	endpoint string
	build    func() mcp.Transport
}

func sseCandidate(endpoint string, client *http.Client) candidate {
	return candidate{label: "sse", endpoint: endpoint, build: func() mcp.Transport {
		return &mcp.SSEClientTransport{Endpoint: endpoint, HTTPClient: client}
	}}
}

func httpCandidates(cfg *HTTPServerConfig, client *http.Client) []candidate {
	out := []candidate{{label: "streamable", endpoint: cfg.URL, build: func() mcp.Transport {
		return &mcp.StreamableClientTransport{Endpoint: cfg.URL, HTTPClient: client, MaxRetries: cfg.MaxRetries}
	}}}
	if cfg.DisableSSEFallback {
		return out
	}
	out = append(out, sseCandidate(cfg.URL, client))
	if alt, ok := sseFallbackURL(cfg.URL); ok {
		out = append(out, sseCandidate(alt, client))
	}
	return out
}

// sseFallbackURL rewrites a trailing /mcp path segment to /sse, the
// convention servers use when they expose both transports.
func sseFallbackURL(raw string) (string, bool) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", false
	}
	path := strings.TrimSuffix(u.Path, "/")
	if !strings.HasSuffix(path, "/mcp") {
		return "", false
	}
	u.Path = strings.TrimSuffix(path, "/mcp") + "/sse"
	return u.String(), true
}

type sdkTransport struct {
	server     string
	kind       TransportKind
	impl       *mcp.Implementation
	opts       mcp.ClientOptions
	candidates []candidate
	rpcLogger  RPCLogger
	logger     *zap.Logger
}

func (t *sdkTransport) Kind() TransportKind { return t.kind }

// Connect tries each candidate in order and returns the first session that
// completes the handshake.
func (t *sdkTransport) Connect(ctx context.Context) (Client, error) {
	var errs []error
	for i, cand := range t.candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		c, err := t.attempt(ctx, cand)
		if err == nil {
			return c, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}
		if i+1 < len(t.candidates) {
			t.logger.Debug("transport candidate failed, trying next",
				zap.String("candidate", cand.label),
				zap.String("endpoint", cand.endpoint),
				zap.Error(err))
		}
		errs = append(errs, fmt.Errorf("%s error: %w", cand.label, err))
	}
	if len(errs) == 1 {
		return nil, errors.Unwrap(errs[0])
	}
	return nil, errors.Join(errs...)
}

func (t *sdkTransport) attempt(ctx context.Context, cand candidate) (*sdkClient, error) {
	// The session outlives ctx, so it runs on a detached context that is
	// cancelled only if ctx ends before the handshake completes.
	sessCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(ctx, cancel)

	c := newSDKClient(t.server, cancel)
	opts := t.opts
	userHandler := opts.ToolListChangedHandler
	opts.ToolListChangedHandler = func(ctx context.Context, req *mcp.ToolListChangedRequest) {
		if userHandler != nil {
			userHandler(ctx, req)
		}
		c.fireToolsChanged()
	}
	client := mcp.NewClient(t.impl, &opts)

	transport := cand.build()
	if t.rpcLogger != nil {
		transport = &loggingTransport{server: t.server, delegate: transport, logger: t.rpcLogger}
	}
	session, err := client.Connect(sessCtx, transport, nil)
	if !stop() {
		if session != nil {
			_ = session.Close()
		}
		cancel()
		if err == nil {
			err = ctx.Err()
		}
		return nil, err
	}
	if err != nil {
		cancel()
		return nil, err
	}
	c.start(session)
	return c, nil
}
