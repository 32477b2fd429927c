package mcpgateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/auth"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/cors"
	"github.com/vikashloomba/mcp-multiserver-client-go/pkg/mcpmgr"
	"go.uber.org/zap"
)

// Gateway exposes a Streamable MCP server that fronts the aggregated tools of
// an mcpmgr.Manager under a single HTTP endpoint.
type Gateway struct {
	manager *mcpmgr.Manager
	opts    Options
	logger  *zap.Logger
	metrics *gatewayMetrics

	features *featureIndex

	server        *mcp.Server
	streamHandler http.Handler
	mux           *http.ServeMux
	httpHandler   http.Handler

	serverMu     sync.Mutex
	httpServerMu sync.Mutex
	httpServer   *http.Server

	unsubscribe func()
}

// NewGateway builds a Gateway, registers the manager's current tools, and
// follows every later change of the aggregate.
func NewGateway(mgr *mcpmgr.Manager, opts *Options) (*Gateway, error) {
	if mgr == nil {
		return nil, fmt.Errorf("mcpgateway: manager is required")
	}
	options := opts.withDefaults()
	if options.TokenOptions != nil && options.TokenVerifier == nil {
		return nil, fmt.Errorf("mcpgateway: TokenOptions requires a TokenVerifier")
	}
	g := &Gateway{
		manager:  mgr,
		opts:     options,
		logger:   options.Logger.Named("gateway"),
		features: newFeatureIndex(),
	}
	metrics, err := newGatewayMetrics(options.Registerer)
	if err != nil {
		return nil, err
	}
	g.metrics = metrics

	g.server = mcp.NewServer(options.Implementation, &mcp.ServerOptions{HasTools: true})
	var stream http.Handler = mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return g.server
	}, &options.Streamable)
	if options.TokenVerifier != nil {
		stream = auth.RequireBearerToken(options.TokenVerifier, options.TokenOptions)(stream)
	}
	g.streamHandler = stream
	g.mux, g.httpHandler = g.mountHandler()

	if options.AutoConnect {
		ctx, cancel := context.WithTimeout(context.Background(), options.SyncTimeout)
		if _, err := mgr.InitializeConnections(ctx); err != nil {
			g.logger.Warn("autoconnect failed", zap.Error(err))
		}
		cancel()
	}
	g.unsubscribe = mgr.OnToolsChanged(g.syncTools)
	g.Sync()
	return g, nil
}

// Handler exposes the HTTP handler that serves the Streamable endpoint and
// any routes added through ServeMux.
func (g *Gateway) Handler() http.Handler {
	return g.httpHandler
}

// ServeMux returns the mux behind Handler so callers can add routes. Routes
// may be registered before or after serving starts.
func (g *Gateway) ServeMux() *http.ServeMux {
	return g.mux
}

// Options returns the effective options after defaults were applied.
func (g *Gateway) Options() Options {
	return g.opts
}

// Sync re-registers the manager's current aggregate.
func (g *Gateway) Sync() {
	g.syncTools(g.manager.GetTools())
}

// ToolCount reports how many tools the gateway currently exposes.
func (g *Gateway) ToolCount() int {
	return g.features.Len()
}

// Close stops following the manager. It does not close the manager.
func (g *Gateway) Close() {
	if g.unsubscribe != nil {
		g.unsubscribe()
	}
}

// ListenAndServe runs an HTTP server until the provided context is cancelled or
// the server stops.
func (g *Gateway) ListenAndServe(ctx context.Context) error {
	g.httpServerMu.Lock()
	if g.httpServer != nil {
		serv := g.httpServer
		g.httpServerMu.Unlock()
		return fmt.Errorf("mcpgateway: server already running on %s", serv.Addr)
	}
	srv := &http.Server{Addr: g.opts.Addr, Handler: g.Handler(), ReadHeaderTimeout: 10 * time.Second}
	g.httpServer = srv
	g.httpServerMu.Unlock()
	defer func() {
		g.httpServerMu.Lock()
		if g.httpServer == srv {
			g.httpServer = nil
		}
		g.httpServerMu.Unlock()
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	g.logger.Info("gateway listening", zap.String("addr", g.opts.Addr), zap.String("path", g.opts.Path))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), g.opts.SyncTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Shutdown stops the embedded HTTP server if it is running.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.httpServerMu.Lock()
	srv := g.httpServer
	g.httpServer = nil
	g.httpServerMu.Unlock()
	if srv == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return srv.Shutdown(ctx)
}

func (g *Gateway) syncTools(aggregate []mcpmgr.ToolDescriptor) {
	g.serverMu.Lock()
	defer g.serverMu.Unlock()
	removed, added := g.features.UpdateTools(aggregate)
	if len(removed) > 0 {
		g.server.RemoveTools(removed...)
	}
	for _, reg := range added {
		g.addTool(reg)
	}
	g.logger.Debug("synchronized tools", zap.Int("tools", len(added)), zap.Int("removed", len(removed)))
}

// addTool registers one upstream tool. The SDK panics on tools whose input
// schema is not an object schema; those are skipped.
func (g *Gateway) addTool(reg toolRegistration) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Warn("skipping upstream tool",
				zap.String("tool", reg.Target.GatewayName),
				zap.String("server", reg.Target.ServerID),
				zap.Any("reason", r))
		}
	}()
	g.server.AddTool(reg.Tool, g.makeToolHandler(reg.Target))
}

func (g *Gateway) makeToolHandler(target toolTarget) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var args any
		if req.Params != nil && len(req.Params.Arguments) > 0 {
			args = req.Params.Arguments
		}
		start := time.Now()
		res, err := g.manager.CallTool(ctx, target.GatewayName, args)
		g.metrics.observeCall(target.ServerID, time.Since(start), err)
		if err != nil {
			g.logger.Warn("tool call failed",
				zap.String("tool", target.GatewayName),
				zap.String("server", target.ServerID),
				zap.Error(err))
		}
		return res, err
	}
}

func (g *Gateway) mountHandler() (*http.ServeMux, http.Handler) {
	path := g.opts.Path
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	mux := http.NewServeMux()
	mux.Handle(path, g.streamHandler)
	if !strings.HasSuffix(path, "/") {
		mux.Handle(path+"/", g.streamHandler)
	}
	if g.opts.AuthorizationServer != "" {
		metadata := cors.AllowAll().Handler(http.HandlerFunc(g.serveResourceMetadata))
		mux.Handle(protectedResourcePath, metadata)
		mux.Handle(protectedResourcePath+strings.TrimSuffix(path, "/"), metadata)
	}
	if g.opts.MetricsHandler != nil {
		mux.Handle("/metrics", g.opts.MetricsHandler)
	}
	if g.opts.CORS != nil {
		return mux, cors.New(*g.opts.CORS).Handler(mux)
	}
	return mux, mux
}

const protectedResourcePath = "/.well-known/oauth-protected-resource"

// protectedResourceMetadata is the RFC 9728 document describing the MCP
// endpoint to OAuth clients.
type protectedResourceMetadata struct {
	Resource               string   `json:"resource"`
	AuthorizationServers   []string `json:"authorization_servers"`
	ScopesSupported        []string `json:"scopes_supported,omitempty"`
	BearerMethodsSupported []string `json:"bearer_methods_supported"`
	ResourceName           string   `json:"resource_name,omitempty"`
}

func (g *Gateway) serveResourceMetadata(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	doc := protectedResourceMetadata{
		Resource:               resourceURL(r, g.opts.Path),
		AuthorizationServers:   []string{g.opts.AuthorizationServer},
		BearerMethodsSupported: []string{"header"},
		ResourceName:           g.opts.Implementation.Title,
	}
	if g.opts.TokenOptions != nil {
		doc.ScopesSupported = g.opts.TokenOptions.Scopes
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(doc); err != nil {
		g.logger.Debug("write resource metadata", zap.Error(err))
	}
}

func resourceURL(r *http.Request, path string) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return scheme + "://" + r.Host + path
}
