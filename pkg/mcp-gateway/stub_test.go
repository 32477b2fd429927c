package mcpgateway

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/vikashloomba/mcp-multiserver-client-go/pkg/mcpmgr"
	"go.uber.org/zap/zaptest"
)

// stubClient is an in-process upstream server.
type stubClient struct {
	server string
	tools  []*mcp.Tool

	mu       sync.Mutex
	calls    []string
	lastArgs any
	onDrop   func(error)
}

func (c *stubClient) ListTools(context.Context) ([]*mcp.Tool, error) {
	return c.tools, nil
}

func (c *stubClient) CallTool(ctx context.Context, params *mcp.CallToolParams) (*mcp.CallToolResult, error) {
	c.mu.Lock()
	c.calls = append(c.calls, params.Name)
	c.lastArgs = params.Arguments
	c.mu.Unlock()
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: c.server + ":" + params.Name}}}, nil
}

func (c *stubClient) Close() error { return nil }

func (c *stubClient) OnDisconnect(fn func(error)) func() {
	c.mu.Lock()
	c.onDrop = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		c.onDrop = nil
		c.mu.Unlock()
	}
}

func (c *stubClient) drop(err error) {
	c.mu.Lock()
	fn := c.onDrop
	c.onDrop = nil
	c.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

func (c *stubClient) lastArguments() any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastArgs
}

func (c *stubClient) callNames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

type stubTransport struct{ client *stubClient }

func (t stubTransport) Kind() mcpmgr.TransportKind { return mcpmgr.TransportStdio }

func (t stubTransport) Connect(context.Context) (mcpmgr.Client, error) { return t.client, nil }

func objectTool(name string) *mcp.Tool {
	return &mcp.Tool{
		Name:        name,
		Description: "upstream " + name,
		InputSchema: map[string]any{"type": "object"},
	}
}

// newStubManager builds a manager over in-process upstreams, one per entry
// of servers. Tool names are qualified with the server name.
func newStubManager(t *testing.T, servers map[string][]string) (*mcpmgr.Manager, map[string]*stubClient) {
	t.Helper()
	clients := make(map[string]*stubClient, len(servers))
	cfg := make(map[string]mcpmgr.ServerConfig, len(servers))
	for name, toolNames := range servers {
		c := &stubClient{server: name}
		for _, tn := range toolNames {
			c.tools = append(c.tools, objectTool(tn))
		}
		clients[name] = c
		cfg[name] = &mcpmgr.StdioServerConfig{Command: name}
	}
	factory := mcpmgr.TransportFactoryFunc(func(name string, _ mcpmgr.ServerConfig) (mcpmgr.Transport, error) {
		return stubTransport{client: clients[name]}, nil
	})
	mgr, err := mcpmgr.NewManager(cfg, &mcpmgr.ManagerOptions{
		QualifyWithServerName: true,
		TransportFactory:      factory,
		Logger:                zaptest.NewLogger(t),
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = mgr.Close(ctx)
	})
	return mgr, clients
}
