package mcpmgr

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// fakeClient is a scripted Client.
type fakeClient struct {
	server string

	mu        sync.Mutex
	tools     []*mcp.Tool
	listErr   error
	closeErr  error
	closeGate chan struct{}
	closed    int
	calls     []string
	dropped   bool
	dropErr   error
	nextID    int
	subs      map[int]func(error)
	toolsSubs map[int]func()
}

func newFakeClient(server string, tools ...*mcp.Tool) *fakeClient {
	return &fakeClient{
		server:    server,
		tools:     tools,
		subs:      make(map[int]func(error)),
		toolsSubs: make(map[int]func()),
	}
}

func (c *fakeClient) ListTools(ctx context.Context) ([]*mcp.Tool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listErr != nil {
		return nil, c.listErr
	}
	return append([]*mcp.Tool(nil), c.tools...), nil
}

func (c *fakeClient) CallTool(ctx context.Context, params *mcp.CallToolParams) (*mcp.CallToolResult, error) {
	c.mu.Lock()
	c.calls = append(c.calls, params.Name)
	c.mu.Unlock()
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: c.server + ":" + params.Name}}}, nil
}

func (c *fakeClient) Close() error {
	if c.closeGate != nil {
		<-c.closeGate
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
	c.subs = make(map[int]func(error))
	return c.closeErr
}

func (c *fakeClient) OnDisconnect(fn func(error)) func() {
	c.mu.Lock()
	if c.dropped {
		err := c.dropErr
		c.mu.Unlock()
		fn(err)
		return func() {}
	}
	id := c.nextID
	c.nextID++
	c.subs[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

func (c *fakeClient) OnToolsChanged(fn func()) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.toolsSubs[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.toolsSubs, id)
		c.mu.Unlock()
	}
}

// drop simulates the channel going away underneath the client.
func (c *fakeClient) drop(err error) {
	c.mu.Lock()
	c.dropped = true
	c.dropErr = err
	subs := make([]func(error), 0, len(c.subs))
	for _, fn := range c.subs {
		subs = append(subs, fn)
	}
	c.subs = make(map[int]func(error))
	c.mu.Unlock()
	for _, fn := range subs {
		fn(err)
	}
}

func (c *fakeClient) setTools(tools ...*mcp.Tool) {
	c.mu.Lock()
	c.tools = tools
	subs := make([]func(), 0, len(c.toolsSubs))
	for _, fn := range c.toolsSubs {
		subs = append(subs, fn)
	}
	c.mu.Unlock()
	for _, fn := range subs {
		fn()
	}
}

func (c *fakeClient) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// connectFunc scripts the n-th (1-based) connection attempt of one server.
type connectFunc func(ctx context.Context, n int) (*fakeClient, error)

// fakeFactory is a TransportFactory whose transports follow per-server
// scripts. Servers without a script connect immediately and expose a single
// tool named "<server>-tool".
type fakeFactory struct {
	mu      sync.Mutex
	scripts map[string]connectFunc
	dials   map[string]int
	clients map[string][]*fakeClient
	active  int
	peak    int
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{
		scripts: make(map[string]connectFunc),
		dials:   make(map[string]int),
		clients: make(map[string][]*fakeClient),
	}
}

func (f *fakeFactory) script(server string, fn connectFunc) *fakeFactory {
	f.mu.Lock()
	f.scripts[server] = fn
	f.mu.Unlock()
	return f
}

func (f *fakeFactory) CreateTransport(server string, cfg ServerConfig) (Transport, error) {
	return &fakeTransport{factory: f, server: server, kind: TransportOf(cfg)}, nil
}

func (f *fakeFactory) dialCount(server string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dials[server]
}

func (f *fakeFactory) lastClient(server string) *fakeClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	clients := f.clients[server]
	if len(clients) == 0 {
		return nil
	}
	return clients[len(clients)-1]
}

func (f *fakeFactory) peakConcurrency() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peak
}

type fakeTransport struct {
	factory *fakeFactory
	server  string
	kind    TransportKind
}

func (t *fakeTransport) Kind() TransportKind { return t.kind }

func (t *fakeTransport) Connect(ctx context.Context) (Client, error) {
	f := t.factory
	f.mu.Lock()
	f.dials[t.server]++
	n := f.dials[t.server]
	fn := f.scripts[t.server]
	f.active++
	if f.active > f.peak {
		f.peak = f.active
	}
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.active--
		f.mu.Unlock()
	}()

	var (
		c   *fakeClient
		err error
	)
	if fn == nil {
		c = newFakeClient(t.server, tool(t.server+"-tool"))
	} else {
		c, err = fn(ctx, n)
	}
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.clients[t.server] = append(f.clients[t.server], c)
	f.mu.Unlock()
	return c, nil
}

func tool(name string) *mcp.Tool {
	return &mcp.Tool{Name: name, Description: "tool " + name, InputSchema: map[string]any{"type": "object"}}
}

func tools(names ...string) []*mcp.Tool {
	out := make([]*mcp.Tool, 0, len(names))
	for _, n := range names {
		out = append(out, tool(n))
	}
	return out
}

// serve returns a script that always connects with the given tools.
func serve(names ...string) connectFunc {
	return func(ctx context.Context, n int) (*fakeClient, error) {
		return newFakeClient("", tools(names...)...), nil
	}
}

// fail returns a script that always fails with err.
func fail(err error) connectFunc {
	return func(ctx context.Context, n int) (*fakeClient, error) {
		return nil, err
	}
}

// block returns a script that waits for ctx to end.
func block() connectFunc {
	return func(ctx context.Context, n int) (*fakeClient, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
}

func stdio(name string) *StdioServerConfig {
	return &StdioServerConfig{Command: name}
}

func withRestart(cfg *StdioServerConfig, attempts int, delay time.Duration) *StdioServerConfig {
	cfg.Restart = &RetryPolicy{Enabled: true, MaxAttempts: attempts, Delay: delay}
	return cfg
}

func newTestManager(t *testing.T, cfg map[string]ServerConfig, factory *fakeFactory, opts *ManagerOptions) *Manager {
	t.Helper()
	if opts == nil {
		opts = &ManagerOptions{}
	}
	opts.TransportFactory = factory
	if opts.Logger == nil {
		opts.Logger = zaptest.NewLogger(t)
	}
	m, err := NewManager(cfg, opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Close(ctx)
	})
	return m
}

func qualifiedNames(tools []ToolDescriptor) []string {
	out := make([]string, 0, len(tools))
	for _, t := range tools {
		out = append(out, t.QualifiedName)
	}
	return out
}

var errBoom = errors.New("boom")
