package mcpmgr

import (
	"context"
	"errors"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// errChannelClosed is reported to disconnect subscribers when the session
// ended without an error of its own.
var errChannelClosed = errors.New("mcpmgr: connection closed by peer")

// sdkClient adapts *mcp.ClientSession to Client.
type sdkClient struct {
	server string
	cancel context.CancelFunc

	session *mcp.ClientSession

	mu           sync.Mutex
	closing      bool
	dropped      bool
	dropErr      error
	nextID       int
	disconnectFn map[int]func(error)
	toolsFn      map[int]func()
}

func newSDKClient(server string, cancel context.CancelFunc) *sdkClient {
	return &sdkClient{
		server:       server,
		cancel:       cancel,
		disconnectFn: make(map[int]func(error)),
		toolsFn:      make(map[int]func()),
	}
}

func (c *sdkClient) start(session *mcp.ClientSession) {
	c.session = session
	go c.watch()
}

func (c *sdkClient) watch() {
	err := c.session.Wait()
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return
	}
	if err == nil {
		err = errChannelClosed
	}
	c.dropped = true
	c.dropErr = err
	handlers := make([]func(error), 0, len(c.disconnectFn))
	for _, fn := range c.disconnectFn {
		handlers = append(handlers, fn)
	}
	c.disconnectFn = make(map[int]func(error))
	c.mu.Unlock()
	c.cancel()
	for _, fn := range handlers {
		fn(err)
	}
}

// ListTools implements Client. A server that did not advertise the tools
// capability during initialization yields an empty list without a request;
// any tools/list failure is returned.
func (c *sdkClient) ListTools(ctx context.Context) ([]*mcp.Tool, error) {
	if lacksToolsCapability(c.session.InitializeResult()) {
		return []*mcp.Tool{}, nil
	}
	var tools []*mcp.Tool
	params := &mcp.ListToolsParams{}
	for {
		res, err := c.session.ListTools(ctx, params)
		if err != nil {
			return nil, err
		}
		tools = append(tools, res.Tools...)
		if res.NextCursor == "" {
			return tools, nil
		}
		params = &mcp.ListToolsParams{Cursor: res.NextCursor}
	}
}

func (c *sdkClient) CallTool(ctx context.Context, params *mcp.CallToolParams) (*mcp.CallToolResult, error) {
	return c.session.CallTool(ctx, params)
}

func (c *sdkClient) Close() error {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return nil
	}
	c.closing = true
	c.disconnectFn = make(map[int]func(error))
	c.toolsFn = make(map[int]func())
	c.mu.Unlock()
	err := c.session.Close()
	c.cancel()
	return err
}

func (c *sdkClient) OnDisconnect(fn func(error)) func() {
	c.mu.Lock()
	if c.dropped {
		err := c.dropErr
		c.mu.Unlock()
		fn(err)
		return func() {}
	}
	id := c.nextID
	c.nextID++
	c.disconnectFn[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.disconnectFn, id)
		c.mu.Unlock()
	}
}

func (c *sdkClient) OnToolsChanged(fn func()) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.toolsFn[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.toolsFn, id)
		c.mu.Unlock()
	}
}

func (c *sdkClient) fireToolsChanged() {
	c.mu.Lock()
	handlers := make([]func(), 0, len(c.toolsFn))
	for _, fn := range c.toolsFn {
		handlers = append(handlers, fn)
	}
	c.mu.Unlock()
	for _, fn := range handlers {
		fn()
	}
}

func lacksToolsCapability(init *mcp.InitializeResult) bool {
	return init != nil && (init.Capabilities == nil || init.Capabilities.Tools == nil)
}
