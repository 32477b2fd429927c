package mcpmgr

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ConnectionStatus represents the lifecycle of a managed connection.
type ConnectionStatus string

const (
	// StatusDisconnected is reported for a configured server with no
	// connection instance.
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
	StatusFailed       ConnectionStatus = "failed"
	StatusClosed       ConnectionStatus = "closed"
)

// ServerSummary aggregates status information for a managed server.
type ServerSummary struct {
	Name         string
	Transport    TransportKind
	Status       ConnectionStatus
	ConnectionID string
	Tools        int
	RetryCount   int
	LastError    error
	Config       ServerConfig
}

// Manager orchestrates client sessions to multiple MCP servers.
type Manager struct {
	options ManagerOptions
	logger  *zap.Logger
	factory TransportFactory
	naming  ToolNaming
	policy  *policyEngine
	metrics *Metrics

	mu sync.Mutex

	order   []string
	configs map[string]ServerConfig

	conns       map[string]*connection
	pending     map[string]chan struct{}
	failed      map[string]error
	exhausted   map[string]error
	supervising map[string]*connection
	tools       []ToolDescriptor

	// generation changes on every Close; work started under an older
	// generation must not touch the table.
	generation  uint64
	superCtx    context.Context
	superCancel context.CancelFunc
	superWG     *sync.WaitGroup

	listeners    map[int]func([]ToolDescriptor)
	nextListener int
	notifyMu     sync.Mutex
}

type connection struct {
	id         string
	server     string
	kind       TransportKind
	status     ConnectionStatus
	client     Client
	tools      []*mcp.Tool
	retryCount int
	lastErr    error

	unsubscribe []func()
}

// NewManager validates cfg and constructs a Manager. No connection is
// attempted until InitializeConnections is called. Invalid configuration is
// reported as a *ConfigValidationError, or ErrNoServers for an empty map.
func NewManager(cfg map[string]ServerConfig, opts *ManagerOptions) (*Manager, error) {
	configs, err := ValidateConfigs(cfg)
	if err != nil {
		return nil, err
	}
	options := opts.normalized()
	if options.ClientVersion == "" {
		options.ClientVersion = "1.0.0"
	}
	if options.DefaultTimeout <= 0 {
		options.DefaultTimeout = 30 * time.Second
	}
	if options.Logger == nil {
		options.Logger = zap.NewNop()
	}
	if options.TransportFactory == nil {
		options.TransportFactory = &DefaultTransportFactory{
			ClientName:    options.ClientName,
			ClientVersion: options.ClientVersion,
			ClientOptions: options.DefaultClientOptions,
			LogJSONRPC:    options.LogJSONRPC,
			RPCLogger:     options.RPCLogger,
			Logger:        options.Logger,
		}
	}

	m := &Manager{
		options: options,
		logger:  options.Logger,
		factory: options.TransportFactory,
		naming: ToolNaming{
			Prefix:                options.ToolNamePrefix,
			QualifyWithServerName: options.QualifyWithServerName,
		},
		policy:      newPolicyEngine(options.OnConnectionError),
		metrics:     options.Metrics,
		configs:     configs,
		conns:       make(map[string]*connection),
		pending:     make(map[string]chan struct{}),
		failed:      make(map[string]error),
		exhausted:   make(map[string]error),
		supervising: make(map[string]*connection),
		tools:       []ToolDescriptor{},
		superWG:     &sync.WaitGroup{},
		listeners:   make(map[int]func([]ToolDescriptor)),
	}
	m.order = completeOrder(options.ServerOrder, configs)
	m.superCtx, m.superCancel = context.WithCancel(context.Background())
	return m, nil
}

// InitializeConnections connects every server that is not already connected,
// connecting, or skipped by the error policy, and returns the aggregated tool
// list of all connected servers.
//
// Attempts run concurrently. Under Throw the first failure cancels the
// remaining attempts and is returned; servers that connected before that
// stay connected. Cancelling ctx aborts in-flight attempts and returns
// ctx.Err().
func (m *Manager) InitializeConnections(ctx context.Context) ([]ToolDescriptor, error) {
	m.mu.Lock()
	gen := m.generation
	var targets []string
	var waits []chan struct{}
	for _, name := range m.order {
		if c, ok := m.conns[name]; ok && (c.status == StatusConnected || c.status == StatusConnecting) {
			continue
		}
		if _, ok := m.failed[name]; ok {
			continue
		}
		if _, ok := m.exhausted[name]; ok {
			continue
		}
		if ch, ok := m.pending[name]; ok {
			waits = append(waits, ch)
			continue
		}
		m.pending[name] = make(chan struct{})
		targets = append(targets, name)
	}
	m.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	if m.options.MaxConcurrentConnects > 0 {
		g.SetLimit(m.options.MaxConcurrentConnects)
	}
	for _, name := range targets {
		g.Go(func() error {
			return m.initServer(gctx, gen, name)
		})
	}
	err := g.Wait()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if err != nil {
		return nil, err
	}
	for _, ch := range waits {
		select {
		case <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return m.GetTools(), nil
}

func (m *Manager) initServer(ctx context.Context, gen uint64, name string) error {
	defer m.finishPending(name)
	if ctx.Err() != nil {
		return nil
	}
	m.mu.Lock()
	cfg := m.configs[name]
	m.mu.Unlock()

	conn, err := m.dial(ctx, name, cfg)
	if err != nil {
		if ctx.Err() != nil {
			// Aborted by the caller or by another server's failure.
			return nil
		}
		m.logger.Warn("failed to connect to MCP server",
			zap.String("server", name),
			zap.String("transport", string(TransportOf(cfg))),
			zap.Error(err))
		if abort := m.policy.decide(name, err); abort != nil {
			return abort
		}
		m.mu.Lock()
		m.failed[name] = err
		m.mu.Unlock()
		m.logger.Info("skipping MCP server per error policy",
			zap.String("server", name),
			zap.Stringer("policy", m.policy.policy))
		return nil
	}
	if !m.install(gen, name, conn) {
		_ = conn.client.Close()
	}
	return nil
}

func (m *Manager) finishPending(name string) {
	m.mu.Lock()
	if ch, ok := m.pending[name]; ok {
		delete(m.pending, name)
		close(ch)
	}
	m.mu.Unlock()
}

// dial creates a transport for name, connects it and discovers its tools
// within the server's timeout.
func (m *Manager) dial(ctx context.Context, name string, cfg ServerConfig) (*connection, error) {
	kind := TransportOf(cfg)
	transport, err := m.factory.CreateTransport(name, cfg)
	if err != nil {
		m.metrics.observeConnect(name, err)
		return nil, &ConnectionError{Server: name, Transport: kind, Err: err}
	}
	timeout := cfg.base().Timeout
	if timeout <= 0 {
		timeout = m.options.DefaultTimeout
	}
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := transport.Connect(dctx)
	if err != nil {
		m.metrics.observeConnect(name, err)
		return nil, &ConnectionError{Server: name, Transport: kind, Err: err}
	}
	tools, err := client.ListTools(dctx)
	if err != nil {
		_ = client.Close()
		m.metrics.observeConnect(name, err)
		return nil, &ToolDiscoveryError{Server: name, Err: err}
	}
	m.metrics.observeConnect(name, nil)
	conn := &connection{
		id:     ulid.Make().String(),
		server: name,
		kind:   kind,
		status: StatusConnected,
		client: client,
		tools:  tools,
	}
	m.logger.Info("connected to MCP server",
		zap.String("server", name),
		zap.String("transport", string(kind)),
		zap.String("connection_id", conn.id),
		zap.Int("tools", len(tools)))
	return conn, nil
}

// install adds a freshly dialed connection to the table. It reports false
// when the manager was closed in the meantime or the server already has a
// live connection; the caller then owns the client.
func (m *Manager) install(gen uint64, name string, conn *connection) bool {
	m.mu.Lock()
	if m.generation != gen {
		m.mu.Unlock()
		return false
	}
	if existing, ok := m.conns[name]; ok && (existing.status == StatusConnected || existing.status == StatusConnecting) {
		m.mu.Unlock()
		return false
	}
	m.conns[name] = conn
	m.recomputeLocked()
	m.mu.Unlock()

	m.attach(name, conn)
	m.notifyToolsChanged()
	return true
}

// attach subscribes to the connection's disconnect and tools-changed hooks.
// It runs without the lock because a client that already dropped calls the
// disconnect hook synchronously.
func (m *Manager) attach(name string, conn *connection) {
	id := conn.id
	unsubs := []func(){conn.client.OnDisconnect(func(err error) {
		m.handleDisconnect(name, id, err)
	})}
	if n, ok := conn.client.(ToolsChangeNotifier); ok {
		unsubs = append(unsubs, n.OnToolsChanged(func() {
			m.refreshTools(name, id)
		}))
	}
	m.mu.Lock()
	current, ok := m.conns[name]
	if ok && current.id == id && current.status == StatusConnected {
		current.unsubscribe = unsubs
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	for _, fn := range unsubs {
		fn()
	}
}

// GetClient returns the client of a connected server.
func (m *Manager) GetClient(name string) (Client, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[name]
	if !ok || c.status != StatusConnected {
		return nil, false
	}
	return c.client, true
}

// GetTools returns the current aggregated tool list, optionally restricted
// to the named servers.
func (m *Manager) GetTools(servers ...string) []ToolDescriptor {
	m.mu.Lock()
	defer m.mu.Unlock()
	return filterTools(m.tools, servers)
}

// LookupTool finds an aggregated tool by its qualified name.
func (m *Manager) LookupTool(qualifiedName string) (ToolDescriptor, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tools {
		if t.QualifiedName == qualifiedName {
			return t, true
		}
	}
	return ToolDescriptor{}, false
}

// CallTool invokes an aggregated tool by qualified name on its owning
// server. Failures are returned as-is; the call is never retried.
func (m *Manager) CallTool(ctx context.Context, qualifiedName string, args any) (*mcp.CallToolResult, error) {
	tool, ok := m.LookupTool(qualifiedName)
	if !ok {
		return nil, fmt.Errorf("mcpmgr: unknown tool %q", qualifiedName)
	}
	client, ok := m.GetClient(tool.Server)
	if !ok {
		return nil, fmt.Errorf("mcpmgr: server %q is not connected", tool.Server)
	}
	return client.CallTool(ctx, &mcp.CallToolParams{Name: tool.RawName, Arguments: args})
}

// Servers returns the configured server names in order.
func (m *Manager) Servers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.order...)
}

// Config returns a copy of the validated server configurations.
func (m *Manager) Config() map[string]ServerConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]ServerConfig, len(m.configs))
	for name, cfg := range m.configs {
		out[name] = cloneConfig(cfg)
	}
	return out
}

// FailedServers returns the servers skipped by the error policy and those
// whose reconnect attempts ran out, with the error that put them there.
func (m *Manager) FailedServers() map[string]error {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]error, len(m.failed)+len(m.exhausted))
	for name, err := range m.failed {
		out[name] = err
	}
	for name, err := range m.exhausted {
		out[name] = err
	}
	return out
}

// ServerSummaries returns a status snapshot for every configured server.
func (m *Manager) ServerSummaries() []ServerSummary {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ServerSummary, 0, len(m.order))
	for _, name := range m.order {
		cfg := m.configs[name]
		s := ServerSummary{
			Name:      name,
			Transport: TransportOf(cfg),
			Status:    StatusDisconnected,
			Config:    cloneConfig(cfg),
		}
		if c, ok := m.conns[name]; ok {
			s.Status = c.status
			s.ConnectionID = c.id
			s.Tools = len(c.tools)
			s.RetryCount = c.retryCount
			s.LastError = c.lastErr
		} else if _, ok := m.pending[name]; ok {
			s.Status = StatusConnecting
		} else if err, ok := m.exhausted[name]; ok {
			s.Status = StatusFailed
			s.LastError = err
		} else if err, ok := m.failed[name]; ok {
			s.Status = StatusFailed
			s.LastError = err
		}
		out = append(out, s)
	}
	return out
}

// OnToolsChanged registers fn to receive the aggregated tool list after
// every change. fn runs without the manager lock held but must not call
// InitializeConnections or Close synchronously.
func (m *Manager) OnToolsChanged(fn func([]ToolDescriptor)) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextListener
	m.nextListener++
	m.listeners[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

func (m *Manager) notifyToolsChanged() {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()
	m.mu.Lock()
	tools := append([]ToolDescriptor(nil), m.tools...)
	listeners := make([]func([]ToolDescriptor), 0, len(m.listeners))
	for _, id := range sortedKeys(m.listeners) {
		listeners = append(listeners, m.listeners[id])
	}
	m.mu.Unlock()
	for _, fn := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("tools listener panicked", zap.Any("panic", r))
				}
			}()
			fn(tools)
		}()
	}
}

// recomputeLocked rebuilds the aggregate from the connected entries.
func (m *Manager) recomputeLocked() {
	perServer := make(map[string][]*mcp.Tool, len(m.conns))
	byStatus := make(map[ConnectionStatus]int)
	for name, c := range m.conns {
		byStatus[c.status]++
		if c.status == StatusConnected {
			perServer[name] = c.tools
		}
	}
	m.tools = aggregateTools(m.naming, m.order, perServer, m.logger)
	m.metrics.observeTable(byStatus, len(m.tools))
}

// Close shuts down every connection. Reconnect timers are cancelled before
// any client is closed, every close is attempted even when earlier ones fail,
// and the connection table and tool aggregate are cleared afterwards in all
// cases. Failures are returned as a *CloseError. If ctx ends first, servers
// whose close had not returned are reported with ctx.Err().
//
// The manager may be initialized again after Close.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.generation++
	m.superCancel()
	wg := m.superWG
	m.superWG = &sync.WaitGroup{}
	m.superCtx, m.superCancel = context.WithCancel(context.Background())
	conns := make([]*connection, 0, len(m.conns))
	for _, name := range m.order {
		if c, ok := m.conns[name]; ok {
			c.status = StatusClosed
			conns = append(conns, c)
		}
	}
	m.mu.Unlock()

	waitCtx(ctx, wg.Wait)

	var (
		errMu  sync.Mutex
		errs   = make(map[string]error)
		inFlux = make(map[string]bool)
		closes sync.WaitGroup
	)
	for _, c := range conns {
		for _, fn := range c.unsubscribe {
			fn()
		}
		if c.client == nil {
			continue
		}
		errMu.Lock()
		inFlux[c.server] = true
		errMu.Unlock()
		closes.Add(1)
		go func(c *connection) {
			defer closes.Done()
			err := c.client.Close()
			errMu.Lock()
			delete(inFlux, c.server)
			if err != nil {
				errs[c.server] = err
			}
			errMu.Unlock()
		}(c)
	}
	if !waitCtx(ctx, closes.Wait) {
		errMu.Lock()
		for name := range inFlux {
			errs[name] = ctx.Err()
		}
		errMu.Unlock()
	}

	m.mu.Lock()
	for _, c := range conns {
		if current, ok := m.conns[c.server]; ok && current == c {
			delete(m.conns, c.server)
		}
	}
	m.recomputeLocked()
	m.mu.Unlock()
	m.notifyToolsChanged()

	errMu.Lock()
	defer errMu.Unlock()
	for name, err := range errs {
		m.logger.Warn("error closing MCP server", zap.String("server", name), zap.Error(err))
	}
	if len(errs) > 0 {
		out := make(map[string]error, len(errs))
		for k, v := range errs {
			out[k] = v
		}
		return &CloseError{Errors: out}
	}
	return nil
}

// waitCtx runs wait and reports whether it returned before ctx ended.
func waitCtx(ctx context.Context, wait func()) bool {
	done := make(chan struct{})
	go func() {
		wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

func sortedKeys[K cmp.Ordered, V any](m map[K]V) []K {
	return slices.Sorted(maps.Keys(m))
}

// completeOrder keeps the declared names that are configured, once each, and
// appends any configured name it missed in sorted order.
func completeOrder[V any](declared []string, servers map[string]V) []string {
	out := make([]string, 0, len(servers))
	seen := make(map[string]bool, len(servers))
	for _, name := range declared {
		if _, ok := servers[name]; ok && !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	var rest []string
	for name := range servers {
		if !seen[name] {
			rest = append(rest, name)
		}
	}
	slices.Sort(rest)
	return append(out, rest...)
}
