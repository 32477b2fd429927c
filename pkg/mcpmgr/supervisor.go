package mcpmgr

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// handleDisconnect reacts to an unexpected drop of connection id. Hooks from
// stale instances, closed entries, and servers that already have a
// reconnect loop running are ignored.
func (m *Manager) handleDisconnect(name, id string, cause error) {
	m.mu.Lock()
	c, ok := m.conns[name]
	if !ok || c.id != id || c.status != StatusConnected {
		m.mu.Unlock()
		return
	}
	c.lastErr = cause
	dropped := c.client
	unsubs := c.unsubscribe
	c.unsubscribe = nil
	policy := m.configs[name].retry()
	logger := m.logger.With(zap.String("server", name), zap.String("connection_id", id))

	if !policy.enabled() {
		c.status = StatusFailed
		delete(m.conns, name)
		m.recomputeLocked()
		m.mu.Unlock()
		logger.Warn("MCP server disconnected", zap.Error(cause))
		release(dropped, unsubs)
		m.notifyToolsChanged()
		return
	}
	if m.supervising[name] != nil {
		m.mu.Unlock()
		return
	}
	m.supervising[name] = c
	c.status = StatusConnecting
	c.client = nil
	c.tools = nil
	m.recomputeLocked()
	ctx, gen, wg := m.superCtx, m.generation, m.superWG
	wg.Add(1)
	m.mu.Unlock()

	logger.Warn("MCP server disconnected, reconnecting", zap.Error(cause))
	release(dropped, unsubs)
	m.notifyToolsChanged()
	go m.supervise(ctx, gen, wg, c, policy, cause)
}

func release(client Client, unsubs []func()) {
	for _, fn := range unsubs {
		fn()
	}
	if client != nil {
		_ = client.Close()
	}
}

// supervise runs the reconnect loop for name until a new connection is
// installed, the attempts run out, or ctx is cancelled by Close.
func (m *Manager) supervise(ctx context.Context, gen uint64, wg *sync.WaitGroup, entry *connection, policy *RetryPolicy, lastErr error) {
	defer wg.Done()
	name := entry.server
	// replace and exhaust end supervision under the lock; this covers the
	// other exits.
	defer m.endSupervision(name, entry)

	logger := m.logger.With(zap.String("server", name))
	bo := newReconnectBackOff(policy)
	for {
		attempt, cfg, ok := m.nextAttempt(gen, name)
		if !ok {
			return
		}
		if attempt > policy.maxAttempts() {
			m.exhaust(gen, name, policy.maxAttempts(), lastErr)
			return
		}
		delay := bo.NextBackOff()
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		m.metrics.observeReconnect(name)
		logger.Info("reconnecting to MCP server",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", policy.maxAttempts()),
			zap.Duration("delay", delay))
		conn, err := m.dial(ctx, name, cfg)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			lastErr = err
			m.recordAttemptError(gen, name, err)
			logger.Warn("reconnect attempt failed", zap.Int("attempt", attempt), zap.Error(err))
			continue
		}
		if !m.replace(gen, name, conn) {
			_ = conn.client.Close()
		}
		return
	}
}

func (m *Manager) endSupervision(name string, entry *connection) {
	m.mu.Lock()
	if m.supervising[name] == entry {
		delete(m.supervising, name)
	}
	m.mu.Unlock()
}

// nextAttempt bumps the retry counter of a reconnecting entry.
func (m *Manager) nextAttempt(gen uint64, name string) (int, ServerConfig, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[name]
	if m.generation != gen || !ok || c.status != StatusConnecting {
		return 0, nil, false
	}
	c.retryCount++
	return c.retryCount, m.configs[name], true
}

func (m *Manager) recordAttemptError(gen uint64, name string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.conns[name]; ok && m.generation == gen {
		c.lastErr = err
	}
}

// exhaust marks the reconnecting entry failed and removes it for good.
func (m *Manager) exhaust(gen uint64, name string, attempts int, lastErr error) {
	m.mu.Lock()
	c, ok := m.conns[name]
	if m.generation != gen || !ok || c.status != StatusConnecting {
		m.mu.Unlock()
		return
	}
	c.status = StatusFailed
	delete(m.conns, name)
	delete(m.supervising, name)
	exhausted := &ReconnectExhaustedError{Server: name, Attempts: attempts, Err: lastErr}
	m.exhausted[name] = exhausted
	m.recomputeLocked()
	m.mu.Unlock()

	m.metrics.observeExhausted(name)
	m.logger.Error("giving up on MCP server", zap.String("server", name), zap.Error(exhausted))
	m.notifyToolsChanged()
}

// replace swaps the reconnecting entry for a new connection instance.
func (m *Manager) replace(gen uint64, name string, conn *connection) bool {
	m.mu.Lock()
	c, ok := m.conns[name]
	if m.generation != gen || !ok || c.status != StatusConnecting {
		m.mu.Unlock()
		return false
	}
	m.conns[name] = conn
	delete(m.supervising, name)
	m.recomputeLocked()
	m.mu.Unlock()

	m.logger.Info("reconnected to MCP server",
		zap.String("server", name),
		zap.String("connection_id", conn.id),
		zap.Int("attempts", c.retryCount))
	m.attach(name, conn)
	m.notifyToolsChanged()
	return true
}

// refreshTools re-lists the tools of connection id after the server
// announced a change.
func (m *Manager) refreshTools(name, id string) {
	m.mu.Lock()
	c, ok := m.conns[name]
	if !ok || c.id != id || c.status != StatusConnected {
		m.mu.Unlock()
		return
	}
	client := c.client
	ctx, gen, wg := m.superCtx, m.generation, m.superWG
	timeout := m.configs[name].base().Timeout
	if timeout <= 0 {
		timeout = m.options.DefaultTimeout
	}
	wg.Add(1)
	m.mu.Unlock()

	// Notification handlers run on the session's read loop, so the request
	// has to be issued from another goroutine.
	go func() {
		defer wg.Done()
		rctx, cancel := context.WithTimeout(ctx, timeout)
		tools, err := client.ListTools(rctx)
		cancel()
		if err != nil {
			if ctx.Err() == nil {
				m.logger.Warn("failed to refresh tools", zap.String("server", name), zap.Error(err))
			}
			return
		}
		m.mu.Lock()
		c, ok := m.conns[name]
		if m.generation != gen || !ok || c.id != id || c.status != StatusConnected {
			m.mu.Unlock()
			return
		}
		c.tools = tools
		m.recomputeLocked()
		m.mu.Unlock()
		m.logger.Debug("refreshed tools", zap.String("server", name), zap.Int("tools", len(tools)))
		m.notifyToolsChanged()
	}()
}

// newReconnectBackOff returns a fixed-delay schedule, or an exponential one
// when the policy sets a multiplier above 1.
func newReconnectBackOff(p *RetryPolicy) backoff.BackOff {
	if p.Multiplier <= 1 {
		return backoff.NewConstantBackOff(p.delay())
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.delay()
	eb.Multiplier = p.Multiplier
	eb.RandomizationFactor = 0
	eb.MaxElapsedTime = 0
	if p.MaxDelay > 0 {
		eb.MaxInterval = p.MaxDelay
	} else {
		eb.MaxInterval = time.Duration(1<<63 - 1)
	}
	eb.Reset()
	return eb
}
