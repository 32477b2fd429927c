package mcpmgr

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errDropped = errors.New("transport closed")

func summaryOf(m *Manager, name string) ServerSummary {
	for _, s := range m.ServerSummaries() {
		if s.Name == name {
			return s
		}
	}
	return ServerSummary{}
}

func TestReconnectGivesUpAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	f := newFakeFactory().script("a", func(ctx context.Context, n int) (*fakeClient, error) {
		if n == 1 {
			return newFakeClient("a", tool("t")), nil
		}
		return nil, errBoom
	})
	m := newTestManager(t, map[string]ServerConfig{
		"a": withRestart(stdio("a"), 2, 10*time.Millisecond),
	}, f, nil)
	_, err := m.InitializeConnections(context.Background())
	require.NoError(t, err)

	first := f.lastClient("a")
	first.drop(errDropped)

	require.Eventually(t, func() bool {
		_, ok := m.FailedServers()["a"]
		return ok
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, f.dialCount("a"))

	var exhausted *ReconnectExhaustedError
	require.ErrorAs(t, m.FailedServers()["a"], &exhausted)
	assert.Equal(t, 2, exhausted.Attempts)
	assert.ErrorIs(t, exhausted, errBoom)

	_, ok := m.GetClient("a")
	assert.False(t, ok)
	assert.Empty(t, m.GetTools())
	assert.Equal(t, StatusFailed, summaryOf(m, "a").Status)
	assert.Equal(t, 1, first.closeCount())

	// No further attempts, and InitializeConnections leaves the server alone.
	time.Sleep(50 * time.Millisecond)
	_, err = m.InitializeConnections(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, f.dialCount("a"))
}

func TestReconnectWithZeroAttemptsGivesUpImmediately(t *testing.T) {
	t.Parallel()

	f := newFakeFactory()
	m := newTestManager(t, map[string]ServerConfig{
		"a": withRestart(stdio("a"), 0, 0),
	}, f, nil)
	_, err := m.InitializeConnections(context.Background())
	require.NoError(t, err)

	f.lastClient("a").drop(errDropped)

	require.Eventually(t, func() bool {
		_, ok := m.FailedServers()["a"]
		return ok
	}, 2*time.Second, time.Millisecond)
	var exhausted *ReconnectExhaustedError
	require.ErrorAs(t, m.FailedServers()["a"], &exhausted)
	assert.Equal(t, 0, exhausted.Attempts)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, f.dialCount("a"))
}

func TestReconnectInstallsNewConnection(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	f := newFakeFactory().script("a", func(ctx context.Context, n int) (*fakeClient, error) {
		switch n {
		case 1:
			return newFakeClient("a", tool("t")), nil
		case 2:
			return nil, errBoom
		default:
			<-gate
			return newFakeClient("a", tool("t"), tool("u")), nil
		}
	})
	m := newTestManager(t, map[string]ServerConfig{
		"a": withRestart(stdio("a"), 5, 5*time.Millisecond),
	}, f, nil)
	_, err := m.InitializeConnections(context.Background())
	require.NoError(t, err)
	before := summaryOf(m, "a")
	first := f.lastClient("a")

	first.drop(errDropped)
	require.Eventually(t, func() bool { return f.dialCount("a") == 3 }, 2*time.Second, time.Millisecond)

	// While reconnecting the server is reported as connecting and its tools
	// are gone from the aggregate.
	during := summaryOf(m, "a")
	assert.Equal(t, StatusConnecting, during.Status)
	assert.Equal(t, 2, during.RetryCount)
	assert.ErrorIs(t, during.LastError, errBoom)
	assert.Empty(t, m.GetTools())
	_, ok := m.GetClient("a")
	assert.False(t, ok)

	close(gate)
	require.Eventually(t, func() bool {
		_, ok := m.GetClient("a")
		return ok
	}, 2*time.Second, time.Millisecond)

	after := summaryOf(m, "a")
	assert.Equal(t, StatusConnected, after.Status)
	assert.NotEqual(t, before.ConnectionID, after.ConnectionID)
	assert.Zero(t, after.RetryCount)
	assert.Len(t, m.GetTools(), 2)
	client, _ := m.GetClient("a")
	assert.Same(t, f.lastClient("a"), client)
}

func TestDuplicateDisconnectStartsOneSupervisor(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	f := newFakeFactory().script("a", func(ctx context.Context, n int) (*fakeClient, error) {
		if n > 1 {
			<-gate
		}
		return newFakeClient("a", tool("t")), nil
	})
	m := newTestManager(t, map[string]ServerConfig{
		"a": withRestart(stdio("a"), 3, time.Millisecond),
	}, f, nil)
	_, err := m.InitializeConnections(context.Background())
	require.NoError(t, err)

	id := summaryOf(m, "a").ConnectionID
	m.handleDisconnect("a", id, errDropped)
	m.handleDisconnect("a", id, errDropped)
	f.lastClient("a").drop(errDropped)

	require.Eventually(t, func() bool { return f.dialCount("a") == 2 }, 2*time.Second, time.Millisecond)
	close(gate)
	require.Eventually(t, func() bool {
		return summaryOf(m, "a").Status == StatusConnected
	}, 2*time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 2, f.dialCount("a"))
}

func TestStaleDisconnectIsIgnored(t *testing.T) {
	t.Parallel()

	f := newFakeFactory()
	m := newTestManager(t, map[string]ServerConfig{
		"a": withRestart(stdio("a"), 3, time.Millisecond),
	}, f, nil)
	_, err := m.InitializeConnections(context.Background())
	require.NoError(t, err)

	m.handleDisconnect("a", "01STALECONNECTIONID0000000", errDropped)
	m.handleDisconnect("missing", "x", errDropped)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StatusConnected, summaryOf(m, "a").Status)
	assert.Equal(t, 1, f.dialCount("a"))
}

func TestDisconnectWithoutRetryRemovesServer(t *testing.T) {
	t.Parallel()

	f := newFakeFactory()
	m := newTestManager(t, map[string]ServerConfig{"a": stdio("a"), "b": stdio("b")}, f, nil)
	_, err := m.InitializeConnections(context.Background())
	require.NoError(t, err)

	f.lastClient("a").drop(errDropped)

	_, ok := m.GetClient("a")
	assert.False(t, ok)
	assert.Equal(t, []string{"b-tool"}, qualifiedNames(m.GetTools()))
	assert.Equal(t, StatusDisconnected, summaryOf(m, "a").Status)
	assert.Equal(t, 1, f.dialCount("a"))

	got, err := m.InitializeConnections(context.Background())
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Equal(t, 2, f.dialCount("a"))
}

func TestCloseCancelsPendingReconnect(t *testing.T) {
	t.Parallel()

	f := newFakeFactory()
	m := newTestManager(t, map[string]ServerConfig{
		"a": withRestart(stdio("a"), 3, time.Hour),
	}, f, nil)
	_, err := m.InitializeConnections(context.Background())
	require.NoError(t, err)

	f.lastClient("a").drop(errDropped)
	require.Equal(t, StatusConnecting, summaryOf(m, "a").Status)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	start := time.Now()
	require.NoError(t, m.Close(ctx))
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 1, f.dialCount("a"))
	assert.Equal(t, StatusDisconnected, summaryOf(m, "a").Status)
}

func TestToolsRefreshOnListChanged(t *testing.T) {
	t.Parallel()

	f := newFakeFactory()
	m := newTestManager(t, map[string]ServerConfig{"a": stdio("a")}, f, nil)
	_, err := m.InitializeConnections(context.Background())
	require.NoError(t, err)

	f.lastClient("a").setTools(tools("x", "y", "z")...)
	require.Eventually(t, func() bool { return len(m.GetTools()) == 3 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, 3, summaryOf(m, "a").Tools)
}

func TestReconnectBackOffSchedules(t *testing.T) {
	t.Parallel()

	fixed := newReconnectBackOff(&RetryPolicy{Delay: 10 * time.Millisecond})
	for i := 0; i < 3; i++ {
		assert.Equal(t, 10*time.Millisecond, fixed.NextBackOff())
	}

	exp := newReconnectBackOff(&RetryPolicy{Delay: 10 * time.Millisecond, Multiplier: 2, MaxDelay: 50 * time.Millisecond})
	var got []time.Duration
	for i := 0; i < 5; i++ {
		got = append(got, exp.NextBackOff())
	}
	assert.Equal(t, []time.Duration{
		10 * time.Millisecond,
		20 * time.Millisecond,
		40 * time.Millisecond,
		50 * time.Millisecond,
		50 * time.Millisecond,
	}, got)

	assert.Equal(t, time.Duration(0), newReconnectBackOff(&RetryPolicy{}).NextBackOff())
}
