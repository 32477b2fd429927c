package mcpmgr

import (
	"errors"
	"fmt"
	"sort"

	"go.uber.org/multierr"
)

// ErrNoServers is returned when a manager is built from an empty config.
var ErrNoServers = errors.New("mcpmgr: no MCP servers provided")

// ConfigValidationError reports the first invalid entry of a server map.
type ConfigValidationError struct {
	Server string
	Field  string
	Reason string
	Err    error
}

func (e *ConfigValidationError) Error() string {
	msg := "mcpmgr: invalid config"
	if e.Server != "" {
		msg += fmt.Sprintf(" for %q", e.Server)
	}
	if e.Field != "" {
		msg += ": " + e.Field
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigValidationError) Unwrap() error { return e.Err }

// ConnectionError wraps a transport or handshake failure for one server.
type ConnectionError struct {
	Server    string
	Transport TransportKind
	Err       error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("mcpmgr: connect %q over %s: %v", e.Server, e.Transport, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ToolDiscoveryError reports a server that connected but failed tools/list.
type ToolDiscoveryError struct {
	Server string
	Err    error
}

func (e *ToolDiscoveryError) Error() string {
	return fmt.Sprintf("mcpmgr: list tools on %q: %v", e.Server, e.Err)
}

func (e *ToolDiscoveryError) Unwrap() error { return e.Err }

// ReconnectExhaustedError records a server that stayed unreachable after
// every configured reconnect attempt. It is never returned to callers of
// InitializeConnections; see Manager.FailedServers.
type ReconnectExhaustedError struct {
	Server   string
	Attempts int
	Err      error
}

func (e *ReconnectExhaustedError) Error() string {
	return fmt.Sprintf("mcpmgr: %q unavailable after %d reconnect attempts: %v", e.Server, e.Attempts, e.Err)
}

func (e *ReconnectExhaustedError) Unwrap() error { return e.Err }

// PolicyError is returned when a custom error handler rejects a failure.
type PolicyError struct {
	Server string
	Err    error
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("mcpmgr: error handler aborted on %q: %v", e.Server, e.Err)
}

func (e *PolicyError) Unwrap() error { return e.Err }

// CloseError aggregates every failure observed while closing connections.
type CloseError struct {
	Errors map[string]error
}

func (e *CloseError) Error() string {
	err := e.combined()
	if err == nil {
		return "mcpmgr: close failed"
	}
	return "mcpmgr: close: " + err.Error()
}

// Unwrap exposes the per-server errors to errors.Is and errors.As.
func (e *CloseError) Unwrap() []error {
	return multierr.Errors(e.combined())
}

func (e *CloseError) combined() error {
	names := make([]string, 0, len(e.Errors))
	for name := range e.Errors {
		names = append(names, name)
	}
	sort.Strings(names)
	var err error
	for _, name := range names {
		err = multierr.Append(err, fmt.Errorf("%s: %w", name, e.Errors[name]))
	}
	return err
}
