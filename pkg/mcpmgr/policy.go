package mcpmgr

import (
	"fmt"
	"sync"
)

type policyKind int

const (
	policyThrow policyKind = iota
	policyIgnore
	policyCustom
)

// ErrorPolicy decides what a per-server connection failure does to
// InitializeConnections. The zero value behaves as Throw.
type ErrorPolicy struct {
	kind    policyKind
	handler func(server string, err error) error
}

var (
	// Throw aborts InitializeConnections on the first failed server.
	Throw = ErrorPolicy{kind: policyThrow}
	// Ignore records the failed server and carries on with the rest.
	Ignore = ErrorPolicy{kind: policyIgnore}
)

// Custom delegates the decision to handler. A nil return skips the server
// like Ignore; a non-nil return or a panic aborts like Throw. A nil handler
// yields Ignore.
func Custom(handler func(server string, err error) error) ErrorPolicy {
	if handler == nil {
		return Ignore
	}
	return ErrorPolicy{kind: policyCustom, handler: handler}
}

// ParseErrorPolicy maps the textual forms used in config files.
func ParseErrorPolicy(s string) (ErrorPolicy, error) {
	switch s {
	case "", "throw":
		return Throw, nil
	case "ignore":
		return Ignore, nil
	default:
		return ErrorPolicy{}, fmt.Errorf("mcpmgr: unknown error policy %q", s)
	}
}

func (p ErrorPolicy) String() string {
	switch p.kind {
	case policyIgnore:
		return "ignore"
	case policyCustom:
		return "custom"
	default:
		return "throw"
	}
}

// policyEngine applies an ErrorPolicy. Handler calls are serialized and a
// server reaches the handler at most once; later failures of a server whose
// handler aborted abort again without a second call.
type policyEngine struct {
	policy ErrorPolicy

	mu      sync.Mutex
	decided map[string]bool
}

func newPolicyEngine(p ErrorPolicy) *policyEngine {
	return &policyEngine{policy: p, decided: make(map[string]bool)}
}

// decide returns nil when the failure should be recorded and skipped, or the
// error InitializeConnections must abort with.
func (e *policyEngine) decide(server string, err error) (abort error) {
	switch e.policy.kind {
	case policyIgnore:
		return nil
	case policyCustom:
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.decided[server] {
			return err
		}
		e.decided[server] = true
		defer func() {
			if r := recover(); r != nil {
				abort = &PolicyError{Server: server, Err: fmt.Errorf("handler panic: %v", r)}
			}
		}()
		if herr := e.policy.handler(server, err); herr != nil {
			return &PolicyError{Server: server, Err: herr}
		}
		return nil
	default:
		return err
	}
}
