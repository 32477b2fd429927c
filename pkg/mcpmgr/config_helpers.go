package mcpmgr

// Lightweight helpers for narrowing and inspecting ServerConfig values without
// forcing consumers to use a type switch at every call site.

// TransportKind identifies the transport family used by a ServerConfig.
type TransportKind string

const (
	TransportStdio TransportKind = "stdio"
	TransportSSE   TransportKind = "sse"
	TransportHTTP  TransportKind = "http"
)

// TransportOf returns the transport kind for a ServerConfig.
// Returns an empty string when the value is nil or an unknown implementation.
func TransportOf(cfg ServerConfig) TransportKind {
	switch cfg.(type) {
	case *StdioServerConfig:
		return TransportStdio
	case *SSEServerConfig:
		return TransportSSE
	case *HTTPServerConfig:
		return TransportHTTP
	default:
		return ""
	}
}

// IsStdio reports whether cfg is a *StdioServerConfig.
func IsStdio(cfg ServerConfig) bool {
	_, ok := cfg.(*StdioServerConfig)
	return ok
}

// IsSSE reports whether cfg is a *SSEServerConfig.
func IsSSE(cfg ServerConfig) bool {
	_, ok := cfg.(*SSEServerConfig)
	return ok
}

// IsHTTP reports whether cfg is a *HTTPServerConfig.
func IsHTTP(cfg ServerConfig) bool {
	_, ok := cfg.(*HTTPServerConfig)
	return ok
}

// AsStdio narrows cfg to *StdioServerConfig, returning (nil, false) when it
// does not match.
func AsStdio(cfg ServerConfig) (*StdioServerConfig, bool) {
	c, ok := cfg.(*StdioServerConfig)
	return c, ok
}

// AsSSE narrows cfg to *SSEServerConfig.
func AsSSE(cfg ServerConfig) (*SSEServerConfig, bool) {
	c, ok := cfg.(*SSEServerConfig)
	return c, ok
}

// AsHTTP narrows cfg to *HTTPServerConfig.
func AsHTTP(cfg ServerConfig) (*HTTPServerConfig, bool) {
	c, ok := cfg.(*HTTPServerConfig)
	return c, ok
}

// RetryPolicyOf returns the reconnect policy attached to cfg, or nil.
func RetryPolicyOf(cfg ServerConfig) *RetryPolicy {
	if cfg == nil {
		return nil
	}
	return cfg.retry()
}

// cloneConfig returns a shallow copy of cfg whose maps, slices and retry
// policy are no longer shared with the caller.
func cloneConfig(cfg ServerConfig) ServerConfig {
	switch c := cfg.(type) {
	case *StdioServerConfig:
		out := *c
		out.Args = append([]string(nil), c.Args...)
		if c.Env != nil {
			out.Env = make(map[string]string, len(c.Env))
			for k, v := range c.Env {
				out.Env[k] = v
			}
		}
		out.Restart = clonePolicy(c.Restart)
		return &out
	case *SSEServerConfig:
		out := *c
		out.Headers = cloneHeader(c.Headers)
		out.Reconnect = clonePolicy(c.Reconnect)
		return &out
	case *HTTPServerConfig:
		out := *c
		out.Headers = cloneHeader(c.Headers)
		out.Reconnect = clonePolicy(c.Reconnect)
		return &out
	default:
		return cfg
	}
}

func clonePolicy(p *RetryPolicy) *RetryPolicy {
	if p == nil {
		return nil
	}
	out := *p
	return &out
}
