package mcpmgr

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"
)

// ValidateConfigs checks every server entry and returns a copy that shares no
// mutable state with cfg. Entries are checked in name order and the first
// invalid one aborts the whole call.
func ValidateConfigs(cfg map[string]ServerConfig) (map[string]ServerConfig, error) {
	if len(cfg) == 0 {
		return nil, ErrNoServers
	}
	names := make([]string, 0, len(cfg))
	for name := range cfg {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make(map[string]ServerConfig, len(cfg))
	for _, name := range names {
		if err := validateServer(name, cfg[name]); err != nil {
			return nil, err
		}
		out[name] = cloneConfig(cfg[name])
	}
	return out, nil
}

func validateServer(name string, cfg ServerConfig) error {
	if strings.TrimSpace(name) == "" {
		return &ConfigValidationError{Server: name, Reason: "server name must not be empty"}
	}
	if cfg == nil {
		return &ConfigValidationError{Server: name, Reason: "config is nil"}
	}
	var retry *RetryPolicy
	switch c := cfg.(type) {
	case *StdioServerConfig:
		if c == nil {
			return &ConfigValidationError{Server: name, Reason: "config is nil"}
		}
		if strings.TrimSpace(c.Command) == "" {
			return &ConfigValidationError{Server: name, Field: "command", Reason: "required for stdio transport"}
		}
		switch c.Stderr {
		case "", StderrInherit, StderrPipe, StderrIgnore:
		default:
			return &ConfigValidationError{Server: name, Field: "stderr", Reason: fmt.Sprintf("unknown mode %q", c.Stderr)}
		}
		retry = c.Restart
	case *SSEServerConfig:
		if c == nil {
			return &ConfigValidationError{Server: name, Reason: "config is nil"}
		}
		if err := validateURL(name, c.URL); err != nil {
			return err
		}
		retry = c.Reconnect
	case *HTTPServerConfig:
		if c == nil {
			return &ConfigValidationError{Server: name, Reason: "config is nil"}
		}
		if err := validateURL(name, c.URL); err != nil {
			return err
		}
		if c.MaxRetries < 0 {
			return &ConfigValidationError{Server: name, Field: "maxRetries", Reason: "must not be negative"}
		}
		retry = c.Reconnect
	default:
		return &ConfigValidationError{Server: name, Field: "transport", Reason: fmt.Sprintf("unsupported config type %T", cfg)}
	}
	if cfg.base().Timeout < 0 {
		return &ConfigValidationError{Server: name, Field: "timeout", Reason: "must not be negative"}
	}
	return validateRetry(name, retry)
}

func validateURL(name, raw string) error {
	if strings.TrimSpace(raw) == "" {
		return &ConfigValidationError{Server: name, Field: "url", Reason: "required for sse and http transports"}
	}
	u, err := url.Parse(raw)
	if err != nil {
		return &ConfigValidationError{Server: name, Field: "url", Reason: "malformed", Err: err}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return &ConfigValidationError{Server: name, Field: "url", Reason: fmt.Sprintf("unsupported scheme %q", u.Scheme)}
	}
	if u.Host == "" {
		return &ConfigValidationError{Server: name, Field: "url", Reason: "missing host"}
	}
	return nil
}

func validateRetry(name string, p *RetryPolicy) error {
	if p == nil {
		return nil
	}
	switch {
	case p.MaxAttempts < 0:
		return &ConfigValidationError{Server: name, Field: "maxAttempts", Reason: "must not be negative"}
	case p.Delay < 0:
		return &ConfigValidationError{Server: name, Field: "delayMs", Reason: "must not be negative"}
	case p.MaxDelay < 0:
		return &ConfigValidationError{Server: name, Field: "maxDelayMs", Reason: "must not be negative"}
	case p.Multiplier < 0 || (p.Multiplier > 0 && p.Multiplier < 1):
		return &ConfigValidationError{Server: name, Field: "multiplier", Reason: "must be 0 or at least 1"}
	}
	return nil
}

// RawRetryPolicy is the file representation of a RetryPolicy.
type RawRetryPolicy struct {
	Enabled     *bool    `json:"enabled,omitempty" yaml:"enabled,omitempty" toml:"enabled,omitempty"`
	MaxAttempts *int     `json:"maxAttempts,omitempty" yaml:"maxAttempts,omitempty" toml:"maxAttempts,omitempty"`
	DelayMs     *int     `json:"delayMs,omitempty" yaml:"delayMs,omitempty" toml:"delayMs,omitempty"`
	Multiplier  *float64 `json:"multiplier,omitempty" yaml:"multiplier,omitempty" toml:"multiplier,omitempty"`
	MaxDelayMs  *int     `json:"maxDelayMs,omitempty" yaml:"maxDelayMs,omitempty" toml:"maxDelayMs,omitempty"`
}

// RawServerConfig is the untyped file representation of one server. The
// transport tag may be given as either "transport" or "type"; when both are
// absent it is inferred from the presence of command or url.
type RawServerConfig struct {
	Transport string `json:"transport,omitempty" yaml:"transport,omitempty" toml:"transport,omitempty"`
	Type      string `json:"type,omitempty" yaml:"type,omitempty" toml:"type,omitempty"`

	Command string            `json:"command,omitempty" yaml:"command,omitempty" toml:"command,omitempty"`
	Args    []string          `json:"args,omitempty" yaml:"args,omitempty" toml:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty" yaml:"env,omitempty" toml:"env,omitempty"`
	Cwd     string            `json:"cwd,omitempty" yaml:"cwd,omitempty" toml:"cwd,omitempty"`
	Stderr  string            `json:"stderr,omitempty" yaml:"stderr,omitempty" toml:"stderr,omitempty"`
	Restart *RawRetryPolicy   `json:"restart,omitempty" yaml:"restart,omitempty" toml:"restart,omitempty"`

	URL                  string            `json:"url,omitempty" yaml:"url,omitempty" toml:"url,omitempty"`
	Headers              map[string]string `json:"headers,omitempty" yaml:"headers,omitempty" toml:"headers,omitempty"`
	Reconnect            *RawRetryPolicy   `json:"reconnect,omitempty" yaml:"reconnect,omitempty" toml:"reconnect,omitempty"`
	AutomaticSSEFallback *bool             `json:"automaticSSEFallback,omitempty" yaml:"automaticSSEFallback,omitempty" toml:"automaticSSEFallback,omitempty"`

	TimeoutMs *int `json:"timeoutMs,omitempty" yaml:"timeoutMs,omitempty" toml:"timeoutMs,omitempty"`
}

// NormalizeRawConfigs converts file-level server entries to typed configs and
// validates them. ${VAR} references in env and header values are expanded
// from the process environment.
func NormalizeRawConfigs(raw map[string]RawServerConfig) (map[string]ServerConfig, error) {
	if len(raw) == 0 {
		return nil, ErrNoServers
	}
	names := make([]string, 0, len(raw))
	for name := range raw {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make(map[string]ServerConfig, len(raw))
	for _, name := range names {
		cfg, err := normalizeRaw(name, raw[name])
		if err != nil {
			return nil, err
		}
		out[name] = cfg
	}
	return ValidateConfigs(out)
}

func normalizeRaw(name string, r RawServerConfig) (ServerConfig, error) {
	tag, err := resolveTag(name, r)
	if err != nil {
		return nil, err
	}
	base := BaseServerConfig{}
	if r.TimeoutMs != nil {
		base.Timeout = time.Duration(*r.TimeoutMs) * time.Millisecond
	}
	switch tag {
	case TransportStdio:
		if r.URL != "" {
			return nil, &ConfigValidationError{Server: name, Field: "url", Reason: "not allowed for stdio transport"}
		}
		env := make(map[string]string, len(r.Env))
		for k, v := range r.Env {
			env[k] = os.ExpandEnv(v)
		}
		return &StdioServerConfig{
			BaseServerConfig: base,
			Command:          r.Command,
			Args:             append([]string(nil), r.Args...),
			Env:              env,
			Dir:              r.Cwd,
			Stderr:           StderrMode(r.Stderr),
			Restart:          rawPolicy(r.Restart),
		}, nil
	case TransportSSE:
		if r.Command != "" {
			return nil, &ConfigValidationError{Server: name, Field: "command", Reason: "not allowed for sse transport"}
		}
		return &SSEServerConfig{
			BaseServerConfig: base,
			URL:              r.URL,
			Headers:          expandHeaders(r.Headers),
			Reconnect:        rawPolicy(r.Reconnect),
		}, nil
	default:
		if r.Command != "" {
			return nil, &ConfigValidationError{Server: name, Field: "command", Reason: "not allowed for http transport"}
		}
		cfg := &HTTPServerConfig{
			BaseServerConfig: base,
			URL:              r.URL,
			Headers:          expandHeaders(r.Headers),
			Reconnect:        rawPolicy(r.Reconnect),
		}
		if r.AutomaticSSEFallback != nil {
			cfg.DisableSSEFallback = !*r.AutomaticSSEFallback
		}
		return cfg, nil
	}
}

func resolveTag(name string, r RawServerConfig) (TransportKind, error) {
	tag := r.Transport
	if tag == "" {
		tag = r.Type
	} else if r.Type != "" && r.Type != r.Transport {
		return "", &ConfigValidationError{Server: name, Field: "transport", Reason: fmt.Sprintf("conflicts with type %q", r.Type)}
	}
	switch strings.ToLower(tag) {
	case "stdio":
		return TransportStdio, nil
	case "sse":
		return TransportSSE, nil
	case "http", "streamable_http", "streamable-http", "streamablehttp":
		return TransportHTTP, nil
	case "":
		switch {
		case r.Command != "" && r.URL != "":
			return "", &ConfigValidationError{Server: name, Field: "transport", Reason: "cannot infer transport when both command and url are set"}
		case r.Command != "":
			return TransportStdio, nil
		case r.URL != "":
			return TransportHTTP, nil
		}
		return "", &ConfigValidationError{Server: name, Field: "transport", Reason: "one of command or url is required"}
	default:
		return "", &ConfigValidationError{Server: name, Field: "transport", Reason: fmt.Sprintf("unknown transport %q", tag)}
	}
}

func rawPolicy(r *RawRetryPolicy) *RetryPolicy {
	if r == nil {
		return nil
	}
	p := &RetryPolicy{MaxAttempts: DefaultMaxAttempts, Delay: DefaultRetryDelay}
	if r.Enabled != nil {
		p.Enabled = *r.Enabled
	}
	if r.MaxAttempts != nil {
		p.MaxAttempts = *r.MaxAttempts
	}
	if r.DelayMs != nil {
		p.Delay = time.Duration(*r.DelayMs) * time.Millisecond
	}
	if r.Multiplier != nil {
		p.Multiplier = *r.Multiplier
	}
	if r.MaxDelayMs != nil {
		p.MaxDelay = time.Duration(*r.MaxDelayMs) * time.Millisecond
	}
	return p
}

func expandHeaders(in map[string]string) http.Header {
	if len(in) == 0 {
		return nil
	}
	out := make(http.Header, len(in))
	for k, v := range in {
		out.Set(k, os.ExpandEnv(v))
	}
	return out
}
