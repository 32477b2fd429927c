package mcpmgr

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// ConfigFormat names a supported config file syntax.
type ConfigFormat string

const (
	FormatJSON ConfigFormat = "json"
	FormatYAML ConfigFormat = "yaml"
	FormatTOML ConfigFormat = "toml"
)

// FileConfig is the document shape of an MCP servers config file.
type FileConfig struct {
	MCPServers            map[string]RawServerConfig `json:"mcpServers"`
	ToolNamePrefix        string                     `json:"toolNamePrefix,omitempty"`
	QualifyWithServerName *bool                      `json:"qualifyWithServerName,omitempty"`
	OnConnectionError     string                     `json:"onConnectionError,omitempty"`

	// ServerOrder lists the server names in the order the document declares
	// them.
	ServerOrder []string `json:"-"`
}

// ServerConfigs converts the file's server entries to validated configs.
func (f *FileConfig) ServerConfigs() (map[string]ServerConfig, error) {
	return NormalizeRawConfigs(f.MCPServers)
}

// ManagerOptions returns the manager-level settings carried by the file.
func (f *FileConfig) ManagerOptions() (ManagerOptions, error) {
	policy, err := ParseErrorPolicy(f.OnConnectionError)
	if err != nil {
		return ManagerOptions{}, err
	}
	opts := ManagerOptions{
		ToolNamePrefix:    f.ToolNamePrefix,
		OnConnectionError: policy,
		ServerOrder:       slices.Clone(f.ServerOrder),
	}
	if f.QualifyWithServerName != nil {
		opts.QualifyWithServerName = *f.QualifyWithServerName
	}
	return opts, nil
}

// FormatFromPath picks a format from a file extension. Unknown extensions
// are treated as JSON.
func FormatFromPath(path string) ConfigFormat {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	case ".toml":
		return FormatTOML
	default:
		return FormatJSON
	}
}

// LoadConfigFile reads and parses the config file at path.
func LoadConfigFile(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("mcpmgr: read config %s: %w", path, err)
	}
	cfg, err := ParseConfig(data, FormatFromPath(path))
	if err != nil {
		return nil, fmt.Errorf("mcpmgr: load config %s: %w", path, err)
	}
	return cfg, nil
}

// ParseConfig decodes a config document. JSON input may contain comments
// and trailing commas. Both the {"mcpServers": {...}} wrapper and a bare
// map of servers are accepted.
func ParseConfig(data []byte, format ConfigFormat) (*FileConfig, error) {
	var doc any
	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("mcpmgr: parse yaml: %w", err)
		}
	case FormatTOML:
		var m map[string]any
		if err := toml.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("mcpmgr: parse toml: %w", err)
		}
		doc = m
	case FormatJSON, "":
		if err := json.Unmarshal(jsonc.ToJSON(data), &doc); err != nil {
			return nil, fmt.Errorf("mcpmgr: parse json: %w", err)
		}
	default:
		return nil, fmt.Errorf("mcpmgr: unsupported config format %q", format)
	}

	// Round-trip through JSON so every syntax yields the same value types
	// for schema validation and decoding.
	normalized, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("mcpmgr: normalize config: %w", err)
	}
	var instance any
	if err := json.Unmarshal(normalized, &instance); err != nil {
		return nil, fmt.Errorf("mcpmgr: normalize config: %w", err)
	}
	obj, ok := instance.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("mcpmgr: config must be an object")
	}
	if _, wrapped := obj["mcpServers"]; !wrapped {
		obj = map[string]any{"mcpServers": obj}
		if normalized, err = json.Marshal(obj); err != nil {
			return nil, fmt.Errorf("mcpmgr: normalize config: %w", err)
		}
	}
	if err := validateDocument(obj); err != nil {
		return nil, err
	}

	var cfg FileConfig
	if err := json.Unmarshal(normalized, &cfg); err != nil {
		return nil, fmt.Errorf("mcpmgr: decode config: %w", err)
	}
	if len(cfg.MCPServers) == 0 {
		return nil, ErrNoServers
	}
	cfg.ServerOrder = completeOrder(declaredServerOrder(data, format), cfg.MCPServers)
	return &cfg, nil
}

// declaredServerOrder recovers the order of the server keys from the raw
// document. Maps lose it once decoded. It returns nil when the document
// cannot be walked.
func declaredServerOrder(data []byte, format ConfigFormat) []string {
	switch format {
	case FormatYAML:
		return yamlServerOrder(data)
	case FormatTOML:
		return tomlServerOrder(data)
	default:
		return jsonServerOrder(jsonc.ToJSON(data))
	}
}

func jsonServerOrder(data []byte) []string {
	keys, values := jsonObjectKeys(data)
	if raw, ok := values["mcpServers"]; ok {
		keys, _ = jsonObjectKeys(raw)
	}
	return keys
}

func jsonObjectKeys(data []byte) ([]string, map[string]json.RawMessage) {
	dec := json.NewDecoder(bytes.NewReader(data))
	if tok, err := dec.Token(); err != nil || tok != json.Delim('{') {
		return nil, nil
	}
	var keys []string
	values := make(map[string]json.RawMessage)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, nil
		}
		key, ok := tok.(string)
		if !ok {
			return nil, nil
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, nil
		}
		keys = append(keys, key)
		values[key] = raw
	}
	return keys, values
}

func yamlServerOrder(data []byte) []string {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil
	}
	node := &root
	if node.Kind == yaml.DocumentNode && len(node.Content) > 0 {
		node = node.Content[0]
	}
	if node.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i].Value == "mcpServers" && node.Content[i+1].Kind == yaml.MappingNode {
			node = node.Content[i+1]
			break
		}
	}
	keys := make([]string, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		keys = append(keys, node.Content[i].Value)
	}
	return keys
}

func tomlServerOrder(data []byte) []string {
	var doc map[string]any
	md, err := toml.Decode(string(data), &doc)
	if err != nil {
		return nil
	}
	wrapped := md.IsDefined("mcpServers")
	var keys []string
	for _, key := range md.Keys() {
		switch {
		case wrapped && len(key) == 2 && key[0] == "mcpServers":
			keys = append(keys, key[1])
		case !wrapped && len(key) == 1:
			keys = append(keys, key[0])
		}
	}
	return keys
}
