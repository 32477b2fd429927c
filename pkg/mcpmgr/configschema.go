package mcpmgr

import (
	"fmt"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"
)

var (
	documentSchemaOnce sync.Once
	documentSchema     *jsonschema.Resolved
	documentSchemaErr  error
)

func validateDocument(doc map[string]any) error {
	documentSchemaOnce.Do(func() {
		documentSchema, documentSchemaErr = configDocumentSchema().Resolve(nil)
	})
	if documentSchemaErr != nil {
		return fmt.Errorf("mcpmgr: config schema: %w", documentSchemaErr)
	}
	if err := documentSchema.Validate(doc); err != nil {
		return &ConfigValidationError{Reason: "does not match schema", Err: err}
	}
	return nil
}

func configDocumentSchema() *jsonschema.Schema {
	str := func() *jsonschema.Schema { return &jsonschema.Schema{Type: "string"} }
	nonNegInt := func() *jsonschema.Schema {
		return &jsonschema.Schema{Type: "integer", Minimum: ptr(0.0)}
	}
	stringMap := func() *jsonschema.Schema {
		return &jsonschema.Schema{Type: "object", AdditionalProperties: str()}
	}
	// Each use needs its own *Schema value.
	retry := func() *jsonschema.Schema {
		return &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"enabled":     {Type: "boolean"},
				"maxAttempts": nonNegInt(),
				"delayMs":     nonNegInt(),
				"multiplier":  {Type: "number", Minimum: ptr(0.0)},
				"maxDelayMs":  nonNegInt(),
			},
		}
	}
	transport := func() *jsonschema.Schema {
		return &jsonschema.Schema{
			Type: "string",
			Enum: []any{"stdio", "sse", "http", "streamable_http", "streamable-http", "streamablehttp"},
		}
	}
	server := &jsonschema.Schema{
		Type: "object",
		Properties: map[string]*jsonschema.Schema{
			"transport":            transport(),
			"type":                 transport(),
			"command":              str(),
			"args":                 {Type: "array", Items: str()},
			"env":                  stringMap(),
			"cwd":                  str(),
			"stderr":               {Type: "string", Enum: []any{"inherit", "pipe", "ignore"}},
			"restart":              retry(),
			"url":                  str(),
			"headers":              stringMap(),
			"reconnect":            retry(),
			"automaticSSEFallback": {Type: "boolean"},
			"timeoutMs":            nonNegInt(),
		},
	}
	return &jsonschema.Schema{
		Type:     "object",
		Required: []string{"mcpServers"},
		Properties: map[string]*jsonschema.Schema{
			"mcpServers": {
				Type:                 "object",
				AdditionalProperties: server,
			},
			"toolNamePrefix":        str(),
			"qualifyWithServerName": {Type: "boolean"},
			"onConnectionError":     {Type: "string", Enum: []any{"throw", "ignore"}},
		},
	}
}

func ptr[T any](v T) *T { return &v }
