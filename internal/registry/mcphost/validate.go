package mcphost

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// schemaCompileCounter gives each compiled schema a unique resource URL; the
// compiler only needs the URLs to stay distinct across calls.
var schemaCompileCounter atomic.Uint64

// validateArgs checks a tool call's JSON args against its declared parameter
// schema, catching a malformed call before it ever reaches a built-in
// handler or an MCP server. A tool with no declared Parameters (nil or
// empty) is treated as schema-free and always passes.
func validateArgs(params map[string]any, args string) error {
	if len(params) == 0 {
		return nil
	}

	if args == "" {
		args = "{}"
	}
	var instance any
	if err := json.Unmarshal([]byte(args), &instance); err != nil {
		return fmt.Errorf("mcp host: args is not valid JSON: %w", err)
	}

	schema, err := compileParamSchema(params)
	if err != nil {
		return fmt.Errorf("mcp host: compile parameter schema: %w", err)
	}

	if err := schema.Validate(instance); err != nil {
		return fmt.Errorf("mcp host: args failed schema validation: %w", err)
	}
	return nil
}

var schemaCache sync.Map // map[string]*jsonschema.Schema, keyed by marshaled schema

func compileParamSchema(params map[string]any) (*jsonschema.Schema, error) {
	data, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	key := string(data)
	if cached, ok := schemaCache.Load(key); ok {
		return cached.(*jsonschema.Schema), nil
	}

	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}

	url := fmt.Sprintf("tool-params-%d.json", schemaCompileCounter.Add(1))
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	schemaCache.Store(key, schema)
	return schema, nil
}
