// Copyright 2026 © The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package mcptool

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/loomworks/loom/pkg/core"
	"github.com/loomworks/loom/pkg/sandbox"
)

// Source turns one MCP server into a set of Loom tools. Handler names are
// namespaced "mcp.<server>.<tool>" so servers never collide with built-in
// handlers or each other.
type Source struct {
	name   string
	caller Caller
}

// NewSource creates a source for one server connection.
func NewSource(name string, caller Caller) *Source {
	return &Source{name: name, caller: caller}
}

// Register discovers the server's tools, binds a proxy handler for each and
// returns the converted tool definitions.
func (s *Source) Register(ctx context.Context, handlers *sandbox.HandlerRegistry) ([]core.Tool, error) {
	discovered, err := s.caller.ListTools(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tools on %s: %w", s.name, err)
	}

	tools := make([]core.Tool, 0, len(discovered))
	for _, def := range discovered {
		if def.Name == "" {
			continue
		}
		handlerName := fmt.Sprintf("mcp.%s.%s", s.name, def.Name)
		tools = append(tools, core.Tool{
			Name:        def.Name,
			Description: def.Description,
			Parameters:  paramsFromSchema(def.InputSchema),
			Handler:     handlerName,
		})
		handlers.Register(handlerName, s.proxyHandler(def.Name))
	}
	return tools, nil
}

// proxyHandler forwards a sandbox dispatch to the MCP server.
func (s *Source) proxyHandler(toolName string) sandbox.Handler {
	return func(ctx context.Context, _ *sandbox.Caps, params map[string]any) (any, error) {
		result, err := s.caller.CallTool(ctx, toolName, params)
		if err != nil {
			return nil, err
		}
		return resultOutput(result)
	}
}

// paramsFromSchema flattens a JSON Schema object into the declared
// parameter model. Unknown or nested schema constructs degrade to the
// object type; the server validates its own arguments anyway.
func paramsFromSchema(schema mcp.ToolInputSchema) []core.Param {
	if len(schema.Properties) == 0 {
		return nil
	}
	required := make(map[string]bool, len(schema.Required))
	for _, name := range schema.Required {
		required[name] = true
	}

	params := make([]core.Param, 0, len(schema.Properties))
	for name, raw := range schema.Properties {
		param := core.Param{Name: name, Type: core.TypeObject, Required: required[name]}
		if prop, ok := raw.(map[string]any); ok {
			if t, ok := prop["type"].(string); ok {
				param.Type = paramType(t)
			}
			if d, ok := prop["description"].(string); ok {
				param.Description = d
			}
		}
		params = append(params, param)
	}
	return params
}

func paramType(schemaType string) core.ParamType {
	switch schemaType {
	case "string":
		return core.TypeString
	case "number", "integer":
		return core.TypeNumber
	case "boolean":
		return core.TypeBoolean
	case "array":
		return core.TypeArray
	default:
		return core.TypeObject
	}
}

// resultOutput unwraps a call result into a plain tool output value.
func resultOutput(result *mcp.CallToolResult) (any, error) {
	if result == nil {
		return nil, fmt.Errorf("mcp tool result is nil")
	}
	if result.IsError {
		return nil, fmt.Errorf("mcp tool failed: %s", textContent(result.Content))
	}
	if result.StructuredContent != nil {
		return result.StructuredContent, nil
	}
	if text := textContent(result.Content); text != "" {
		return text, nil
	}
	return result, nil
}

func textContent(items []mcp.Content) string {
	var parts []string
	for _, item := range items {
		switch content := item.(type) {
		case mcp.TextContent:
			parts = append(parts, content.Text)
		case *mcp.TextContent:
			parts = append(parts, content.Text)
		}
	}
	return strings.Join(parts, "\n")
}
