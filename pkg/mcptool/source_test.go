// Copyright 2026 © The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package mcptool

import (
	"context"
	"fmt"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/loomworks/loom/pkg/core"
	"github.com/loomworks/loom/pkg/sandbox"
)

type fakeCaller struct {
	tools []mcp.Tool
	calls []string
	args  []map[string]any
}

func (f *fakeCaller) ListTools(_ context.Context) ([]mcp.Tool, error) {
	return f.tools, nil
}

func (f *fakeCaller) CallTool(_ context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	f.calls = append(f.calls, name)
	f.args = append(f.args, args)
	if name == "broken" {
		return &mcp.CallToolResult{
			IsError: true,
			Content: []mcp.Content{mcp.TextContent{Type: "text", Text: "upstream exploded"}},
		}, nil
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: "result for " + name}},
	}, nil
}

func searchTool() mcp.Tool {
	return mcp.Tool{
		Name:        "web-search",
		Description: "searches the web",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"query": map[string]any{"type": "string", "description": "search terms"},
				"limit": map[string]any{"type": "integer"},
			},
			Required: []string{"query"},
		},
	}
}

func TestRegisterConvertsDefinitions(t *testing.T) {
	caller := &fakeCaller{tools: []mcp.Tool{searchTool()}}
	handlers := sandbox.NewHandlerRegistry()

	tools, err := NewSource("search-srv", caller).Register(context.Background(), handlers)
	if err != nil {
		t.Fatal(err)
	}
	if len(tools) != 1 {
		t.Fatalf("tools: %d", len(tools))
	}

	tool := tools[0]
	if tool.Name != "web-search" || tool.Handler != "mcp.search-srv.web-search" {
		t.Errorf("unexpected conversion: %+v", tool)
	}
	byName := make(map[string]core.Param)
	for _, p := range tool.Parameters {
		byName[p.Name] = p
	}
	if q := byName["query"]; q.Type != core.TypeString || !q.Required || q.Description != "search terms" {
		t.Errorf("query param: %+v", q)
	}
	if l := byName["limit"]; l.Type != core.TypeNumber || l.Required {
		t.Errorf("limit param: %+v", l)
	}

	if _, ok := handlers.Get("mcp.search-srv.web-search"); !ok {
		t.Error("proxy handler not registered")
	}
}

func TestProxyHandlerForwardsCall(t *testing.T) {
	caller := &fakeCaller{tools: []mcp.Tool{searchTool()}}
	handlers := sandbox.NewHandlerRegistry()
	if _, err := NewSource("search-srv", caller).Register(context.Background(), handlers); err != nil {
		t.Fatal(err)
	}

	handler, _ := handlers.Get("mcp.search-srv.web-search")
	out, err := handler(context.Background(), nil, map[string]any{"query": "go testing"})
	if err != nil {
		t.Fatal(err)
	}
	if out != "result for web-search" {
		t.Errorf("output %v", out)
	}
	if len(caller.calls) != 1 || caller.calls[0] != "web-search" {
		t.Errorf("calls %v", caller.calls)
	}
	if caller.args[0]["query"] != "go testing" {
		t.Errorf("args %v", caller.args[0])
	}
}

func TestProxyHandlerSurfacesServerErrors(t *testing.T) {
	caller := &fakeCaller{tools: []mcp.Tool{{Name: "broken", Description: "always fails"}}}
	handlers := sandbox.NewHandlerRegistry()
	if _, err := NewSource("srv", caller).Register(context.Background(), handlers); err != nil {
		t.Fatal(err)
	}

	handler, _ := handlers.Get("mcp.srv.broken")
	_, err := handler(context.Background(), nil, nil)
	if err == nil {
		t.Fatal("server-side error must surface")
	}
	if got := err.Error(); got != fmt.Sprintf("mcp tool failed: %s", "upstream exploded") {
		t.Errorf("error %q", got)
	}
}

func TestStructuredContentPreferred(t *testing.T) {
	result := &mcp.CallToolResult{
		StructuredContent: map[string]any{"url": "/files/run-1/out.pdf"},
		Content:           []mcp.Content{mcp.TextContent{Type: "text", Text: "ignored"}},
	}
	out, err := resultOutput(result)
	if err != nil {
		t.Fatal(err)
	}
	m, ok := out.(map[string]any)
	if !ok || m["url"] != "/files/run-1/out.pdf" {
		t.Errorf("output %v", out)
	}
}
