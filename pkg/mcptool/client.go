// Copyright 2026 © The Loom Authors
// SPDX-License-Identifier: Apache-2.0

// Package mcptool exposes tools served by MCP servers as regular Loom
// tools: definitions convert to the shared tool model and execution proxies
// through the sandbox handler registry.
package mcptool

import (
	"context"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/loomworks/loom/pkg/resilience"
)

const (
	defaultTimeout  = 10 * time.Second
	defaultCacheTTL = 30 * time.Second
)

// Caller abstracts an MCP connection for the tool source.
type Caller interface {
	ListTools(ctx context.Context) ([]mcp.Tool, error)
	CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error)
}

// ClientOption customizes the client wrapper.
type ClientOption func(*Client)

// WithTimeout sets the per-request timeout.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// WithRetry overrides the transport retry policy.
func WithRetry(retry resilience.RetryConfig) ClientOption {
	return func(c *Client) {
		c.retry = retry
	}
}

// WithToolCacheTTL sets the discovery cache TTL. Zero disables caching.
func WithToolCacheTTL(ttl time.Duration) ClientOption {
	return func(c *Client) {
		if ttl >= 0 {
			c.cacheTTL = ttl
		}
	}
}

// Client wraps an mcp-go client with timeouts, transport retries and a
// short-lived tool discovery cache.
type Client struct {
	mcp      client.MCPClient
	timeout  time.Duration
	retry    resilience.RetryConfig
	cacheTTL time.Duration

	mu          sync.Mutex
	toolsCache  []mcp.Tool
	cacheExpiry time.Time
}

// NewClient wraps an existing MCP client implementation.
func NewClient(c client.MCPClient, opts ...ClientOption) *Client {
	wrapped := &Client{
		mcp:      c,
		timeout:  defaultTimeout,
		retry:    resilience.DefaultRetryConfig(),
		cacheTTL: defaultCacheTTL,
	}
	for _, opt := range opts {
		opt(wrapped)
	}
	return wrapped
}

// Connect starts an MCP server subprocess over stdio and initializes the
// session.
func Connect(command string, args []string, opts ...ClientOption) (*Client, error) {
	stdio, err := client.NewStdioMCPClient(command, nil, args...)
	if err != nil {
		return nil, err
	}
	if err := stdio.Start(context.Background()); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    "loom-client",
		Version: "0.1.0",
	}
	if _, err := stdio.Initialize(ctx, initReq); err != nil {
		return nil, err
	}
	return NewClient(stdio, opts...), nil
}

// ListTools returns the server's tools, served from cache when fresh.
func (c *Client) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	if cached := c.cachedTools(); cached != nil {
		return cached, nil
	}

	value, err := c.retry.DoWithResult(ctx, func() (interface{}, error) {
		reqCtx, cancel := c.withTimeout(ctx)
		defer cancel()
		return c.mcp.ListTools(reqCtx, mcp.ListToolsRequest{})
	})
	if err != nil {
		return nil, err
	}
	tools := value.(*mcp.ListToolsResult).Tools
	c.storeTools(tools)
	return tools, nil
}

// CallTool executes a tool on the server.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	value, err := c.retry.DoWithResult(ctx, func() (interface{}, error) {
		reqCtx, cancel := c.withTimeout(ctx)
		defer cancel()
		return c.mcp.CallTool(reqCtx, req)
	})
	if err != nil {
		return nil, err
	}
	return value.(*mcp.CallToolResult), nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.mcp.Close()
}

func (c *Client) cachedTools() []mcp.Tool {
	if c.cacheTTL == 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.toolsCache) == 0 || time.Now().After(c.cacheExpiry) {
		return nil
	}
	out := make([]mcp.Tool, len(c.toolsCache))
	copy(out, c.toolsCache)
	return out
}

func (c *Client) storeTools(tools []mcp.Tool) {
	if c.cacheTTL == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.toolsCache = make([]mcp.Tool, len(tools))
	copy(c.toolsCache, tools)
	c.cacheExpiry = time.Now().Add(c.cacheTTL)
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}
