// Copyright 2026 © The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
)

// Handler is the executable logic behind a tool. It receives only the
// narrow capability surface and the validated parameters.
type Handler func(ctx context.Context, caps *Caps, params map[string]any) (any, error)

// HandlerRegistry resolves tool logic by name. Tool definitions are data;
// the handler reference is what binds them to code.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewHandlerRegistry creates a registry pre-loaded with the built-in
// handlers.
func NewHandlerRegistry() *HandlerRegistry {
	r := &HandlerRegistry{handlers: make(map[string]Handler)}
	r.Register("http-fetch", httpFetchHandler)
	r.Register("save-file", saveFileHandler)
	r.Register("fetch-and-save", fetchAndSaveHandler)
	return r
}

// Register binds a handler name to its logic, replacing any previous
// binding.
func (r *HandlerRegistry) Register(name string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = handler
}

// Get returns the handler for a name.
func (r *HandlerRegistry) Get(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	handler, ok := r.handlers[name]
	return handler, ok
}

// httpFetchHandler performs a generic outbound request. Params: url
// (required), method, headers (object of strings), body.
func httpFetchHandler(ctx context.Context, caps *Caps, params map[string]any) (any, error) {
	url, _ := params["url"].(string)
	if strings.TrimSpace(url) == "" {
		return nil, fmt.Errorf("url is required")
	}
	method, _ := params["method"].(string)
	if method == "" {
		method = http.MethodGet
	}
	headers := map[string]string{}
	if raw, ok := params["headers"].(map[string]any); ok {
		for k, v := range raw {
			if s, ok := v.(string); ok {
				headers[k] = s
			}
		}
	}
	body, _ := params["body"].(string)

	resp, err := caps.Request(ctx, strings.ToUpper(method), url, headers, body)
	if err != nil {
		return nil, err
	}
	caps.Log(fmt.Sprintf("http-fetch %s %s -> %d", method, url, resp.Status))
	return map[string]any{
		"status":  resp.Status,
		"body":    resp.Body,
		"headers": resp.Headers,
	}, nil
}

// saveFileHandler persists text content as a downloadable file. Params:
// filename (required), content (required).
func saveFileHandler(_ context.Context, caps *Caps, params map[string]any) (any, error) {
	filename, _ := params["filename"].(string)
	content, _ := params["content"].(string)
	if strings.TrimSpace(filename) == "" {
		return nil, fmt.Errorf("filename is required")
	}

	url, err := caps.SaveFile(filename, []byte(content))
	if err != nil {
		return nil, err
	}
	caps.Log("saved file " + url)
	return map[string]any{"url": url, "filename": filename}, nil
}

// fetchAndSaveHandler mirrors a remote file locally. Params: url
// (required), filename (required).
func fetchAndSaveHandler(ctx context.Context, caps *Caps, params map[string]any) (any, error) {
	remote, _ := params["url"].(string)
	filename, _ := params["filename"].(string)
	if strings.TrimSpace(remote) == "" || strings.TrimSpace(filename) == "" {
		return nil, fmt.Errorf("url and filename are required")
	}

	url, err := caps.FetchAndSave(ctx, remote, filename)
	if err != nil {
		return nil, err
	}
	caps.Log("mirrored " + remote + " -> " + url)
	return map[string]any{"url": url, "filename": filename}, nil
}
