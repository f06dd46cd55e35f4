// Copyright 2026 © The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// CredentialSource resolves decrypted credentials by name. Implemented by
// the persistence collaborator.
type CredentialSource interface {
	Credential(ctx context.Context, name string) (string, bool)
}

// HTTPResponse is the result of an outbound request. Non-2xx statuses are
// not errors; tool logic inspects Status itself.
type HTTPResponse struct {
	Status  int               `json:"status"`
	Body    string            `json:"body"`
	Headers map[string]string `json:"headers"`
}

// Caps is the narrow capability surface handed to tool logic. It is the
// only access a tool has to the outside world: no run state, no other
// tools, no model loop.
type Caps struct {
	runID   string
	creds   CredentialSource
	client  *http.Client
	timeout time.Duration

	fileRoot string // on-disk root for produced files
	urlBase  string // site-relative prefix for produced files, e.g. "/files"

	logSink func(string)
}

// CapsOptions configures a capability surface for one run.
type CapsOptions struct {
	RunID       string
	Credentials CredentialSource
	HTTPTimeout time.Duration
	FileRoot    string
	URLBase     string
	LogSink     func(string)
}

// NewCaps builds the capability surface for one run.
func NewCaps(opts CapsOptions) *Caps {
	timeout := opts.HTTPTimeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	urlBase := opts.URLBase
	if urlBase == "" {
		urlBase = "/files"
	}
	return &Caps{
		runID:    opts.RunID,
		creds:    opts.Credentials,
		client:   &http.Client{Timeout: timeout},
		timeout:  timeout,
		fileRoot: opts.FileRoot,
		urlBase:  strings.TrimRight(urlBase, "/"),
		logSink:  opts.LogSink,
	}
}

// Credential looks up a credential by name. Absent credentials return
// ok=false, never an error.
func (c *Caps) Credential(ctx context.Context, name string) (string, bool) {
	if c.creds == nil {
		return "", false
	}
	return c.creds.Credential(ctx, name)
}

// Request performs an outbound HTTP call. Only transport failures return an
// error; any HTTP status comes back in the response for the tool to inspect.
func (c *Caps) Request(ctx context.Context, method, url string, headers map[string]string, body string) (HTTPResponse, error) {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return HTTPResponse{}, fmt.Errorf("build request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return HTTPResponse{}, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return HTTPResponse{}, fmt.Errorf("read response: %w", err)
	}

	out := HTTPResponse{Status: resp.StatusCode, Body: string(data), Headers: map[string]string{}}
	for k := range resp.Header {
		out.Headers[k] = resp.Header.Get(k)
	}
	return out, nil
}

// Log emits one log line into the run's log.
func (c *Caps) Log(msg string) {
	if c.logSink != nil {
		c.logSink(msg)
	}
}

// SaveFile persists content under the run's file directory and returns the
// canonical site-relative URL.
func (c *Caps) SaveFile(name string, content []byte) (string, error) {
	name = filepath.Base(strings.TrimSpace(name))
	if name == "" || name == "." || name == string(filepath.Separator) {
		return "", fmt.Errorf("invalid filename %q", name)
	}

	dir := filepath.Join(c.fileRoot, c.runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create file dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), content, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}

	return c.urlBase + "/" + c.runID + "/" + name, nil
}

// FetchAndSave downloads a remote file and persists it locally, returning
// the canonical site-relative URL.
func (c *Caps) FetchAndSave(ctx context.Context, remoteURL, name string) (string, error) {
	resp, err := c.Request(ctx, http.MethodGet, remoteURL, nil, "")
	if err != nil {
		return "", err
	}
	if resp.Status < 200 || resp.Status >= 300 {
		return "", fmt.Errorf("fetch returned status %d", resp.Status)
	}
	return c.SaveFile(name, []byte(resp.Body))
}
