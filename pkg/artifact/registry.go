// Copyright 2026 © The Loom Authors
// SPDX-License-Identifier: Apache-2.0

// Package artifact tracks local files produced by tool calls during a run
// and reconciles the model's final text against them.
package artifact

import (
	"encoding/json"
	"path"
	"strings"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/tidwall/gjson"

	"github.com/loomworks/loom/pkg/core"
)

// nestedKeys are the conventional wrapper keys tools use for file lists.
var nestedKeys = []string{"files", "images", "documents", "artifacts", "results"}

var imageExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true,
	".webp": true, ".svg": true, ".bmp": true,
}

var documentExtensions = map[string]bool{
	".doc": true, ".docx": true, ".txt": true, ".md": true,
	".csv": true, ".xlsx": true, ".xls": true, ".pptx": true,
}

// Registry collects artifacts for one run. Artifacts are created exactly
// once per first-seen distinct URL and never mutated afterwards.
type Registry struct {
	mu        sync.Mutex
	artifacts []core.Artifact
	byURL     map[string]bool
}

// NewRegistry creates an empty per-run registry.
func NewRegistry() *Registry {
	return &Registry{byURL: make(map[string]bool)}
}

// RegisterToolOutput inspects an arbitrary-shaped tool result for local
// file references and records any found. Values that do not marshal to
// JSON, and URLs that are not site-relative paths, are ignored.
func (r *Registry) RegisterToolOutput(toolName string, output any) {
	if output == nil {
		return
	}
	data, err := json.Marshal(output)
	if err != nil {
		return
	}
	root := gjson.ParseBytes(data)

	switch {
	case root.IsObject():
		r.tryAdd(toolName, root)
		for _, key := range nestedKeys {
			if nested := root.Get(key); nested.IsArray() {
				for _, item := range nested.Array() {
					r.tryAdd(toolName, item)
				}
			}
		}
	case root.IsArray():
		for _, item := range root.Array() {
			r.tryAdd(toolName, item)
		}
	}
}

// tryAdd records one candidate object if it carries a local URL. Non-local
// URLs (external search results, absolute remote links) are never tracked.
func (r *Registry) tryAdd(toolName string, v gjson.Result) {
	if !v.IsObject() {
		return
	}
	url := v.Get("url").String()
	if !strings.HasPrefix(url, "/") {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.byURL[url] {
		return
	}
	r.byURL[url] = true

	filename := v.Get("filename").String()
	if filename == "" {
		filename = path.Base(url)
	}
	title := v.Get("title").String()
	if title == "" {
		title = v.Get("name").String()
	}

	r.artifacts = append(r.artifacts, core.Artifact{
		ID:        newArtifactID(),
		Tool:      toolName,
		Type:      classify(filename),
		URL:       url,
		Title:     title,
		Filename:  filename,
		CreatedAt: time.Now().UTC(),
	})
}

// Artifacts returns the tracked artifacts in registration order.
func (r *Registry) Artifacts() []core.Artifact {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]core.Artifact(nil), r.artifacts...)
}

// classify derives the artifact type from the filename extension.
func classify(filename string) core.ArtifactType {
	ext := strings.ToLower(path.Ext(filename))
	switch {
	case imageExtensions[ext]:
		return core.ArtifactImage
	case ext == ".pdf":
		return core.ArtifactPDF
	case documentExtensions[ext]:
		return core.ArtifactDocument
	default:
		return core.ArtifactFile
	}
}

func newArtifactID() string {
	id, err := gonanoid.New()
	if err != nil {
		return "artifact-unknown"
	}
	return id
}
