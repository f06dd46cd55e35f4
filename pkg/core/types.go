// Copyright 2026 © The Loom Authors
// SPDX-License-Identifier: Apache-2.0

// Package core defines the shared data model for the Loom engine: tools,
// skills, runs and artifacts.
package core

import "time"

// ParamType is the minimal parameter type model for tool and skill inputs.
type ParamType string

const (
	TypeString  ParamType = "string"
	TypeNumber  ParamType = "number"
	TypeBoolean ParamType = "boolean"
	TypeArray   ParamType = "array"
	TypeObject  ParamType = "object"
)

// Param declares one named parameter of a tool or skill input schema.
type Param struct {
	Name        string    `json:"name" yaml:"name"`
	Type        ParamType `json:"type" yaml:"type"`
	Description string    `json:"description,omitempty" yaml:"description,omitempty"`
	Required    bool      `json:"required,omitempty" yaml:"required,omitempty"`
}

// Tool is a named, independently callable action with declared parameters.
// Tools are immutable once loaded into a run; capabilities reference them by
// name and never copy them.
type Tool struct {
	Name        string  `json:"name" yaml:"name"`
	Description string  `json:"description" yaml:"description"`
	Parameters  []Param `json:"parameters,omitempty" yaml:"parameters,omitempty"`

	// Handler names the executable logic in the sandbox handler registry.
	Handler string `json:"handler" yaml:"handler"`

	// MaxCalls overrides the default per-run call quota when > 0.
	MaxCalls int `json:"max_calls,omitempty" yaml:"max_calls,omitempty"`
}

// Skill is a natural-language task definition plus a tool allow-list and an
// input schema. It references tools by name; resolution against the live
// tool set happens at run start and missing tools are skipped.
type Skill struct {
	Name        string   `json:"name" yaml:"name"`
	Description string   `json:"description" yaml:"description"`
	Prompt      string   `json:"prompt,omitempty" yaml:"prompt,omitempty"`
	Tools       []string `json:"tools,omitempty" yaml:"tools,omitempty"`
	Inputs      []Param  `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Credentials []string `json:"credentials,omitempty" yaml:"credentials,omitempty"`
}

// ArtifactType classifies a produced file by extension.
type ArtifactType string

const (
	ArtifactImage    ArtifactType = "image"
	ArtifactPDF      ArtifactType = "pdf"
	ArtifactDocument ArtifactType = "document"
	ArtifactFile     ArtifactType = "file"
)

// Artifact is a tracked local file produced by a tool call during a run.
// URL is always a site-relative path beginning with "/"; external links are
// never tracked.
type Artifact struct {
	ID        string       `json:"id"`
	Tool      string       `json:"tool"`
	Type      ArtifactType `json:"type"`
	URL       string       `json:"url"`
	Title     string       `json:"title,omitempty"`
	Filename  string       `json:"filename"`
	CreatedAt time.Time    `json:"created_at"`
}

// ToolCallRecord is one ledger entry, written for every sandbox dispatch
// regardless of success or failure.
type ToolCallRecord struct {
	Tool       string         `json:"tool"`
	Input      map[string]any `json:"input"`
	Output     any            `json:"output"`
	DurationMs int64          `json:"duration_ms"`
}

// RunStatus is the terminal state of a run.
type RunStatus string

const (
	RunSuccess RunStatus = "success"
	RunError   RunStatus = "error"
)

// RunResult is the structured outcome of one end-to-end execution. Every run
// terminates with one of these; the boundary never lets a fault escape as a
// raw error.
type RunResult struct {
	ID        string           `json:"id"`
	Skill     string           `json:"skill"`
	Status    RunStatus        `json:"status"`
	Output    string           `json:"output"`
	Error     string           `json:"error,omitempty"`
	Logs      []string         `json:"logs"`
	ToolCalls []ToolCallRecord `json:"tool_calls"`
	Artifacts []Artifact       `json:"artifacts"`
	StartedAt time.Time        `json:"started_at"`
	Duration  time.Duration    `json:"duration"`
}
