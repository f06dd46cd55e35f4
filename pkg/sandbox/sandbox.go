// Copyright 2026 © The Loom Authors
// SPDX-License-Identifier: Apache-2.0

// Package sandbox executes tool logic against validated parameters inside
// an isolated evaluation context, under global pacing and per-tool quotas.
// Execution faults never escape as exceptions: the model loop receives a
// structured error value it can react to.
package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/loomworks/loom/pkg/core"
	"github.com/loomworks/loom/pkg/errors"
	"github.com/loomworks/loom/pkg/telemetry"
)

// defaultQuotas caps named tools per run; expensive tools get lower caps.
// Tools absent from the map use Options.DefaultQuota.
var defaultQuotas = map[string]int{
	"web-search": 8,
	"http-fetch": 8,
	"send-email": 2,
}

const defaultQuota = 5

// Options configures a per-run sandbox.
type Options struct {
	RunID    string
	Tools    []core.Tool
	Handlers *HandlerRegistry
	Caps     *Caps

	// PacingGap is the process-wide minimum spacing between external calls.
	PacingGap time.Duration

	// DefaultQuota applies to tools with no entry in Quotas and no
	// definition override. Zero means the package default of 5.
	DefaultQuota int

	// Quotas overrides the built-in per-tool quota map when non-nil.
	Quotas map[string]int
}

// Sandbox dispatches tool calls for one run. Each run owns its own quota
// counters and ledger; only the pacing timestamp is shared process-wide.
type Sandbox struct {
	runID    string
	tools    map[string]core.Tool
	handlers *HandlerRegistry
	caps     *Caps
	gap      time.Duration
	quota    func(core.Tool) int
	tracer   trace.Tracer

	mu     sync.Mutex
	counts map[string]int
	ledger []core.ToolCallRecord
}

// New creates a sandbox for one run.
func New(opts Options) *Sandbox {
	tools := make(map[string]core.Tool, len(opts.Tools))
	for _, tool := range opts.Tools {
		tools[tool.Name] = tool
	}

	base := opts.DefaultQuota
	if base <= 0 {
		base = defaultQuota
	}
	quotas := opts.Quotas
	if quotas == nil {
		quotas = defaultQuotas
	}

	return &Sandbox{
		runID:    opts.RunID,
		tools:    tools,
		handlers: opts.Handlers,
		caps:     opts.Caps,
		gap:      opts.PacingGap,
		quota: func(tool core.Tool) int {
			if tool.MaxCalls > 0 {
				return tool.MaxCalls
			}
			if cap, ok := quotas[tool.Name]; ok {
				return cap
			}
			return base
		},
		tracer: otel.Tracer("loom/sandbox"),
		counts: make(map[string]int),
	}
}

// Execute runs one tool call. The returned error is non-nil only when the
// tool name does not resolve against the live tool set; every other fault
// (quota, validation, handler failure, panic) comes back as a structured
// {"error": ...} value so the loop keeps running.
func (s *Sandbox) Execute(ctx context.Context, toolName string, params map[string]any) (any, error) {
	tool, ok := s.tools[toolName]
	if !ok {
		return nil, errors.New(errors.CodeNotFound, fmt.Sprintf("tool %q not found", toolName), nil).
			WithContext("run_id", s.runID)
	}

	ctx, span := s.tracer.Start(ctx, "Sandbox.Execute", trace.WithAttributes(
		attribute.String("tool.name", toolName),
		attribute.String("run.id", s.runID),
	))
	defer span.End()

	log := slog.Default()
	start := time.Now()

	output := s.dispatch(ctx, tool, params)

	durationMs := time.Since(start).Milliseconds()
	s.record(core.ToolCallRecord{
		Tool:       toolName,
		Input:      params,
		Output:     output,
		DurationMs: durationMs,
	})

	_, failed := errorValue(output)
	if m := telemetry.GetRunMetrics(); m != nil {
		m.RecordToolCall(ctx, toolName, float64(durationMs), !failed)
	}
	if failed {
		log.Warn("sandbox.tool.error",
			slog.String("run_id", s.runID),
			slog.String("tool", toolName),
			slog.Int64("duration_ms", durationMs),
		)
	} else {
		log.Info("sandbox.tool.complete",
			slog.String("run_id", s.runID),
			slog.String("tool", toolName),
			slog.Int64("duration_ms", durationMs),
		)
	}
	return output, nil
}

// dispatch validates the call, then applies quota and pacing and runs the
// handler with a panic boundary. Only calls that reach a handler consume a
// quota slot; malformed or unroutable calls are rejected for free.
func (s *Sandbox) dispatch(ctx context.Context, tool core.Tool, params map[string]any) (output any) {
	if msg := validateParams(tool, params); msg != "" {
		return errValue(msg)
	}

	handler, ok := s.handlers.Get(tool.Handler)
	if !ok {
		return errValue(fmt.Sprintf("tool %s has no handler %q", tool.Name, tool.Handler))
	}

	limit := s.quota(tool)
	s.mu.Lock()
	if s.counts[tool.Name] >= limit {
		s.mu.Unlock()
		if m := telemetry.GetRunMetrics(); m != nil {
			m.RecordQuotaExhausted(ctx, tool.Name)
		}
		return errValue(fmt.Sprintf("Maximum %d calls to %s reached. Proceed without it.", limit, tool.Name))
	}
	s.counts[tool.Name]++
	s.mu.Unlock()

	if err := pace(ctx, s.gap); err != nil {
		return errValue("call canceled while waiting for rate limit: " + err.Error())
	}

	defer func() {
		if r := recover(); r != nil {
			output = errValue(fmt.Sprintf("tool %s panicked: %v", tool.Name, r))
		}
	}()

	result, err := handler(ctx, s.caps, params)
	if err != nil {
		return errValue(err.Error())
	}
	return result
}

// Ledger returns a copy of the per-run call ledger.
func (s *Sandbox) Ledger() []core.ToolCallRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]core.ToolCallRecord(nil), s.ledger...)
}

// CallCount returns how many dispatches were counted for a tool.
func (s *Sandbox) CallCount(toolName string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[toolName]
}

func (s *Sandbox) record(rec core.ToolCallRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ledger = append(s.ledger, rec)
}

func validateParams(tool core.Tool, params map[string]any) string {
	for _, param := range tool.Parameters {
		value, ok := params[param.Name]
		if !ok || value == nil {
			if param.Required {
				return fmt.Sprintf("missing required parameter %q", param.Name)
			}
			continue
		}
		if s, isString := value.(string); isString && s == "" && param.Type == core.TypeString {
			if param.Required {
				return fmt.Sprintf("missing required parameter %q", param.Name)
			}
			continue
		}
		if !typeMatches(param.Type, value) {
			return fmt.Sprintf("parameter %q must be of type %s", param.Name, param.Type)
		}
	}
	return ""
}

// typeMatches checks a decoded JSON value against the declared type.
func typeMatches(t core.ParamType, value any) bool {
	switch t {
	case core.TypeString:
		_, ok := value.(string)
		return ok
	case core.TypeNumber:
		switch value.(type) {
		case float64, float32, int, int64:
			return true
		}
		return false
	case core.TypeBoolean:
		_, ok := value.(bool)
		return ok
	case core.TypeArray:
		_, ok := value.([]any)
		return ok
	case core.TypeObject:
		_, ok := value.(map[string]any)
		return ok
	default:
		return true
	}
}

func errValue(msg string) map[string]any {
	return map[string]any{"error": msg}
}

// errorValue reports whether a tool output is a structured error value.
func errorValue(output any) (string, bool) {
	m, ok := output.(map[string]any)
	if !ok {
		return "", false
	}
	msg, ok := m["error"].(string)
	return msg, ok
}
