// Copyright 2026 © The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/loomworks/loom/pkg/artifact"
	"github.com/loomworks/loom/pkg/core"
	"github.com/loomworks/loom/pkg/llm"
	"github.com/loomworks/loom/pkg/resilience"
	"github.com/loomworks/loom/pkg/sandbox"
)

// loop drives the model until it answers without tool calls or the turn cap
// is reached. It returns the composed final text and the sandbox ledger; a
// non-nil error means the provider became unusable and the caller may
// restart against a fallback.
func (o *Orchestrator) loop(
	ctx context.Context,
	emitter core.EventEmitter,
	provider llm.Provider,
	model string,
	messages []llm.Message,
	tools []core.Tool,
	sb *sandbox.Sandbox,
	artifacts *artifact.Registry,
	maxTurns int,
	runID string,
) (string, []core.ToolCallRecord, error) {
	log := slog.Default()
	llmTools := toLLMTools(tools)
	msgs := append([]llm.Message(nil), messages...)

	var stepTexts []string
	for turn := 0; turn < maxTurns; turn++ {
		resp, err := o.chat(ctx, provider, llm.ChatRequest{
			Model:    model,
			Messages: msgs,
			Tools:    llmTools,
		})
		if err != nil {
			return "", sb.Ledger(), err
		}

		if len(resp.ToolCalls) == 0 {
			return composeFinal(resp.Content, stepTexts), sb.Ledger(), nil
		}

		if strings.TrimSpace(resp.Content) != "" {
			stepTexts = append(stepTexts, resp.Content)
		}
		msgs = append(msgs, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		for _, call := range resp.ToolCalls {
			name := call.Function.Name
			emitter.Emit(ctx, core.NewEvent(core.EventToolStarted, runID, map[string]any{
				"tool": name,
			}))

			output, execErr := sb.Execute(ctx, name, parseArguments(call.Function.Arguments))
			if execErr != nil {
				// Unknown tool name: feed the failure back instead of
				// aborting the run over a model hallucination.
				output = map[string]any{"error": execErr.Error()}
			} else {
				artifacts.RegisterToolOutput(name, output)
			}

			_, failed := toolErrorValue(output)
			emitter.Emit(ctx, core.NewEvent(core.EventToolFinished, runID, map[string]any{
				"tool": name,
				"ok":   !failed,
			}))

			payload, err := json.Marshal(output)
			if err != nil {
				payload = []byte(`{"error":"tool produced unserializable output"}`)
			}
			msgs = append(msgs, llm.Message{
				Role:       llm.RoleTool,
				Content:    string(payload),
				ToolCallID: call.ID,
			})
		}
	}

	log.Warn("run.loop.turn_cap",
		slog.String("run_id", runID),
		slog.Int("max_turns", maxTurns),
	)
	return composeFinal("", stepTexts), sb.Ledger(), nil
}

// chat performs one provider call under the per-call ceiling, retrying
// transport-level failures.
func (o *Orchestrator) chat(ctx context.Context, provider llm.Provider, req llm.ChatRequest) (*llm.ChatResponse, error) {
	retry := resilience.DefaultRetryConfig().WithMaxAttempts(transportRetries + 1)
	value, err := retry.DoWithResult(ctx, func() (interface{}, error) {
		return resilience.WithTimeoutResult(ctx,
			resilience.TimeoutConfig{Duration: providerTimeout},
			func(ctx context.Context) (interface{}, error) {
				return provider.Chat(ctx, req)
			})
	})
	if err != nil {
		return nil, err
	}
	return value.(*llm.ChatResponse), nil
}

// composeFinal picks the run's output text. A substantial closing message
// stands alone; a short or empty one is joined with the intermediate step
// texts so partial work is never lost.
func composeFinal(last string, steps []string) string {
	if utf8.RuneCountInString(strings.TrimSpace(last)) >= substantialRunes {
		return last
	}
	parts := make([]string, 0, len(steps)+1)
	parts = append(parts, steps...)
	if strings.TrimSpace(last) != "" {
		parts = append(parts, last)
	}
	if len(parts) == 0 {
		return last
	}
	return strings.Join(parts, "\n\n")
}

// parseArguments decodes a tool call's argument payload. Malformed JSON
// yields an empty parameter map; required-parameter validation then reports
// what is missing back to the model.
func parseArguments(raw string) map[string]any {
	if strings.TrimSpace(raw) == "" {
		return map[string]any{}
	}
	var params map[string]any
	if err := json.Unmarshal([]byte(raw), &params); err != nil || params == nil {
		return map[string]any{}
	}
	return params
}

// toLLMTools converts tool definitions into the provider's function-call
// shape with a JSON Schema parameter object.
func toLLMTools(tools []core.Tool) []llm.Tool {
	out := make([]llm.Tool, 0, len(tools))
	for _, tool := range tools {
		properties := make(map[string]any, len(tool.Parameters))
		var required []string
		for _, param := range tool.Parameters {
			prop := map[string]any{"type": string(param.Type)}
			if param.Description != "" {
				prop["description"] = param.Description
			}
			properties[param.Name] = prop
			if param.Required {
				required = append(required, param.Name)
			}
		}
		schema := map[string]any{
			"type":       "object",
			"properties": properties,
		}
		if len(required) > 0 {
			schema["required"] = required
		}
		out = append(out, llm.Tool{
			Type: llm.ToolTypeFunction,
			Function: llm.FunctionDef{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  schema,
			},
		})
	}
	return out
}

// toolErrorValue mirrors the sandbox's structured error convention.
func toolErrorValue(output any) (string, bool) {
	m, ok := output.(map[string]any)
	if !ok {
		return "", false
	}
	msg, ok := m["error"].(string)
	return msg, ok
}
