// Copyright 2026 © The Loom Authors
// SPDX-License-Identifier: Apache-2.0

// Package planner decides which capabilities a task needs. Planning never
// fails: a model call degrades to a static archetype, which degrades to
// inference from the skill's declared tools. An empty plan means "general
// assistant, no fixed pipeline" and is not an error.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/loomworks/loom/pkg/capability"
	"github.com/loomworks/loom/pkg/core"
	"github.com/loomworks/loom/pkg/llm"
)

const modelPlanTimeout = 10 * time.Second

// Planner selects an ordered capability plan for a task.
type Planner struct {
	registry *capability.Registry
	provider llm.Provider // nil when no planning model is configured
	model    string
}

// New creates a Planner. provider may be nil; planning then starts at the
// archetype tier.
func New(registry *capability.Registry, provider llm.Provider, model string) *Planner {
	return &Planner{registry: registry, provider: provider, model: model}
}

// Plan returns an ordered list of capability names for the task. It never
// returns an error; each tier degrades to the next.
func (p *Planner) Plan(ctx context.Context, skill core.Skill, inputs map[string]string, instructions string) []string {
	log := slog.Default()

	if p.provider != nil {
		if plan := p.modelPlan(ctx, skill, inputs, instructions); len(plan) > 0 {
			return plan
		}
		log.Warn("planner.model.degraded",
			slog.String("skill", skill.Name),
		)
	}

	if plan, ok := capability.Archetype(skill.Name); ok {
		return plan
	}

	return p.inferFromTools(skill.Tools)
}

// modelPlan asks a low-cost model to pick capabilities. Any failure (call
// error, unparsable output, no known names) yields nil so the caller falls
// through to the next tier.
func (p *Planner) modelPlan(ctx context.Context, skill core.Skill, inputs map[string]string, instructions string) []string {
	ctx, cancel := context.WithTimeout(ctx, modelPlanTimeout)
	defer cancel()

	resp, err := p.provider.Chat(ctx, llm.ChatRequest{
		Model: p.model,
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: p.planningPrompt()},
			{Role: llm.RoleUser, Content: planningTask(skill, inputs, instructions)},
		},
	})
	if err != nil {
		slog.Default().Warn("planner.model.error",
			slog.String("skill", skill.Name),
			slog.String("error", err.Error()),
		)
		return nil
	}

	names := parseNameArray(resp.Content)
	if len(names) == 0 {
		return nil
	}

	// Unknown names are dropped, not errors.
	var plan []string
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		if seen[name] {
			continue
		}
		seen[name] = true
		if _, ok := p.registry.Get(name); ok {
			plan = append(plan, name)
		} else {
			slog.Default().Warn("planner.model.unknown_capability",
				slog.String("skill", skill.Name),
				slog.String("capability", name),
			)
		}
	}
	return plan
}

func (p *Planner) planningPrompt() string {
	var b strings.Builder
	b.WriteString("You select execution capabilities for an automated task runner.\n")
	b.WriteString("Available capabilities:\n")
	for _, cap := range p.registry.All() {
		fmt.Fprintf(&b, "- %s: %s (phase: %s)\n", cap.Name, cap.Description, cap.Phase)
	}
	b.WriteString("\nReply with ONLY a JSON array of capability names, ordered by execution. ")
	b.WriteString("Pick the minimal set the task needs. Reply [] if none apply.")
	return b.String()
}

func planningTask(skill core.Skill, inputs map[string]string, instructions string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n%s\n", skill.Name, skill.Description)
	if len(skill.Tools) > 0 {
		fmt.Fprintf(&b, "Declared tools: %s\n", strings.Join(skill.Tools, ", "))
	}
	if len(inputs) > 0 {
		keys := make([]string, 0, len(inputs))
		for k := range inputs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("Inputs:\n")
		for _, k := range keys {
			fmt.Fprintf(&b, "- %s: %s\n", k, inputs[k])
		}
	}
	if strings.TrimSpace(instructions) != "" {
		fmt.Fprintf(&b, "Extra instructions: %s\n", instructions)
	}
	return b.String()
}

// parseNameArray extracts a JSON array of strings from model output,
// tolerating surrounding prose and markdown code fences.
func parseNameArray(content string) []string {
	content = strings.TrimSpace(content)
	if start := strings.Index(content, "["); start >= 0 {
		if end := strings.LastIndex(content, "]"); end > start {
			content = content[start : end+1]
		}
	}
	var names []string
	if err := json.Unmarshal([]byte(content), &names); err != nil {
		return nil
	}
	out := names[:0]
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name != "" {
			out = append(out, name)
		}
	}
	return out
}

var phaseRank = map[capability.Phase]int{
	capability.PhaseInput:   0,
	capability.PhaseProcess: 1,
	capability.PhaseOutput:  2,
}

// inferFromTools maps each declared tool to its owning capability. First
// match wins, duplicates are suppressed, and the result is ordered
// input → process → output. If input-phase capabilities were found but no
// process-phase one, a compose capability is synthesized so the output is
// never purely raw tool data.
func (p *Planner) inferFromTools(tools []string) []string {
	var caps []capability.Capability
	seen := make(map[string]bool)
	for _, tool := range tools {
		owner, ok := p.registry.OwnerOf(tool)
		if !ok {
			slog.Default().Warn("planner.infer.unowned_tool",
				slog.String("tool", tool),
			)
			continue
		}
		if seen[owner.Name] {
			continue
		}
		seen[owner.Name] = true
		caps = append(caps, owner)
	}

	sort.SliceStable(caps, func(i, j int) bool {
		return phaseRank[caps[i].Phase] < phaseRank[caps[j].Phase]
	})

	hasInput, hasProcess := false, false
	for _, cap := range caps {
		switch cap.Phase {
		case capability.PhaseInput:
			hasInput = true
		case capability.PhaseProcess:
			hasProcess = true
		}
	}

	plan := make([]string, 0, len(caps)+1)
	for _, cap := range caps {
		plan = append(plan, cap.Name)
	}
	if hasInput && !hasProcess && !seen[capability.ComposeCapabilityName] {
		// Insert compose after the last input-phase capability.
		idx := 0
		for i, cap := range caps {
			if cap.Phase == capability.PhaseInput {
				idx = i + 1
			}
		}
		plan = append(plan[:idx], append([]string{capability.ComposeCapabilityName}, plan[idx:]...)...)
	}
	return plan
}
