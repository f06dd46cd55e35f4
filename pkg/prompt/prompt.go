// Copyright 2026 © The Loom Authors
// SPDX-License-Identifier: Apache-2.0

// Package prompt assembles the single system prompt for a run. Build is a
// pure function of its inputs and never fails; a capability with no
// instruction block gets a synthesized one-liner.
package prompt

import (
	"fmt"
	"sort"
	"strings"

	"github.com/loomworks/loom/pkg/capability"
	"github.com/loomworks/loom/pkg/core"
)

const divider = "\n\n----------------------------------------\n\n"

const baseBlock = `You are an automated task orchestrator.
Rules:
- Never fabricate facts, links or file contents. Use tools to obtain real data.
- If a tool call fails, retry it at most once, then continue without it and say so.
- Your final answer must contain every deliverable in full. Never refer to content without including it.`

const closingBlock = `Your final message must contain the complete generated content.
Never summarize, truncate or replace it with a description of what you produced.`

// Build combines the base orchestrator block, the per-capability phase
// blocks, the skill's own prompt, the caller inputs and the caller
// instructions into one system prompt. Section order is fixed: the
// "complete each phase before the next" framing is the only mechanism the
// model loop has to guarantee multi-step completion.
func Build(caps []capability.Capability, skill core.Skill, inputs map[string]string, instructions string) string {
	sections := []string{baseBlock, phaseSection(caps)}

	if p := strings.TrimSpace(skill.Prompt); p != "" {
		sections = append(sections, "Additional context for this task:\n\n"+p)
	}

	if s := inputSection(skill, inputs); s != "" {
		sections = append(sections, s)
	}

	if i := strings.TrimSpace(instructions); i != "" {
		sections = append(sections, "The user added these instructions. Follow them closely:\n\n"+i)
	}

	sections = append(sections, closingBlock)
	return strings.Join(sections, divider)
}

func phaseSection(caps []capability.Capability) string {
	if len(caps) == 0 {
		return "No fixed pipeline applies. Act as a general assistant: decide " +
			"yourself which of the available tools, if any, the task needs."
	}

	var b strings.Builder
	b.WriteString("Execute these phases in order. Complete each phase fully before starting the next.\n")
	for i, cap := range caps {
		fmt.Fprintf(&b, "\nPhase %d: %s\n%s\n", i+1, humanize(cap.Name), instructionsFor(cap))
	}
	return strings.TrimRight(b.String(), "\n")
}

// instructionsFor returns the capability's instruction block, or a
// synthesized one-liner when the catalog carries none.
func instructionsFor(cap capability.Capability) string {
	if strings.TrimSpace(cap.Instructions) != "" {
		return cap.Instructions
	}
	if len(cap.Tools) == 0 {
		return cap.Description + ". This phase is pure text generation."
	}
	plural := "tool"
	if len(cap.Tools) > 1 {
		plural = "tools"
	}
	return fmt.Sprintf("%s. Use the %s %s.", cap.Description, strings.Join(cap.Tools, ", "), plural)
}

func inputSection(skill core.Skill, inputs map[string]string) string {
	var b strings.Builder

	if len(inputs) > 0 {
		keys := make([]string, 0, len(inputs))
		for k := range inputs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("Task inputs:\n")
		for _, k := range keys {
			fmt.Fprintf(&b, "- %s: %s\n", k, inputs[k])
		}
	}

	if len(skill.Inputs) > 0 {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("Declared input parameters:\n")
		for _, param := range skill.Inputs {
			line := fmt.Sprintf("- %s (%s)", param.Name, param.Type)
			if param.Description != "" {
				line += ": " + param.Description
			}
			b.WriteString(line + "\n")
		}
	}

	return strings.TrimRight(b.String(), "\n")
}

// humanize turns a kebab-case capability name into a title.
func humanize(name string) string {
	words := strings.Split(name, "-")
	for i, word := range words {
		if word == "" {
			continue
		}
		words[i] = strings.ToUpper(word[:1]) + word[1:]
	}
	return strings.Join(words, " ")
}
