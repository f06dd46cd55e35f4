// Copyright 2026 © The Loom Authors
// SPDX-License-Identifier: Apache-2.0

// Package toolset narrows the live tool list to what a plan actually needs.
package toolset

import (
	"github.com/loomworks/loom/pkg/capability"
	"github.com/loomworks/loom/pkg/core"
)

// Filtered is the result of filtering tools by a capability plan.
type Filtered struct {
	// Flat is the deduplicated union of every selected capability's tools,
	// in plan order.
	Flat []core.Tool

	// ByCapability groups resolved tools per capability name, for callers
	// that want to enforce per-phase restriction later.
	ByCapability map[string][]core.Tool
}

// Filter returns the subset of allTools required by the selected
// capabilities. An empty capability list returns all tools unfiltered;
// general-assistant mode must not lose access to anything. Tool names that
// resolve to nothing are skipped, not errors.
func Filter(caps []capability.Capability, allTools []core.Tool) Filtered {
	if len(caps) == 0 {
		return Filtered{
			Flat:         append([]core.Tool(nil), allTools...),
			ByCapability: map[string][]core.Tool{},
		}
	}

	byName := make(map[string]core.Tool, len(allTools))
	for _, tool := range allTools {
		byName[tool.Name] = tool
	}

	out := Filtered{ByCapability: make(map[string][]core.Tool, len(caps))}
	seen := make(map[string]bool)
	for _, cap := range caps {
		var group []core.Tool
		for _, name := range cap.Tools {
			tool, ok := byName[name]
			if !ok {
				continue
			}
			group = append(group, tool)
			if !seen[name] {
				seen[name] = true
				out.Flat = append(out.Flat, tool)
			}
		}
		out.ByCapability[cap.Name] = group
	}
	return out
}
