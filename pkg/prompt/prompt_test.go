// Copyright 2026 © The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package prompt

import (
	"strings"
	"testing"

	"github.com/loomworks/loom/pkg/capability"
	"github.com/loomworks/loom/pkg/core"
)

func TestBuildSectionOrder(t *testing.T) {
	reg := capability.Builtin()
	caps := reg.Resolve([]string{"web-research", "compose-output"})
	skill := core.Skill{
		Name:   "market-report",
		Prompt: "Focus on European markets.",
		Inputs: []core.Param{{Name: "topic", Type: core.TypeString, Description: "Market to research"}},
	}

	out := Build(caps, skill, map[string]string{"topic": "solar"}, "Keep it under two pages.")

	markers := []string{
		"Never fabricate facts",
		"Phase 1: Web Research",
		"Phase 2: Compose Output",
		"Focus on European markets.",
		"- topic: solar",
		"topic (string): Market to research",
		"Keep it under two pages.",
		"complete generated content",
	}
	pos := -1
	for _, marker := range markers {
		idx := strings.Index(out, marker)
		if idx < 0 {
			t.Fatalf("marker %q missing from prompt:\n%s", marker, out)
		}
		if idx < pos {
			t.Fatalf("marker %q out of order", marker)
		}
		pos = idx
	}
}

func TestBuildEmptyPlanIsGeneralAssistant(t *testing.T) {
	out := Build(nil, core.Skill{Name: "chat"}, nil, "")
	if !strings.Contains(out, "general assistant") {
		t.Errorf("empty plan should use the general assistant framing:\n%s", out)
	}
	if strings.Contains(out, "Phase 1") {
		t.Error("no phases expected for an empty plan")
	}
}

func TestSynthesizedInstructions(t *testing.T) {
	withTools := capability.Capability{
		Name:        "pdf-rendering",
		Description: "Render PDFs",
		Tools:       []string{"render-pdf"},
	}
	out := Build([]capability.Capability{withTools}, core.Skill{}, nil, "")
	if !strings.Contains(out, "Render PDFs. Use the render-pdf tool.") {
		t.Errorf("missing synthesized tool instructions:\n%s", out)
	}

	pure := capability.Capability{Name: "summarize", Description: "Summarize text"}
	out = Build([]capability.Capability{pure}, core.Skill{}, nil, "")
	if !strings.Contains(out, "pure text generation") {
		t.Errorf("missing pure-text fallback:\n%s", out)
	}
}

func TestBuildIsPure(t *testing.T) {
	caps := capability.Builtin().Resolve([]string{"web-research"})
	skill := core.Skill{Name: "s", Prompt: "p"}
	inputs := map[string]string{"a": "1"}

	first := Build(caps, skill, inputs, "x")
	second := Build(caps, skill, inputs, "x")
	if first != second {
		t.Error("Build must be deterministic for identical inputs")
	}
}
