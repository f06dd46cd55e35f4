// Copyright 2026 © The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package planner

import (
	"context"
	stderrors "errors"
	"reflect"
	"testing"

	"github.com/loomworks/loom/pkg/capability"
	"github.com/loomworks/loom/pkg/core"
	"github.com/loomworks/loom/pkg/llm"
)

func TestModelPlanFiltersUnknownNames(t *testing.T) {
	provider := &llm.MockProvider{
		Response: `Here is the plan:
["web-research", "quantum-mining", "compose-output"]`,
	}
	p := New(capability.Builtin(), provider, "cheap-model")

	plan := p.Plan(context.Background(), core.Skill{Name: "anything"}, nil, "")
	want := []string{"web-research", "compose-output"}
	if !reflect.DeepEqual(plan, want) {
		t.Errorf("got %v, want %v", plan, want)
	}
}

func TestModelFailureFallsThroughToArchetype(t *testing.T) {
	provider := &llm.FailingMockProvider{Err: stderrors.New("provider down")}
	p := New(capability.Builtin(), provider, "cheap-model")

	plan := p.Plan(context.Background(), core.Skill{Name: "market-report"}, nil, "")
	want, _ := capability.Archetype("market-report")
	if !reflect.DeepEqual(plan, want) {
		t.Errorf("got %v, want archetype %v", plan, want)
	}
}

func TestInferFromToolsSynthesizesCompose(t *testing.T) {
	// No model, no archetype: the capability owning web-search must appear,
	// plus a synthesized process-phase capability.
	p := New(capability.Builtin(), nil, "")

	skill := core.Skill{Name: "unknown-skill", Tools: []string{"web-search"}}
	plan := p.Plan(context.Background(), skill, nil, "")

	want := []string{"web-research", capability.ComposeCapabilityName}
	if !reflect.DeepEqual(plan, want) {
		t.Errorf("got %v, want %v", plan, want)
	}
}

func TestInferOrdersByPhase(t *testing.T) {
	p := New(capability.Builtin(), nil, "")

	// Declared out of phase order; duplicates suppressed.
	skill := core.Skill{Name: "x", Tools: []string{
		"generate-document", "web-search", "web-search", "http-fetch",
	}}
	plan := p.Plan(context.Background(), skill, nil, "")

	want := []string{"web-research", "data-fetching", capability.ComposeCapabilityName, "document-generation"}
	if !reflect.DeepEqual(plan, want) {
		t.Errorf("got %v, want %v", plan, want)
	}
}

func TestInferSkipsComposeWhenNoInput(t *testing.T) {
	p := New(capability.Builtin(), nil, "")

	skill := core.Skill{Name: "x", Tools: []string{"generate-image"}}
	plan := p.Plan(context.Background(), skill, nil, "")

	want := []string{"image-generation"}
	if !reflect.DeepEqual(plan, want) {
		t.Errorf("got %v, want %v", plan, want)
	}
}

func TestEmptyPlanIsNotAnError(t *testing.T) {
	p := New(capability.Builtin(), nil, "")

	plan := p.Plan(context.Background(), core.Skill{Name: "freeform"}, nil, "")
	if len(plan) != 0 {
		t.Errorf("zero tools and no archetype must yield an empty plan, got %v", plan)
	}
}

func TestParseNameArray(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    []string
	}{
		{"plain array", `["a","b"]`, []string{"a", "b"}},
		{"fenced", "```json\n[\"a\"]\n```", []string{"a"}},
		{"prose wrapped", `The plan is ["a", "b"] as requested.`, []string{"a", "b"}},
		{"not json", "no plan here", nil},
		{"empty array", "[]", nil},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := parseNameArray(tc.content)
			if len(got) == 0 && len(tc.want) == 0 {
				return
			}
			if !reflect.DeepEqual(got, tc.want) {
				t.Errorf("got %v, want %v", got, tc.want)
			}
		})
	}
}
