// Copyright 2026 © The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/loomworks/loom/pkg/core"
	"github.com/loomworks/loom/pkg/llm"
	"github.com/loomworks/loom/pkg/sandbox"
)

const longAnswer = "Here is the finished deliverable with everything you asked for included in full."

type fakeRecorder struct {
	mu      sync.Mutex
	results []core.RunResult
}

func (f *fakeRecorder) RecordRun(_ context.Context, result core.RunResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, result)
	return nil
}

func testOrchestrator(t *testing.T, provider llm.Provider, opts func(*Options)) (*Orchestrator, *fakeRecorder) {
	t.Helper()
	recorder := &fakeRecorder{}

	handlers := sandbox.NewHandlerRegistry()
	handlers.Register("echo", func(_ context.Context, _ *sandbox.Caps, params map[string]any) (any, error) {
		return map[string]any{"echo": params["value"]}, nil
	})
	handlers.Register("produce-file", func(_ context.Context, _ *sandbox.Caps, _ map[string]any) (any, error) {
		return map[string]any{"url": "/files/run-test/report.pdf", "filename": "report.pdf"}, nil
	})

	options := Options{
		Provider: provider,
		Model:    "test-model",
		Skills: []core.Skill{
			{
				Name:        "echo-skill",
				Description: "echoes things",
				Tools:       []string{"echo-tool"},
			},
			{
				Name:        "report-skill",
				Description: "produces a report file",
				Tools:       []string{"report-tool"},
			},
		},
		Tools: []core.Tool{
			{Name: "echo-tool", Description: "echoes input", Handler: "echo"},
			{Name: "report-tool", Description: "writes a report", Handler: "produce-file"},
		},
		Handlers: handlers,
		FileRoot: t.TempDir(),
		Recorder: recorder,
	}
	if opts != nil {
		opts(&options)
	}
	return New(options), recorder
}

func TestRunUnknownSkillIsFatal(t *testing.T) {
	o, _ := testOrchestrator(t, llm.NewScriptedMockProvider(), nil)

	result, err := o.Run(context.Background(), "no-such-skill", nil, "")
	if err == nil {
		t.Fatal("unknown skill must be a hard failure")
	}
	if result != nil {
		t.Errorf("no result expected, got %+v", result)
	}
}

func TestRunPlainAnswer(t *testing.T) {
	provider := llm.NewScriptedMockProvider(llm.Text(longAnswer))
	o, recorder := testOrchestrator(t, provider, nil)

	result, err := o.Run(context.Background(), "echo-skill", map[string]string{"topic": "go"}, "")
	if err != nil {
		t.Fatal(err)
	}
	if result.Status != core.RunSuccess {
		t.Fatalf("status %s, error %s", result.Status, result.Error)
	}
	if result.Output != longAnswer {
		t.Errorf("output %q", result.Output)
	}
	if result.ID == "" {
		t.Error("run id missing")
	}
	if len(recorder.results) != 1 {
		t.Errorf("run not recorded, got %d", len(recorder.results))
	}

	// The single request carries a system prompt and the kickoff message.
	req := provider.Requests[0]
	if req.Messages[0].Role != llm.RoleSystem {
		t.Errorf("first message role %s", req.Messages[0].Role)
	}
	if !strings.Contains(req.Messages[0].Content, "echoes things") {
		t.Errorf("system prompt misses skill context: %s", req.Messages[0].Content)
	}
}

func TestRunToolCallLoop(t *testing.T) {
	provider := llm.NewScriptedMockProvider(
		llm.CallTool("call-1", "echo-tool", `{"value":"hello"}`),
		llm.Text(longAnswer),
	)
	o, _ := testOrchestrator(t, provider, nil)

	result, err := o.Run(context.Background(), "echo-skill", nil, "")
	if err != nil {
		t.Fatal(err)
	}
	if result.Status != core.RunSuccess {
		t.Fatalf("status %s, error %s", result.Status, result.Error)
	}
	if len(result.ToolCalls) != 1 {
		t.Fatalf("ledger entries: %d", len(result.ToolCalls))
	}
	if result.ToolCalls[0].Tool != "echo-tool" {
		t.Errorf("ledgered tool %s", result.ToolCalls[0].Tool)
	}

	// Second request must carry the tool result back to the model.
	second := provider.Requests[1]
	last := second.Messages[len(second.Messages)-1]
	if last.Role != llm.RoleTool || last.ToolCallID != "call-1" {
		t.Errorf("tool result not threaded: %+v", last)
	}
	if !strings.Contains(last.Content, "hello") {
		t.Errorf("tool output missing: %s", last.Content)
	}
}

func TestRunTracksAndAppendsArtifacts(t *testing.T) {
	provider := llm.NewScriptedMockProvider(
		llm.CallTool("call-1", "report-tool", `{}`),
		llm.Text(longAnswer),
	)
	o, _ := testOrchestrator(t, provider, nil)

	result, err := o.Run(context.Background(), "report-skill", nil, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Artifacts) != 1 {
		t.Fatalf("artifacts: %d", len(result.Artifacts))
	}
	if result.Artifacts[0].URL != "/files/run-test/report.pdf" {
		t.Errorf("artifact url %s", result.Artifacts[0].URL)
	}
	// The final text never mentioned the file, so assembly appends it.
	if !strings.Contains(result.Output, "[Download report.pdf](/files/run-test/report.pdf)") {
		t.Errorf("artifact not appended: %s", result.Output)
	}
}

func TestRunHallucinatedToolFedBackAsError(t *testing.T) {
	provider := llm.NewScriptedMockProvider(
		llm.CallTool("call-1", "no-such-tool", `{}`),
		llm.Text(longAnswer),
	)
	o, _ := testOrchestrator(t, provider, nil)

	result, err := o.Run(context.Background(), "echo-skill", nil, "")
	if err != nil {
		t.Fatal(err)
	}
	if result.Status != core.RunSuccess {
		t.Fatalf("hallucinated tool must not abort the run: %s", result.Error)
	}
	second := provider.Requests[1]
	last := second.Messages[len(second.Messages)-1]
	if !strings.Contains(last.Content, "error") {
		t.Errorf("expected error payload back to the model, got %s", last.Content)
	}
}

func TestRunFallsBackToSecondaryProvider(t *testing.T) {
	primary := &llm.FailingMockProvider{Err: fmt.Errorf("upstream down")}
	secondary := llm.NewScriptedMockProvider(llm.Text(longAnswer))

	o, _ := testOrchestrator(t, primary, func(opts *Options) {
		opts.Fallback = secondary
		opts.FallbackModel = "backup-model"
	})

	result, err := o.Run(context.Background(), "echo-skill", nil, "")
	if err != nil {
		t.Fatal(err)
	}
	if result.Status != core.RunSuccess {
		t.Fatalf("fallback should rescue the run: %s", result.Error)
	}
	if result.Output != longAnswer {
		t.Errorf("output %q", result.Output)
	}
	if secondary.Requests[0].Model != "backup-model" {
		t.Errorf("fallback model not used: %s", secondary.Requests[0].Model)
	}
}

func TestRunErrorResultWhenAllProvidersFail(t *testing.T) {
	primary := &llm.FailingMockProvider{Err: fmt.Errorf("upstream down")}
	o, recorder := testOrchestrator(t, primary, nil)

	result, err := o.Run(context.Background(), "echo-skill", nil, "")
	if err != nil {
		t.Fatal(err)
	}
	if result.Status != core.RunError {
		t.Fatalf("expected error status, got %s", result.Status)
	}
	if result.Error == "" {
		t.Error("error message missing")
	}
	if len(recorder.results) != 1 {
		t.Error("failed runs must be recorded too")
	}
}

func TestRunTurnCapComposesStepTexts(t *testing.T) {
	var responses []*llm.ChatResponse
	for i := 0; i < maxTurnsSkill; i++ {
		responses = append(responses, &llm.ChatResponse{
			Content: fmt.Sprintf("step %d", i),
			ToolCalls: []llm.ToolCall{{
				ID:       fmt.Sprintf("call-%d", i),
				Type:     llm.ToolTypeFunction,
				Function: llm.FunctionCall{Name: "echo-tool", Arguments: `{"value":"x"}`},
			}},
		})
	}
	provider := llm.NewScriptedMockProvider(responses...)
	o, _ := testOrchestrator(t, provider, nil)

	result, err := o.Run(context.Background(), "echo-skill", nil, "")
	if err != nil {
		t.Fatal(err)
	}
	if result.Status != core.RunSuccess {
		t.Fatalf("turn cap is not a failure: %s", result.Error)
	}
	if provider.CallCount != maxTurnsSkill {
		t.Errorf("provider called %d times, cap is %d", provider.CallCount, maxTurnsSkill)
	}
	if !strings.Contains(result.Output, "step 0") || !strings.Contains(result.Output, "step 7") {
		t.Errorf("step texts lost: %s", result.Output)
	}
}

func TestRunChatUsesAllTools(t *testing.T) {
	provider := llm.NewScriptedMockProvider(llm.Text(longAnswer))
	o, _ := testOrchestrator(t, provider, nil)

	result := o.RunChat(context.Background(), "what can you do?")
	if result.Status != core.RunSuccess {
		t.Fatalf("status %s: %s", result.Status, result.Error)
	}
	if result.Skill != "chat" {
		t.Errorf("skill %s", result.Skill)
	}

	req := provider.Requests[0]
	names := make(map[string]bool)
	for _, tool := range req.Tools {
		names[tool.Function.Name] = true
	}
	if !names["echo-tool"] || !names["report-tool"] {
		t.Errorf("chat must expose every tool, got %v", names)
	}
	last := req.Messages[len(req.Messages)-1]
	if last.Content != "what can you do?" {
		t.Errorf("user message %q", last.Content)
	}
}

func TestFollowUpSkipsPlanning(t *testing.T) {
	provider := llm.NewScriptedMockProvider(llm.Text(longAnswer))
	o, _ := testOrchestrator(t, provider, nil)

	result := o.FollowUp(context.Background(), "Previously generated report text.", "make it shorter")
	if result.Status != core.RunSuccess {
		t.Fatalf("status %s: %s", result.Status, result.Error)
	}

	msgs := provider.Requests[0].Messages
	if len(msgs) != 3 {
		t.Fatalf("expected fixed three-message opening, got %d", len(msgs))
	}
	if msgs[1].Role != llm.RoleAssistant || !strings.Contains(msgs[1].Content, "Previously generated") {
		t.Errorf("previous output not threaded as assistant turn: %+v", msgs[1])
	}
	if msgs[2].Role != llm.RoleUser || msgs[2].Content != "make it shorter" {
		t.Errorf("follow-up message: %+v", msgs[2])
	}
}

func TestRunStreamEmitsLifecycleEvents(t *testing.T) {
	provider := llm.NewScriptedMockProvider(
		llm.CallTool("call-1", "echo-tool", `{"value":"x"}`),
		llm.Text(longAnswer),
	)
	o, _ := testOrchestrator(t, provider, nil)

	events := make(chan core.Event, 64)
	result, err := o.RunStream(context.Background(), "echo-skill", nil, "", events)
	if err != nil {
		t.Fatal(err)
	}
	if result.Status != core.RunSuccess {
		t.Fatalf("status %s: %s", result.Status, result.Error)
	}
	close(events)

	seen := make(map[core.EventType]bool)
	for event := range events {
		seen[event.Type] = true
		if event.RunID != result.ID {
			t.Errorf("event run id %s, want %s", event.RunID, result.ID)
		}
	}
	for _, want := range []core.EventType{
		core.EventRunStarted, core.EventPhaseStarted,
		core.EventToolStarted, core.EventToolFinished, core.EventRunCompleted,
	} {
		if !seen[want] {
			t.Errorf("missing event %s", want)
		}
	}
}

func TestComposeFinal(t *testing.T) {
	tests := []struct {
		name  string
		last  string
		steps []string
		want  string
	}{
		{
			name: "substantial closing message stands alone",
			last: longAnswer,
			want: longAnswer,
		},
		{
			name:  "short closing joined with steps",
			last:  "Done.",
			steps: []string{"Gathered data.", "Wrote the summary."},
			want:  "Gathered data.\n\nWrote the summary.\n\nDone.",
		},
		{
			name:  "empty closing falls back to steps",
			last:  "",
			steps: []string{"Partial work."},
			want:  "Partial work.",
		},
		{
			name: "nothing at all",
			last: "",
			want: "",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := composeFinal(tc.last, tc.steps); got != tc.want {
				t.Errorf("got %q, want %q", got, tc.want)
			}
		})
	}
}
