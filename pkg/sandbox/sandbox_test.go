// Copyright 2026 © The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/loomworks/loom/pkg/core"
	"github.com/loomworks/loom/pkg/errors"
)

func testSandbox(t *testing.T, tools []core.Tool, register func(*HandlerRegistry)) *Sandbox {
	t.Helper()
	handlers := NewHandlerRegistry()
	if register != nil {
		register(handlers)
	}
	caps := NewCaps(CapsOptions{
		RunID:    "run-test",
		FileRoot: t.TempDir(),
		URLBase:  "/files",
	})
	return New(Options{
		RunID:    "run-test",
		Tools:    tools,
		Handlers: handlers,
		Caps:     caps,
	})
}

func echoTool(name string, maxCalls int) core.Tool {
	return core.Tool{Name: name, Description: "echo", Handler: "echo", MaxCalls: maxCalls}
}

func registerEcho(r *HandlerRegistry) {
	r.Register("echo", func(_ context.Context, _ *Caps, params map[string]any) (any, error) {
		return map[string]any{"echo": params["value"]}, nil
	})
}

func TestMissingToolIsHardFailure(t *testing.T) {
	sb := testSandbox(t, nil, nil)

	_, err := sb.Execute(context.Background(), "ghost", nil)
	if err == nil {
		t.Fatal("missing tool must be a hard failure")
	}
	if errors.AsLoomError(err).Code != errors.CodeNotFound {
		t.Errorf("expected NOT_FOUND, got %v", err)
	}
}

func TestQuotaReturnsStructuredError(t *testing.T) {
	const limit = 3
	sb := testSandbox(t, []core.Tool{echoTool("echo-tool", limit)}, registerEcho)

	for i := 0; i < limit; i++ {
		out, err := sb.Execute(context.Background(), "echo-tool", map[string]any{"value": i})
		if err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
		if _, failed := errorValue(out); failed {
			t.Fatalf("call %d should succeed, got %v", i, out)
		}
	}

	out, err := sb.Execute(context.Background(), "echo-tool", map[string]any{"value": "x"})
	if err != nil {
		t.Fatalf("quota exhaustion must not be an exception: %v", err)
	}
	msg, failed := errorValue(out)
	if !failed {
		t.Fatalf("expected structured error, got %v", out)
	}
	want := fmt.Sprintf("Maximum %d calls to echo-tool reached. Proceed without it.", limit)
	if msg != want {
		t.Errorf("got %q, want %q", msg, want)
	}
}

func TestHandlerPanicBecomesErrorValue(t *testing.T) {
	tools := []core.Tool{{Name: "bomb", Description: "boom", Handler: "bomb"}}
	sb := testSandbox(t, tools, func(r *HandlerRegistry) {
		r.Register("bomb", func(_ context.Context, _ *Caps, _ map[string]any) (any, error) {
			panic("kaboom")
		})
	})

	out, err := sb.Execute(context.Background(), "bomb", nil)
	if err != nil {
		t.Fatalf("panic must not crash the loop: %v", err)
	}
	if msg, failed := errorValue(out); !failed || !strings.Contains(msg, "kaboom") {
		t.Errorf("expected panic converted to error value, got %v", out)
	}
}

func TestRequiredParamValidation(t *testing.T) {
	tools := []core.Tool{{
		Name:        "strict",
		Description: "strict",
		Handler:     "echo",
		Parameters: []core.Param{
			{Name: "value", Type: core.TypeString, Required: true},
		},
	}}
	sb := testSandbox(t, tools, registerEcho)

	out, err := sb.Execute(context.Background(), "strict", map[string]any{})
	if err != nil {
		t.Fatal(err)
	}
	if msg, failed := errorValue(out); !failed || !strings.Contains(msg, "value") {
		t.Errorf("expected missing-parameter error, got %v", out)
	}

	// Declared types are enforced on supplied values.
	out, err = sb.Execute(context.Background(), "strict", map[string]any{"value": 42})
	if err != nil {
		t.Fatal(err)
	}
	if msg, failed := errorValue(out); !failed || !strings.Contains(msg, "type string") {
		t.Errorf("expected type mismatch error, got %v", out)
	}
}

func TestRejectedCallsDoNotConsumeQuota(t *testing.T) {
	tools := []core.Tool{
		{
			Name:        "strict",
			Description: "strict",
			Handler:     "echo",
			MaxCalls:    2,
			Parameters: []core.Param{
				{Name: "value", Type: core.TypeString, Required: true},
			},
		},
		{Name: "orphan", Description: "no handler", Handler: "missing", MaxCalls: 2},
	}
	sb := testSandbox(t, tools, registerEcho)

	// Malformed and unroutable dispatches never reach a handler.
	sb.Execute(context.Background(), "strict", map[string]any{})
	sb.Execute(context.Background(), "strict", map[string]any{"value": 42})
	sb.Execute(context.Background(), "orphan", nil)

	if got := sb.CallCount("strict"); got != 0 {
		t.Errorf("malformed calls burned %d quota slots", got)
	}
	if got := sb.CallCount("orphan"); got != 0 {
		t.Errorf("unroutable calls burned %d quota slots", got)
	}

	// A well-formed call still counts.
	out, err := sb.Execute(context.Background(), "strict", map[string]any{"value": "ok"})
	if err != nil {
		t.Fatal(err)
	}
	if _, failed := errorValue(out); failed {
		t.Fatalf("valid call should succeed, got %v", out)
	}
	if got := sb.CallCount("strict"); got != 1 {
		t.Errorf("valid call not counted, got %d", got)
	}
}

func TestLedgerRecordsFailures(t *testing.T) {
	sb := testSandbox(t, []core.Tool{echoTool("echo-tool", 1)}, registerEcho)

	sb.Execute(context.Background(), "echo-tool", map[string]any{"value": 1})
	sb.Execute(context.Background(), "echo-tool", map[string]any{"value": 2}) // quota hit

	ledger := sb.Ledger()
	if len(ledger) != 2 {
		t.Fatalf("every dispatch is ledgered, got %d entries", len(ledger))
	}
	if ledger[0].Tool != "echo-tool" {
		t.Errorf("ledger tool name: %s", ledger[0].Tool)
	}
	if _, failed := errorValue(ledger[1].Output); !failed {
		t.Error("second entry should record the structured quota error")
	}
}

func TestPacingSerializesCalls(t *testing.T) {
	handlers := NewHandlerRegistry()
	registerEcho(handlers)
	caps := NewCaps(CapsOptions{RunID: "run-pace", FileRoot: t.TempDir()})
	sb := New(Options{
		RunID:     "run-pace",
		Tools:     []core.Tool{echoTool("echo-tool", 10)},
		Handlers:  handlers,
		Caps:      caps,
		PacingGap: 30 * time.Millisecond,
	})

	start := time.Now()
	for i := 0; i < 3; i++ {
		if _, err := sb.Execute(context.Background(), "echo-tool", map[string]any{"value": i}); err != nil {
			t.Fatal(err)
		}
	}
	// Three paced calls need at least two full gaps after the first slot.
	if elapsed := time.Since(start); elapsed < 60*time.Millisecond {
		t.Errorf("pacing not enforced, elapsed %v", elapsed)
	}
}

func TestSaveFileProducesLocalURL(t *testing.T) {
	caps := NewCaps(CapsOptions{RunID: "run-files", FileRoot: t.TempDir(), URLBase: "/skill-files"})

	url, err := caps.SaveFile("report.pdf", []byte("%PDF"))
	if err != nil {
		t.Fatal(err)
	}
	if url != "/skill-files/run-files/report.pdf" {
		t.Errorf("unexpected url %s", url)
	}

	// Traversal components are stripped to the base name.
	url, err = caps.SaveFile("../../etc/passwd", []byte("x"))
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(url, "..") {
		t.Errorf("traversal survived: %s", url)
	}
}
