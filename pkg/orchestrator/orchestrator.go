// Copyright 2026 © The Loom Authors
// SPDX-License-Identifier: Apache-2.0

// Package orchestrator drives a run end to end: plan capabilities, assemble
// the system prompt, filter tools, loop the model against the sandbox and
// reconcile artifacts into the final output. A run always terminates with a
// RunResult; faults inside the loop surface as structured error results,
// never as panics or raw errors.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/loomworks/loom/pkg/artifact"
	"github.com/loomworks/loom/pkg/capability"
	"github.com/loomworks/loom/pkg/core"
	"github.com/loomworks/loom/pkg/errors"
	"github.com/loomworks/loom/pkg/llm"
	"github.com/loomworks/loom/pkg/planner"
	"github.com/loomworks/loom/pkg/prompt"
	"github.com/loomworks/loom/pkg/resilience"
	"github.com/loomworks/loom/pkg/sandbox"
	"github.com/loomworks/loom/pkg/telemetry"
	"github.com/loomworks/loom/pkg/toolset"
)

const (
	maxTurnsSkill = 8
	maxTurnsChat  = 12

	// substantialRunes is the minimum length for a closing message to stand
	// alone as the final output.
	substantialRunes = 40

	providerTimeout  = 120 * time.Second
	transportRetries = 2
)

const chatSkillName = "chat"

const followUpSystemPrompt = `You are continuing a conversation about content you previously produced.
Answer the follow-up directly. Use the available tools only if the request needs new data or files.
Your reply must contain the complete answer, never a reference to earlier content.`

// RunRecorder persists terminated runs. Implemented by the store.
type RunRecorder interface {
	RecordRun(ctx context.Context, result core.RunResult) error
}

// Options wires an Orchestrator. Provider, Model and Tools/Skills are the
// only fields most callers set; everything else has working defaults.
type Options struct {
	Provider llm.Provider
	Model    string

	// Fallback, when set, gets one full loop restart after the primary
	// provider exhausts its transport retries.
	Fallback      llm.Provider
	FallbackModel string

	// PlannerModel enables the model planning tier. PlannerProvider defaults
	// to Provider.
	PlannerModel    string
	PlannerProvider llm.Provider

	Skills []core.Skill
	Tools  []core.Tool

	Registry *capability.Registry
	Handlers *sandbox.HandlerRegistry

	Credentials  sandbox.CredentialSource
	FileRoot     string
	URLBase      string
	HTTPTimeout  time.Duration
	PacingGap    time.Duration
	DefaultQuota int

	Recorder RunRecorder
	Emitter  core.EventEmitter
}

// Orchestrator executes skills, chat requests and follow-ups.
type Orchestrator struct {
	provider      llm.Provider
	model         string
	fallback      llm.Provider
	fallbackModel string

	planner  *planner.Planner
	registry *capability.Registry
	handlers *sandbox.HandlerRegistry

	skills map[string]core.Skill
	tools  []core.Tool

	creds        sandbox.CredentialSource
	fileRoot     string
	urlBase      string
	httpTimeout  time.Duration
	pacingGap    time.Duration
	defaultQuota int

	recorder RunRecorder
	emitter  core.EventEmitter
	tracer   trace.Tracer
}

// New creates an Orchestrator from options.
func New(opts Options) *Orchestrator {
	registry := opts.Registry
	if registry == nil {
		registry = capability.Builtin()
	}
	handlers := opts.Handlers
	if handlers == nil {
		handlers = sandbox.NewHandlerRegistry()
	}
	var emitter core.EventEmitter = opts.Emitter
	if emitter == nil {
		emitter = core.NoopEventEmitter{}
	}

	plannerProvider := opts.PlannerProvider
	if plannerProvider == nil && opts.PlannerModel != "" {
		plannerProvider = opts.Provider
	}
	if opts.PlannerModel == "" {
		plannerProvider = nil
	}

	skills := make(map[string]core.Skill, len(opts.Skills))
	for _, skill := range opts.Skills {
		skills[skill.Name] = skill
	}

	return &Orchestrator{
		provider:      opts.Provider,
		model:         opts.Model,
		fallback:      opts.Fallback,
		fallbackModel: opts.FallbackModel,
		planner:       planner.New(registry, plannerProvider, opts.PlannerModel),
		registry:      registry,
		handlers:      handlers,
		skills:        skills,
		tools:         append([]core.Tool(nil), opts.Tools...),
		creds:         opts.Credentials,
		fileRoot:      opts.FileRoot,
		urlBase:       opts.URLBase,
		httpTimeout:   opts.HTTPTimeout,
		pacingGap:     opts.PacingGap,
		defaultQuota:  opts.DefaultQuota,
		recorder:      opts.Recorder,
		emitter:       emitter,
		tracer:        otel.Tracer("loom/orchestrator"),
	}
}

// Run executes a named skill. The returned error is non-nil only when the
// skill does not exist; every other fault terminates as an error-status
// RunResult.
func (o *Orchestrator) Run(ctx context.Context, skillName string, inputs map[string]string, instructions string) (*core.RunResult, error) {
	skill, ok := o.skills[skillName]
	if !ok {
		return nil, errors.New(errors.CodeNotFound, fmt.Sprintf("skill %q not found", skillName), nil)
	}
	return o.execute(ctx, o.emitter, runSpec{
		skill:        skill,
		inputs:       inputs,
		instructions: instructions,
		userMessage:  "Execute the task now.",
		maxTurns:     maxTurnsSkill,
		plan:         true,
	}), nil
}

// RunStream is Run with progress events delivered to ch. Events are emitted
// best-effort; a slow consumer loses events, never slows the run.
func (o *Orchestrator) RunStream(ctx context.Context, skillName string, inputs map[string]string, instructions string, ch chan<- core.Event) (*core.RunResult, error) {
	skill, ok := o.skills[skillName]
	if !ok {
		return nil, errors.New(errors.CodeNotFound, fmt.Sprintf("skill %q not found", skillName), nil)
	}
	return o.execute(ctx, core.ChannelEmitter{Ch: ch}, runSpec{
		skill:        skill,
		inputs:       inputs,
		instructions: instructions,
		userMessage:  "Execute the task now.",
		maxTurns:     maxTurnsSkill,
		plan:         true,
	}), nil
}

// RunChat executes a freeform request with no predefined skill. The full
// tool set stays available and planning runs against the raw message.
func (o *Orchestrator) RunChat(ctx context.Context, message string) *core.RunResult {
	names := make([]string, 0, len(o.tools))
	for _, tool := range o.tools {
		names = append(names, tool.Name)
	}
	return o.execute(ctx, o.emitter, runSpec{
		skill: core.Skill{
			Name:        chatSkillName,
			Description: message,
			Tools:       names,
		},
		userMessage: message,
		maxTurns:    maxTurnsChat,
		plan:        true,
	})
}

// FollowUp continues from a previous run's output under a fixed generic
// system prompt. Planning and prompt assembly are skipped; the model sees
// the prior output as its own message.
func (o *Orchestrator) FollowUp(ctx context.Context, previousOutput, message string) *core.RunResult {
	names := make([]string, 0, len(o.tools))
	for _, tool := range o.tools {
		names = append(names, tool.Name)
	}
	return o.execute(ctx, o.emitter, runSpec{
		skill: core.Skill{
			Name:  "follow-up",
			Tools: names,
		},
		messages: []llm.Message{
			{Role: llm.RoleSystem, Content: followUpSystemPrompt},
			{Role: llm.RoleAssistant, Content: previousOutput},
			{Role: llm.RoleUser, Content: message},
		},
		maxTurns: maxTurnsChat,
	})
}

// runSpec is one prepared execution. When messages is nil the planning and
// prompting phases build it; otherwise the loop starts directly.
type runSpec struct {
	skill        core.Skill
	inputs       map[string]string
	instructions string
	userMessage  string
	messages     []llm.Message
	maxTurns     int
	plan         bool
}

func (o *Orchestrator) execute(ctx context.Context, emitter core.EventEmitter, spec runSpec) *core.RunResult {
	ctx, runID := core.EnsureRunID(ctx)
	ctx, span := o.tracer.Start(ctx, "Orchestrator.Run", trace.WithAttributes(
		attribute.String("run.id", runID),
		attribute.String("skill.name", spec.skill.Name),
	))
	defer span.End()

	log := slog.Default()
	start := time.Now()
	logs := &logBuffer{}

	emitter.Emit(ctx, core.NewEvent(core.EventRunStarted, runID, map[string]any{
		"skill": spec.skill.Name,
	}))
	log.Info("run.start",
		slog.String("run_id", runID),
		slog.String("skill", spec.skill.Name),
	)

	liveTools := o.resolveTools(spec.skill)

	messages := spec.messages
	var caps []capability.Capability
	if messages == nil {
		emitter.Emit(ctx, core.NewEvent(core.EventPhaseStarted, runID, map[string]any{"phase": "planning"}))
		plan := o.planner.Plan(ctx, spec.skill, spec.inputs, spec.instructions)
		caps = o.registry.Resolve(plan)

		emitter.Emit(ctx, core.NewEvent(core.EventPhaseStarted, runID, map[string]any{"phase": "prompting"}))
		system := prompt.Build(caps, spec.skill, spec.inputs, spec.instructions)
		messages = []llm.Message{
			{Role: llm.RoleSystem, Content: system},
			{Role: llm.RoleUser, Content: spec.userMessage},
		}
	}

	filtered := toolset.Filter(caps, liveTools)
	surface := sandbox.NewCaps(sandbox.CapsOptions{
		RunID:       runID,
		Credentials: o.creds,
		HTTPTimeout: o.httpTimeout,
		FileRoot:    o.fileRoot,
		URLBase:     o.urlBase,
		LogSink:     logs.add,
	})
	artifacts := artifact.NewRegistry()

	emitter.Emit(ctx, core.NewEvent(core.EventPhaseStarted, runID, map[string]any{"phase": "looping"}))

	var ledger []core.ToolCallRecord
	value, err := resilience.WithFallback(ctx,
		func() (interface{}, error) {
			sb := o.newSandbox(runID, filtered.Flat, surface)
			text, l, err := o.loop(ctx, emitter, o.provider, o.model, messages, filtered.Flat, sb, artifacts, spec.maxTurns, runID)
			ledger = append(ledger, l...)
			return text, err
		},
		resilience.FallbackFunc(func(ctx context.Context, primaryErr error) (interface{}, error) {
			if o.fallback == nil {
				return nil, primaryErr
			}
			log.Warn("run.provider.fallback",
				slog.String("run_id", runID),
				slog.String("error", primaryErr.Error()),
			)
			emitter.Emit(ctx, core.NewEvent(core.EventProviderFallback, runID, map[string]any{
				"error": primaryErr.Error(),
			}))
			telemetry.GetRunMetrics().RecordProviderFallback(ctx)

			model := o.fallbackModel
			if model == "" {
				model = o.model
			}
			// Fresh sandbox: quotas reset for the restarted loop. The
			// artifact registry is shared so files produced before the
			// failure stay tracked.
			sb := o.newSandbox(runID, filtered.Flat, surface)
			text, l, err := o.loop(ctx, emitter, o.fallback, model, messages, filtered.Flat, sb, artifacts, spec.maxTurns, runID)
			ledger = append(ledger, l...)
			return text, err
		}),
	)
	var text string
	if err == nil {
		text = value.(string)
	}

	result := &core.RunResult{
		ID:        runID,
		Skill:     spec.skill.Name,
		Logs:      logs.lines(),
		ToolCalls: ledger,
		Artifacts: artifacts.Artifacts(),
		StartedAt: start.UTC(),
		Duration:  time.Since(start),
	}

	if err != nil {
		result.Status = core.RunError
		result.Error = err.Error()
		emitter.Emit(ctx, core.NewEvent(core.EventRunError, runID, map[string]any{
			"error": err.Error(),
		}))
		log.Error("run.error",
			slog.String("run_id", runID),
			slog.String("skill", spec.skill.Name),
			slog.String("error", err.Error()),
		)
	} else {
		emitter.Emit(ctx, core.NewEvent(core.EventPhaseStarted, runID, map[string]any{"phase": "assembling"}))
		result.Status = core.RunSuccess
		result.Output = artifacts.AssembleOutput(text)
		emitter.Emit(ctx, core.NewEvent(core.EventRunCompleted, runID, map[string]any{
			"status":      string(result.Status),
			"duration_ms": result.Duration.Milliseconds(),
		}))
		log.Info("run.complete",
			slog.String("run_id", runID),
			slog.String("skill", spec.skill.Name),
			slog.Int64("duration_ms", result.Duration.Milliseconds()),
			slog.Int("tool_calls", len(result.ToolCalls)),
			slog.Int("artifacts", len(result.Artifacts)),
		)
	}

	telemetry.GetRunMetrics().RecordRun(ctx, spec.skill.Name, string(result.Status), float64(result.Duration.Milliseconds()))

	if o.recorder != nil {
		if recErr := o.recorder.RecordRun(ctx, *result); recErr != nil {
			log.Warn("run.record.error",
				slog.String("run_id", runID),
				slog.String("error", recErr.Error()),
			)
		}
	}
	return result
}

func (o *Orchestrator) newSandbox(runID string, tools []core.Tool, surface *sandbox.Caps) *sandbox.Sandbox {
	return sandbox.New(sandbox.Options{
		RunID:        runID,
		Tools:        tools,
		Handlers:     o.handlers,
		Caps:         surface,
		PacingGap:    o.pacingGap,
		DefaultQuota: o.defaultQuota,
	})
}

// resolveTools maps the skill's tool allow-list against the live tool set.
// Missing names are skipped with a warning, never errors.
func (o *Orchestrator) resolveTools(skill core.Skill) []core.Tool {
	if len(skill.Tools) == 0 {
		return append([]core.Tool(nil), o.tools...)
	}
	byName := make(map[string]core.Tool, len(o.tools))
	for _, tool := range o.tools {
		byName[tool.Name] = tool
	}
	out := make([]core.Tool, 0, len(skill.Tools))
	for _, name := range skill.Tools {
		tool, ok := byName[name]
		if !ok {
			slog.Default().Warn("run.tool.missing",
				slog.String("skill", skill.Name),
				slog.String("tool", name),
			)
			continue
		}
		out = append(out, tool)
	}
	return out
}

type logBuffer struct {
	mu  sync.Mutex
	buf []string
}

func (l *logBuffer) add(line string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buf = append(l.buf, line)
}

func (l *logBuffer) lines() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.buf...)
}
