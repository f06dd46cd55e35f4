// Copyright 2026 © The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package core

import (
	"context"
	"time"
)

// EventType identifies a semantic progress event emitted during a run.
type EventType string

const (
	EventRunStarted       EventType = "run.started"
	EventPhaseStarted     EventType = "run.phase.started"
	EventToolStarted      EventType = "run.tool.started"
	EventToolFinished     EventType = "run.tool.finished"
	EventProviderFallback EventType = "run.provider.fallback"
	EventRunCompleted     EventType = "run.completed"
	EventRunError         EventType = "run.error"
)

// Event captures a progress notification. Events are a pure observability
// side channel and must never affect control flow or ordering.
type Event struct {
	Type      EventType
	RunID     string
	Timestamp time.Time
	Payload   map[string]any
}

// EventEmitter receives progress events.
type EventEmitter interface {
	Emit(ctx context.Context, event Event)
}

// NoopEventEmitter is a default no-op implementation.
type NoopEventEmitter struct{}

// Emit implements EventEmitter.
func (NoopEventEmitter) Emit(_ context.Context, _ Event) {}

// ChannelEmitter forwards events to a channel for streaming callers.
// Sends never block: if the channel is full the event is dropped.
type ChannelEmitter struct {
	Ch chan<- Event
}

// Emit implements EventEmitter.
func (c ChannelEmitter) Emit(_ context.Context, event Event) {
	if c.Ch == nil {
		return
	}
	select {
	case c.Ch <- event:
	default:
	}
}

// NewEvent builds a default event with timestamp.
func NewEvent(eventType EventType, runID string, payload map[string]any) Event {
	return Event{
		Type:      eventType,
		RunID:     runID,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}
