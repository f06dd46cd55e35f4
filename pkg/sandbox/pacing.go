// Copyright 2026 © The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"context"
	"sync"
	"time"
)

// pacer holds the timestamp of the last external call. It is deliberately
// process-wide, not per run: the pacing gap protects third-party APIs shared
// by every tool in the process, and is the one intentional exception to
// per-run isolation.
var pacer struct {
	mu   sync.Mutex
	last time.Time
}

// pace blocks until the global minimum gap since the previous external call
// has elapsed, then claims the next slot. Concurrent callers serialize: each
// claims a slot one gap after the previous claim.
func pace(ctx context.Context, gap time.Duration) error {
	if gap <= 0 {
		return nil
	}

	pacer.mu.Lock()
	now := time.Now()
	next := pacer.last.Add(gap)
	if next.Before(now) {
		next = now
	}
	pacer.last = next
	pacer.mu.Unlock()

	wait := time.Until(next)
	if wait <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(wait):
		return nil
	}
}
