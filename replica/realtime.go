// Copyright 2026 FinOs Authors
// SPDX-License-Identifier: Apache-2.0

package replica

import (
	"context"

	"github.com/hmemran121/FinOs-sub002/authority"
)

// runRealtime keeps a change-feed subscription alive while the engine runs.
// Connection loss triggers bounded exponential backoff; exhausting the
// attempts parks the loop until the next connectivity transition. Going
// offline parks it immediately.
func (e *Engine) runRealtime(ctx context.Context) {
	attempts := 0
	for {
		if ctx.Err() != nil {
			return
		}
		if !e.online.Load() {
			if !e.waitOnlineChange(ctx) {
				return
			}
			attempts = 0
			continue
		}

		ch, err := e.feed.Connect(ctx)
		if err != nil {
			attempts++
			if attempts >= e.config.ReconnectRetry.MaxAttempts {
				e.logger.Error("realtime reconnect attempts exhausted",
					"attempts", attempts)
				if !e.waitOnlineChange(ctx) {
					return
				}
				attempts = 0
				continue
			}
			delay := e.config.ReconnectRetry.Delay(attempts - 1)
			e.logger.Warn("realtime connect failed, backing off",
				"attempt", attempts, "delay", delay, "error", err)
			if sleepWithContext(ctx, delay) != nil {
				return
			}
			continue
		}

		e.logger.Info("realtime feed connected")
		attempts = 0
		for ev := range ch {
			e.handleFeedEvent(ctx, ev)
		}
		e.logger.Info("realtime feed disconnected")
	}
}

// waitOnlineChange blocks until SetOnline flips the flag or the context ends.
// Returns false when the engine is shutting down.
func (e *Engine) waitOnlineChange(ctx context.Context) bool {
	select {
	case <-e.onlineCh:
		return true
	case <-ctx.Done():
		return false
	}
}

// handleFeedEvent dispatches one feed event. Events stamped with this
// device's own ID are echoes of our own pushes and are dropped.
func (e *Engine) handleFeedEvent(ctx context.Context, ev authority.FeedEvent) {
	if ev.DeviceID == e.deviceID {
		return
	}
	switch ev.Event {
	case authority.EventPulse:
		now := nowMillis()
		last := e.lastPulseAt.Load()
		if now-last < e.config.PulseThrottle.Milliseconds() {
			return
		}
		if !e.lastPulseAt.CompareAndSwap(last, now) {
			return
		}
		e.logger.Debug("pulse received, scheduling delta pull")
		go func() {
			if err := e.Pull(ctx, true); err != nil {
				e.logger.Warn("pulse-triggered pull failed", "error", err)
			}
		}()
	case authority.EventRowChange:
		tbl, ok := e.store.Registry().ByRemote(ev.Entity)
		if !ok {
			e.logger.Debug("feed event for unknown entity", "entity", ev.Entity)
			return
		}
		if len(ev.Row) == 0 {
			return
		}
		applied, err := e.store.MergeRemoteRow(ctx, tbl, ev.Row)
		if err != nil {
			// Likely a dependency-ordering miss; the next pull repairs it.
			e.logger.Warn("failed to apply feed row",
				"table", tbl.Name, "error", err)
			return
		}
		if applied {
			e.notifyRow(RowChange{Table: tbl.Name, Op: ev.Op, Row: ev.Row})
		}
	}
}
