// Package appctx builds contexts for work that must outlive its trigger.
package appctx

import (
	"context"
	"time"
)

// Detached returns a context that keeps the parent's values (trace context,
// logger fields) but not its cancellation. Use it when the triggering
// request may die before the work does, such as an agent dropping its
// connection right after a tool call. The context is cancelled when the
// owning component's stop channel closes or the timeout expires, so
// detached work cannot outlive the engine.
func Detached(parent context.Context, stopCh <-chan struct{}, timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), timeout)

	go func() {
		select {
		case <-stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, cancel
}
