// internal/browser/cdp/context.go
package cdp

import (
	"context"
	"time"
)

// CombineContext creates a new context derived from ctx1 (the session context
// carrying the CDP connection info) that is canceled when either ctx1 or ctx2
// (the operational context carrying the caller's deadline) is canceled. It
// inherits values from ctx1, which chromedp requires to route commands.
func CombineContext(ctx1, ctx2 context.Context) (context.Context, context.CancelFunc) {
	combinedCtx, cancel := context.WithCancel(ctx1)

	// Link ctx2's lifecycle to the combined context. The goroutine stops
	// when either context is done.
	go func() {
		select {
		case <-ctx2.Done():
			cancel()
		case <-combinedCtx.Done():
		}
	}()

	return combinedCtx, cancel
}

// valueOnlyContext wraps a parent context to create a "detached" context.
// It inherits all values (like CDP target information) from its parent,
// but ignores the parent's deadline and cancellation signal.
type valueOnlyContext struct {
	context.Context
}

func (valueOnlyContext) Deadline() (deadline time.Time, ok bool) { return }
func (valueOnlyContext) Done() <-chan struct{}                   { return nil }
func (valueOnlyContext) Err() error                              { return nil }

// Detach returns a context that inherits values from ctx but is not canceled
// when ctx is. Cleanup paths use this so teardown commands still reach the
// browser after the operation that triggered them is already canceled.
func Detach(ctx context.Context) context.Context {
	return valueOnlyContext{ctx}
}
