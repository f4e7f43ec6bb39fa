package tools

import (
	"context"
	"time"
)

// Invoker is the transport seam through which the engine reaches tools. The
// runner passes the effective timeout (the step budget clamped to the time
// remaining in the segment) and the implementation is expected to honor both
// the timeout and ctx cancellation.
//
// Contract: a (Result, nil) return with Success=false means the tool ran and
// reported failure; a non-nil error means the invocation itself failed
// (transport fault, abort, validation rejection). Errors whose message
// contains "AbortError" or that wrap context.DeadlineExceeded classify as
// step timeouts upstream.
type Invoker interface {
	Execute(ctx context.Context, name string, params map[string]any, timeout time.Duration) (Result, error)
}

// InvokerFunc adapts a function to the Invoker interface.
type InvokerFunc func(ctx context.Context, name string, params map[string]any, timeout time.Duration) (Result, error)

// Execute implements Invoker.
func (f InvokerFunc) Execute(ctx context.Context, name string, params map[string]any, timeout time.Duration) (Result, error) {
	return f(ctx, name, params, timeout)
}
