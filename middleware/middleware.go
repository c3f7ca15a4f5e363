// Package middleware provides composable middleware for step execution.
// Middleware wraps executor calls synchronously and can modify execution
// (recover from panics, log, add tracing, enforce deadlines, etc.).
package middleware

import (
	"context"

	"github.com/xraph/conduct/action"
	"github.com/xraph/conduct/execution"
)

// Handler is the terminal function that runs the step's action.
type Handler func(ctx context.Context) (*action.Result, error)

// Middleware wraps a Handler with cross-cutting logic.
// It receives the current context, the step being executed, and the
// next handler to call. Middleware MUST call next to continue the chain
// (unless short-circuiting on error).
type Middleware func(ctx context.Context, step *execution.Step, next Handler) (*action.Result, error)

// Chain composes multiple middleware into a single Middleware.
// Middleware are applied right-to-left: the first middleware in the
// list is the outermost wrapper.
//
// Example: Chain(logging, recover, timeout) executes as:
//
//	logging → recover → timeout → handler
func Chain(mws ...Middleware) Middleware {
	return func(ctx context.Context, step *execution.Step, next Handler) (*action.Result, error) {
		// Build the chain from the end backwards.
		h := next
		for i := len(mws) - 1; i >= 0; i-- {
			mw := mws[i]
			prev := h
			h = func(ctx context.Context) (*action.Result, error) {
				return mw(ctx, step, prev)
			}
		}
		return h(ctx)
	}
}
