// Package middleware provides a composable wrapper chain around handler
// invocation on the dispatcher's drain worker.
//
// Chain builds the onion model:
//
//	Chain(A, B, C)(handler) → A(B(C(handler)))
//	Execution order: A.before → B.before → C.before → handler → C.after → B.after → A.after
package middleware

import (
	"context"

	"hostbridge/message"
)

// HandlerFunc is the dispatch-side view of a command execution: a parsed
// Command in, a complete Response out. Failures are expressed as error
// Responses, never as panics or nils.
type HandlerFunc func(ctx context.Context, cmd *message.Command) *message.Response

// Middleware wraps a HandlerFunc with cross-cutting behavior.
type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares into one, applied in the order given.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
