package middleware

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"hostbridge/message"
)

// Timeout bounds a single handler invocation. On expiry the caller gets a
// TIMEOUT error response immediately; the handler's goroutine finishes on its
// own and its result is discarded.
//
// Note this deliberately weakens the strict serialization guarantee for the
// abandoned handler's tail — use it only for handlers known to be safe to
// overlap, or keep it off and rely on client-side call timeouts.
func Timeout(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, cmd *message.Command) *message.Response {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *message.Response, 1)
			go func() {
				// recover only works on the panicking goroutine; the drain
				// worker's recovery cannot see a panic raised here. A
				// misbehaving handler must never crash the host process.
				defer func() {
					if r := recover(); r != nil {
						done <- message.NewError(cmd.ID, message.CodeInternalError,
							fmt.Sprintf("handler panic: %v", r),
							map[string]any{"stack": string(debug.Stack())})
					}
				}()
				done <- next(ctx, cmd)
			}()

			select {
			case resp := <-done:
				return resp
			case <-ctx.Done():
				return message.NewError(cmd.ID, message.CodeTimeout, "handler timed out", nil)
			}
		}
	}
}
