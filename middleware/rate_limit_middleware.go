package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"hostbridge/message"
)

// RateLimit rejects commands beyond a token-bucket budget with a
// RATE_LIMITED error response. The bucket is shared across all sessions,
// matching the single drain worker it protects.
func RateLimit(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, cmd *message.Command) *message.Response {
			if !limiter.Allow() {
				return message.NewError(cmd.ID, message.CodeRateLimited, "rate limit exceeded", nil)
			}
			return next(ctx, cmd)
		}
	}
}
