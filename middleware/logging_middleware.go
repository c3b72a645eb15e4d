package middleware

import (
	"context"
	"log/slog"
	"time"

	"hostbridge/message"
)

// Logging records one structured line per dispatched command: type, id,
// duration, and the error code when the handler failed.
func Logging(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, cmd *message.Command) *message.Response {
			start := time.Now()
			resp := next(ctx, cmd)
			attrs := []any{
				slog.String("type", cmd.Type),
				slog.String("id", cmd.ID),
				slog.Duration("duration", time.Since(start)),
			}
			if resp.IsSuccess() {
				logger.Debug("command dispatched", attrs...)
			} else {
				attrs = append(attrs, slog.String("code", resp.Code), slog.String("error", resp.Error))
				logger.Warn("command failed", attrs...)
			}
			return resp
		}
	}
}
