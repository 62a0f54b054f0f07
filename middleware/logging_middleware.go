package middleware

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/bx-d/peer-rpc/message"
)

func LoggingMiddleware(logger zerolog.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, msg message.Message) error {
			start := time.Now()
			err := next(ctx, msg)
			evt := logger.Debug()
			if err != nil {
				evt = logger.Warn().Err(err)
			}
			evt.Str("type", msg.Type()).Dur("duration", time.Since(start)).Msg("handled message")
			return err
		}
	}
}
