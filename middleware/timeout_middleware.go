package middleware

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bx-d/peer-rpc/message"
)

var ErrTimeout = errors.New("handler timed out")

// TimeOutMiddleware gives the handler a context that expires after timeout and waits for
// it to return, so dispatch stays sequential. A handler still running at the deadline is
// reported as ErrTimeout once it returns; handlers should watch ctx to stop early.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, msg message.Message) error {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			err := next(ctx, msg)
			if !errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return err
			}
			if err == nil || errors.Is(err, context.DeadlineExceeded) {
				return ErrTimeout
			}
			return fmt.Errorf("%w: %w", ErrTimeout, err)
		}
	}
}
