package middleware

import (
	"context"
	"errors"

	"golang.org/x/time/rate"

	"github.com/bx-d/peer-rpc/message"
)

var ErrRateLimited = errors.New("rate limit exceeded")

// RateLimitMiddleware 创建一个基于令牌桶算法的限流中间件
// The limiter is shared by every handler the middleware wraps.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, msg message.Message) error {
			if !limiter.Allow() {
				return ErrRateLimited
			}
			return next(ctx, msg)
		}
	}
}
