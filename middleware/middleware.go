// Package middleware wraps message handlers with cross-cutting behavior.
//
// Middlewares compose in the onion model: Chain(A, B, C)(handler) → A(B(C(handler))),
// so A sees the message first and the handler's result last.
package middleware

import (
	"context"

	"github.com/bx-d/peer-rpc/message"
)

// HandlerFunc handles one dispatched message. A returned error is logged by the emitter
// and never stops the other handlers of the same fire.
type HandlerFunc func(ctx context.Context, msg message.Message) error

type Middleware func(next HandlerFunc) HandlerFunc

// Chain 将多个中间件组合成一个中间件
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
