// Package emitter routes messages to handlers registered by message type.
//
// Handlers are persistent (On) or one-shot (Once). Fire runs the handlers registered for a
// type synchronously, in registration order, on the caller's goroutine:
//
//	On("ping", B)   Once("ping", A) registered first
//	Fire("ping") → A, B       A removed right before it runs
//	Fire("ping") → B
//
// A failing or panicking handler is logged and the remaining handlers still run.
package emitter

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/rs/zerolog"

	"github.com/bx-d/peer-rpc/message"
	"github.com/bx-d/peer-rpc/middleware"
)

// Handler handles one dispatched message.
type Handler = middleware.HandlerFunc

// Subscription identifies one registered handler; pass it to Off to remove it.
type Subscription struct {
	typ     string
	once    bool
	handler Handler
}

// Type returns the message type the subscription listens to.
func (s *Subscription) Type() string {
	return s.typ
}

// Emitter is a typed publish/subscribe primitive.
type Emitter struct {
	mu          sync.Mutex
	handlers    map[string][]*Subscription // Per type, in registration order
	middlewares []middleware.Middleware
	logger      zerolog.Logger
}

// New creates an emitter with no handlers.
func New(logger zerolog.Logger) *Emitter {
	return &Emitter{
		handlers: make(map[string][]*Subscription),
		logger:   logger.With().Str("component", "emitter").Logger(),
	}
}

// Use registers middlewares wrapped around every handler invocation. A one-shot handler
// is spent even when a middleware declines to call it.
func (e *Emitter) Use(mws ...middleware.Middleware) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.middlewares = append(e.middlewares, mws...)
}

// On registers a persistent handler.
func (e *Emitter) On(typ string, h Handler) *Subscription {
	return e.add(typ, h, false)
}

// Once registers a handler that is removed the first time it fires.
func (e *Emitter) Once(typ string, h Handler) *Subscription {
	return e.add(typ, h, true)
}

func (e *Emitter) add(typ string, h Handler, once bool) *Subscription {
	sub := &Subscription{typ: typ, once: once, handler: h}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[typ] = append(e.handlers[typ], sub)
	return sub
}

// Off removes sub from typ, or every handler of typ when sub is nil.
func (e *Emitter) Off(typ string, sub *Subscription) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if sub == nil {
		delete(e.handlers, typ)
		return
	}
	e.removeLocked(typ, sub)
}

// removeLocked reports whether sub was still registered.
func (e *Emitter) removeLocked(typ string, sub *Subscription) bool {
	subs := e.handlers[typ]
	for i, s := range subs {
		if s != sub {
			continue
		}
		rest := make([]*Subscription, 0, len(subs)-1)
		rest = append(rest, subs[:i]...)
		rest = append(rest, subs[i+1:]...)
		if len(rest) == 0 {
			delete(e.handlers, typ)
		} else {
			e.handlers[typ] = rest
		}
		return true
	}
	return false
}

func (e *Emitter) registeredLocked(typ string, sub *Subscription) bool {
	for _, s := range e.handlers[typ] {
		if s == sub {
			return true
		}
	}
	return false
}

// HandlerCount returns the number of handlers registered for typ.
func (e *Emitter) HandlerCount(typ string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.handlers[typ])
}

// Clear removes every handler.
func (e *Emitter) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers = make(map[string][]*Subscription)
}

// Fire invokes the handlers registered for typ when Fire starts and returns how many ran.
// Handlers registered during the fire wait for the next one; handlers removed by an
// earlier handler of the same fire are skipped.
func (e *Emitter) Fire(ctx context.Context, typ string, msg message.Message) int {
	e.mu.Lock()
	snapshot := append([]*Subscription(nil), e.handlers[typ]...)
	chain := middleware.Chain(e.middlewares...)
	e.mu.Unlock()

	invoked := 0
	for _, sub := range snapshot {
		e.mu.Lock()
		if !e.registeredLocked(typ, sub) {
			e.mu.Unlock()
			continue
		}
		if sub.once {
			e.removeLocked(typ, sub)
		}
		e.mu.Unlock()

		invoked++
		if err := e.invoke(ctx, chain(sub.handler), msg); err != nil {
			e.logger.Error().Err(err).Str("type", typ).Msg("message handler failed")
		}
	}
	return invoked
}

func (e *Emitter) invoke(ctx context.Context, h Handler, msg message.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v\n%s", r, debug.Stack())
		}
	}()
	return h(ctx, msg)
}
