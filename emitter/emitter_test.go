package emitter

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bx-d/peer-rpc/message"
	"github.com/bx-d/peer-rpc/middleware"
)

var ctx = context.Background()

func TestOnceAndOnOrder(t *testing.T) {
	e := New(zerolog.Nop())
	var calls []string

	e.Once("ping", func(context.Context, message.Message) error {
		calls = append(calls, "A")
		return nil
	})
	e.On("ping", func(context.Context, message.Message) error {
		calls = append(calls, "B")
		return nil
	})

	assert.Equal(t, 2, e.Fire(ctx, "ping", message.New("ping")))
	assert.Equal(t, 1, e.Fire(ctx, "ping", message.New("ping")))
	assert.Equal(t, []string{"A", "B", "B"}, calls)
	assert.Equal(t, 1, e.HandlerCount("ping"))
}

func TestFireUnknownType(t *testing.T) {
	e := New(zerolog.Nop())
	assert.Equal(t, 0, e.Fire(ctx, "nothing", message.New("nothing")))
}

func TestFailingHandlersDoNotStopOthers(t *testing.T) {
	e := New(zerolog.Nop())
	var reached int

	e.On("x", func(context.Context, message.Message) error { return errors.New("boom") })
	e.On("x", func(context.Context, message.Message) error { panic("kaboom") })
	e.On("x", func(context.Context, message.Message) error {
		reached++
		return nil
	})

	assert.Equal(t, 3, e.Fire(ctx, "x", message.New("x")))
	assert.Equal(t, 1, reached)
}

func TestOnceReRegisteringItselfIsNotReentered(t *testing.T) {
	e := New(zerolog.Nop())
	count := 0

	var h Handler
	h = func(context.Context, message.Message) error {
		count++
		e.Once("tick", h)
		return nil
	}
	e.Once("tick", h)

	e.Fire(ctx, "tick", message.New("tick"))
	assert.Equal(t, 1, count)
	assert.Equal(t, 1, e.HandlerCount("tick"))

	e.Fire(ctx, "tick", message.New("tick"))
	assert.Equal(t, 2, count)
}

func TestHandlerRemovedDuringFireIsSkipped(t *testing.T) {
	e := New(zerolog.Nop())
	var second *Subscription
	ran := false

	e.On("x", func(context.Context, message.Message) error {
		e.Off("x", second)
		return nil
	})
	second = e.On("x", func(context.Context, message.Message) error {
		ran = true
		return nil
	})

	assert.Equal(t, 1, e.Fire(ctx, "x", message.New("x")))
	assert.False(t, ran)
}

func TestOff(t *testing.T) {
	e := New(zerolog.Nop())
	noop := func(context.Context, message.Message) error { return nil }

	a := e.On("x", noop)
	e.On("x", noop)
	e.On("y", noop)

	e.Off("x", a)
	assert.Equal(t, 1, e.HandlerCount("x"))
	assert.Equal(t, "x", a.Type())

	e.Off("x", nil)
	assert.Equal(t, 0, e.HandlerCount("x"))
	assert.Equal(t, 1, e.HandlerCount("y"))

	e.Clear()
	assert.Equal(t, 0, e.HandlerCount("y"))
}

func TestMiddlewareWrapsHandlers(t *testing.T) {
	e := New(zerolog.Nop())
	e.Use(middleware.RateLimitMiddleware(0.001, 1))

	count := 0
	e.On("x", func(context.Context, message.Message) error {
		count++
		return nil
	})

	e.Fire(ctx, "x", message.New("x"))
	e.Fire(ctx, "x", message.New("x"))
	require.Equal(t, 1, count, "second fire must be rate limited")
}
