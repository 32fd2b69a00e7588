// Package notify implements the per-identity publish/subscribe primitive that
// fans parameter updates out to widgets.
package notify

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// MaxRounds bounds how many queued publishes one drain delivers one by one.
// Past it the backlog collapses to its newest value, which gets one more
// round; publishes made during that round are dropped, which cuts off
// observers that keep republishing from inside their callback.
const MaxRounds = 64

// Subscriber is the widget-facing half of a channel.
type Subscriber[T any] interface {
	Subscribe(fn func(T))
}

// Channel is an append-only ordered observer list.
//
// Publish delivers synchronously in subscribe order. A publish that arrives
// while the channel is delivering (from an observer callback or from another
// goroutine) is queued and delivered after the current round, so observers of
// one channel never run concurrently and never recurse.
type Channel[T any] struct {
	name string
	log  zerolog.Logger

	mu        sync.Mutex
	observers []func(T)
	resolve   func(T) T
	queue     []T
	draining  bool
}

func New[T any](name string, log zerolog.Logger) *Channel[T] {
	return &Channel[T]{name: name, log: log}
}

func (c *Channel[T]) Subscribe(fn func(T)) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	c.observers = append(c.observers, fn)
	c.mu.Unlock()
}

// Resolve installs fn to map each queued value to the value actually
// delivered, evaluated when its round starts. The registry uses it to deliver
// the store's current parameter, so the last delivery always matches the last
// write even when two writers publish out of order.
func (c *Channel[T]) Resolve(fn func(T) T) {
	c.mu.Lock()
	c.resolve = fn
	c.mu.Unlock()
}

// Len returns the number of observers.
func (c *Channel[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.observers)
}

func (c *Channel[T]) Publish(v T) {
	c.mu.Lock()
	c.queue = append(c.queue, v)
	if c.draining {
		c.mu.Unlock()
		return
	}
	c.draining = true
	rounds := 0
	for len(c.queue) > 0 {
		if rounds == MaxRounds {
			// collapse the backlog to the newest value and deliver that one
			if n := len(c.queue) - 1; n > 0 {
				c.log.Warn().Str("channel", c.name).Int("skipped", n).
					Msg("publish backlog too long; delivering latest only")
				c.queue = c.queue[n:]
			}
		} else if rounds > MaxRounds {
			c.log.Warn().Str("channel", c.name).Int("dropped", len(c.queue)).
				Msg("observer keeps republishing; dropping queued updates")
			break
		}
		rounds++
		next := c.queue[0]
		var zero T
		c.queue[0] = zero
		c.queue = c.queue[1:]
		observers := c.observers[:len(c.observers):len(c.observers)]
		resolve := c.resolve
		c.mu.Unlock()
		if resolve != nil {
			next = resolve(next)
		}
		for i, fn := range observers {
			c.deliver(i, fn, next)
		}
		c.mu.Lock()
	}
	c.queue = nil
	c.draining = false
	c.mu.Unlock()
}

func (c *Channel[T]) deliver(i int, fn func(T), v T) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().Str("channel", c.name).Int("observer", i).
				Str("panic", fmt.Sprint(r)).Msg("observer failed")
		}
	}()
	fn(v)
}

type noop[T any] struct{}

func (noop[T]) Subscribe(func(T)) {}

// Noop returns a subscriber that ignores every callback. Widgets without a
// bound reading get one of these.
func Noop[T any]() Subscriber[T] { return noop[T]{} }
