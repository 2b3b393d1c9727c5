// Package events delivers deposit state-change events to consumers over a
// buffered channel.
package events

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/ChuLiYu/archive-deposit/internal/deposit"
)

// DefaultBufferSize is used when NewChannel gets a non-positive size.
const DefaultBufferSize = 1024

// Channel is a deposit.EventSink backed by a buffered channel. Emit blocks
// while the buffer is full and returns immediately once the sink is closed.
type Channel struct {
	ch        chan deposit.Event
	done      chan struct{}
	closeOnce sync.Once
	emitted   atomic.Uint64
	dropped   atomic.Uint64
}

func NewChannel(size int) *Channel {
	if size <= 0 {
		size = DefaultBufferSize
	}
	return &Channel{
		ch:   make(chan deposit.Event, size),
		done: make(chan struct{}),
	}
}

// Emit implements deposit.EventSink.
func (c *Channel) Emit(e deposit.Event) {
	select {
	case <-c.done:
		c.dropped.Add(1)
		return
	default:
	}
	select {
	case c.ch <- e:
		c.emitted.Add(1)
	case <-c.done:
		c.dropped.Add(1)
	}
}

// Events returns the receive side.
func (c *Channel) Events() <-chan deposit.Event { return c.ch }

// Close stops accepting events. Buffered events stay readable.
func (c *Channel) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Done is closed by Close.
func (c *Channel) Done() <-chan struct{} { return c.done }

func (c *Channel) Emitted() uint64 { return c.emitted.Load() }
func (c *Channel) Dropped() uint64 { return c.dropped.Load() }

// Consume calls handle for every event until ctx is done or the channel is
// closed, then hands over whatever is still buffered.
func (c *Channel) Consume(ctx context.Context, handle func(deposit.Event)) {
	for {
		select {
		case e := <-c.ch:
			handle(e)
		case <-ctx.Done():
			c.drain(handle)
			return
		case <-c.done:
			c.drain(handle)
			return
		}
	}
}

func (c *Channel) drain(handle func(deposit.Event)) {
	for {
		select {
		case e := <-c.ch:
			handle(e)
		default:
			return
		}
	}
}
