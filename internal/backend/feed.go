package backend

import (
	"sync"

	"github.com/matheus3301/simplechat/internal/model"
)

// Feed is a typed live event stream. Closing it retires the underlying
// subscription; Events is closed once the producer has stopped.
type Feed[T any] struct {
	events  <-chan T
	closeFn func() error
	once    sync.Once
	err     error
}

// NewFeed wraps an event channel and the function that stops it.
func NewFeed[T any](events <-chan T, closeFn func() error) *Feed[T] {
	return &Feed[T]{events: events, closeFn: closeFn}
}

// Events returns the event channel.
func (f *Feed[T]) Events() <-chan T {
	return f.events
}

// Close stops the feed. Safe to call more than once and on a nil feed.
func (f *Feed[T]) Close() error {
	if f == nil {
		return nil
	}
	f.once.Do(func() {
		if f.closeFn != nil {
			f.err = f.closeFn()
		}
	})
	return f.err
}

// MessageEvent is a typed change on the messages table.
type MessageEvent struct {
	Type       EventType
	Message    model.Message
	Generation uint64
}
