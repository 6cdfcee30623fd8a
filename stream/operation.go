package stream

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/hupe1980/retouch-go/core"
)

// operation is one pending wait for a terminal event. It resolves exactly
// once; duplicate terminal events, cancellation after resolution and
// concurrent attachers are all safe. Multiple callers may Await the same
// operation (a second ensure call with the same correlation key attaches
// instead of issuing new work).
type operation struct {
	key     string
	created time.Time
	stream  *Stream

	once  sync.Once
	done  chan struct{}
	event core.Event
	err   error
}

var _ core.Waiter = (*operation)(nil)

func newOperation(s *Stream, key string) *operation {
	return &operation{key: key, created: time.Now(), stream: s, done: make(chan struct{})}
}

// resolve completes the operation with a terminal event. Later calls are
// no-ops, which absorbs duplicate deliveries.
func (o *operation) resolve(ev core.Event) {
	o.once.Do(func() {
		o.event = ev
		close(o.done)
	})
}

// fail completes the operation with a fault (cancellation, stream loss).
func (o *operation) fail(err error) {
	o.once.Do(func() {
		o.err = err
		close(o.done)
	})
}

// Await suspends until the terminal event arrives or the context is done.
// A context deadline surfaces as a timeout fault; the pending entry is
// NOT released here so that a late event can still be discarded cleanly.
// Callers release it with Cancel (usually deferred).
func (o *operation) Await(ctx context.Context) (core.Event, error) {
	select {
	case <-o.done:
		if o.err != nil {
			return core.Event{}, o.err
		}
		return o.event, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return core.Event{}, core.Errf(core.KindTimeout, "stream.await", "wait for %s timed out", o.key)
		}
		return core.Event{}, core.WrapErr(core.KindCancelled, "stream.await", ctx.Err())
	}
}

// Cancel releases the pending entry and resolves any remaining awaiters
// with a cancellation fault. Safe to call repeatedly and after the
// operation resolved.
func (o *operation) Cancel() {
	o.stream.deregister(o)
	o.fail(core.Errf(core.KindCancelled, "stream.await", "wait for %s cancelled", o.key))
}
