// Package webrtcstream runs a single shared capture/encode pipeline
// fanned out to any number of concurrent WebRTC sessions: a bounded
// raw-frame broadcast feeds an encoder task per negotiated codec, whose
// encoded samples are themselves broadcast to every session subscribed
// to that codec.
package webrtcstream

import (
	"context"
	"sync"
	"sync/atomic"
)

// RingCapacity is the default depth of a Broadcast's per-subscriber
// queue: small and lossy, favoring low latency over completeness, since
// a video frame that can't be delivered promptly is worthless once a
// newer one exists.
const RingCapacity = 16

// Lagged is returned by Receiver.Recv when the subscriber fell behind
// and Skipped items were dropped from its queue before it could read
// them. Callers of a Broadcast[EncodedSample] use this to know the next
// delivered frame must be a keyframe.
type Lagged struct {
	Skipped uint64
}

func (e *Lagged) Error() string { return "webrtcstream: receiver lagged" }

// Broadcast is a bounded, lossy, fan-out channel: every subscriber gets
// its own ring; a publish that finds a subscriber's ring full drops that
// subscriber's oldest pending item to make room, favoring the newest
// frame over queued backlog. Modeled on internal/eventbus's Bus,
// generalized over the payload type for reuse across raw frames and
// per-codec encoded samples.
type Broadcast[T any] struct {
	mu   sync.Mutex
	subs map[*Receiver[T]]struct{}
}

// NewBroadcast creates an empty broadcast.
func NewBroadcast[T any]() *Broadcast[T] {
	return &Broadcast[T]{subs: make(map[*Receiver[T]]struct{})}
}

// Publish fans item out to every current subscriber without blocking.
func (b *Broadcast[T]) Publish(item T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for r := range b.subs {
		r.deliver(item)
	}
}

// Subscribe returns a Receiver that observes every item published from
// this point on.
func (b *Broadcast[T]) Subscribe() *Receiver[T] {
	r := &Receiver[T]{ch: make(chan T, RingCapacity), bus: b}
	b.mu.Lock()
	b.subs[r] = struct{}{}
	b.mu.Unlock()
	return r
}

// SubscriberCount reports how many receivers are currently attached.
func (b *Broadcast[T]) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *Broadcast[T]) unsubscribe(r *Receiver[T]) {
	b.mu.Lock()
	delete(b.subs, r)
	b.mu.Unlock()
}

// Receiver is one subscriber's bounded view of a Broadcast.
type Receiver[T any] struct {
	ch      chan T
	bus     *Broadcast[T]
	skipped uint64
	pending *T
}

func (r *Receiver[T]) deliver(item T) {
	select {
	case r.ch <- item:
		return
	default:
	}
	select {
	case <-r.ch:
		atomic.AddUint64(&r.skipped, 1)
	default:
	}
	select {
	case r.ch <- item:
	default:
		atomic.AddUint64(&r.skipped, 1)
	}
}

// Recv blocks until an item is available, ctx is done, or the receiver
// has lagged. A *Lagged error means one or more items were dropped from
// this receiver's queue before being read; the item returned alongside
// a nil error on the next call is the first one after the gap.
func (r *Receiver[T]) Recv(ctx context.Context) (T, error) {
	if r.pending != nil {
		item := *r.pending
		r.pending = nil
		return item, nil
	}

	var zero T
	select {
	case item := <-r.ch:
		if skipped := atomic.SwapUint64(&r.skipped, 0); skipped > 0 {
			r.pending = &item
			return zero, &Lagged{Skipped: skipped}
		}
		return item, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Close unsubscribes the receiver from its Broadcast.
func (r *Receiver[T]) Close() {
	r.bus.unsubscribe(r)
}
