// Package eventbus is a typed, bounded broadcast channel for system
// state-change notifications: stream state, HID/MSD toggles, mounted
// images, download progress, and error reports. Every subscriber gets
// its own bounded queue; a subscriber that falls behind is told how many
// events it missed rather than being allowed to block the publisher.
package eventbus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Capacity is the number of in-flight events each subscriber can buffer
// before the bus starts dropping the oldest pending event in its queue.
const Capacity = 256

// LaggedError is returned by Receiver.Recv when the subscriber fell
// behind and one or more events were dropped from its queue before it
// could read them.
type LaggedError struct {
	Skipped uint64
}

func (e *LaggedError) Error() string {
	return "eventbus: receiver lagged, skipped events"
}

// Bus broadcasts Events to any number of subscribers. Publish never
// blocks: a subscriber with a full queue has its oldest undelivered
// event dropped to make room, and that is signaled to it as a
// LaggedError on its next Recv.
type Bus struct {
	mu   sync.Mutex
	subs map[*Receiver]struct{}
}

// New creates an empty event bus.
func New() *Bus {
	return &Bus{subs: make(map[*Receiver]struct{})}
}

// Publish broadcasts ev to every current subscriber. If there are no
// subscribers the event is silently dropped — this is fire-and-forget
// notification, not guaranteed delivery.
func (b *Bus) Publish(ev Event) {
	ev.Timestamp = time.Now()

	b.mu.Lock()
	defer b.mu.Unlock()
	for r := range b.subs {
		r.deliver(ev)
	}
}

// Subscribe returns a Receiver that observes every event published from
// this point on.
func (b *Bus) Subscribe() *Receiver {
	r := &Receiver{
		ch:  make(chan Event, Capacity),
		bus: b,
	}
	b.mu.Lock()
	b.subs[r] = struct{}{}
	b.mu.Unlock()
	return r
}

// SubscriberCount returns the number of currently active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *Bus) unsubscribe(r *Receiver) {
	b.mu.Lock()
	delete(b.subs, r)
	b.mu.Unlock()
}

// Receiver is one subscriber's view of the bus.
type Receiver struct {
	ch      chan Event
	bus     *Bus
	skipped uint64 // atomic: events dropped since the last successful Recv
	pending *Event
}

func (r *Receiver) deliver(ev Event) {
	select {
	case r.ch <- ev:
		return
	default:
	}

	// Queue is full: drop the oldest pending event to make room, then
	// enqueue the new one. A concurrent Recv may win the race and drain
	// a slot first, in which case the direct send below succeeds without
	// ever needing the fallback.
	select {
	case <-r.ch:
		atomic.AddUint64(&r.skipped, 1)
	default:
	}
	select {
	case r.ch <- ev:
	default:
		// Exceedingly unlikely race where the queue refilled between the
		// drain above and this send; count the new event as skipped too
		// rather than block the publisher.
		atomic.AddUint64(&r.skipped, 1)
	}
}

// Recv blocks until an event is available, ctx is done, or the receiver
// has lagged. A LaggedError means one or more events were dropped from
// this receiver's queue before being read; the next successful Recv call
// resumes at the event immediately following the gap.
func (r *Receiver) Recv(ctx context.Context) (Event, error) {
	if r.pending != nil {
		ev := *r.pending
		r.pending = nil
		return ev, nil
	}

	select {
	case ev := <-r.ch:
		if skipped := atomic.SwapUint64(&r.skipped, 0); skipped > 0 {
			r.pending = &ev
			return Event{}, &LaggedError{Skipped: skipped}
		}
		return ev, nil
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

// Close unsubscribes the receiver. Further Recv calls will only drain
// whatever was already queued, then block until ctx is done.
func (r *Receiver) Close() {
	r.bus.unsubscribe(r)
}
