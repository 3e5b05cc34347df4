// Package changebus implements the Change Bus (spec §4.9, component C9): a
// bounded queue of change events drained by a single dispatcher goroutine
// and delivered, in order, to every registered listener. A listener panic
// is caught and logged rather than stopping the dispatcher, and at
// shutdown the dispatcher drains whatever remains queued before exiting.
// Grounded on the teacher's xaction notification path (a single dispatch
// goroutine fanning events out to registered watchers) generalized to the
// spec's listener-isolation and drain-on-shutdown requirements.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package changebus

import (
	"sync"

	"github.com/golang/glog"

	"github.com/dcmstore/dcmstore/index"
)

// Listener receives change events sequentially, in publish order, from the
// dispatcher goroutine. Implementations must not block indefinitely: a
// slow listener delays every other listener's view of subsequent events.
type Listener interface {
	OnChange(ev index.ChangeEvent)
}

type registeredListener struct {
	name string
	l    Listener
}

// Bus is a bounded, single-dispatcher change-event queue.
type Bus struct {
	mu        sync.Mutex
	listeners []registeredListener

	queue chan index.ChangeEvent
	done  chan struct{}
	wg    sync.WaitGroup
}

// New creates a Bus with the given bounded queue capacity and starts its
// dispatcher goroutine immediately.
func New(queueSize int) *Bus {
	if queueSize <= 0 {
		queueSize = 1
	}
	b := &Bus{
		queue: make(chan index.ChangeEvent, queueSize),
		done:  make(chan struct{}),
	}
	b.wg.Add(1)
	go b.dispatch()
	return b
}

// Register adds a listener under name; re-registering the same name
// replaces the prior listener (so a plugin reload doesn't accumulate
// duplicate deliveries).
func (b *Bus) Register(name string, l Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, rl := range b.listeners {
		if rl.name == name {
			b.listeners[i].l = l
			return
		}
	}
	b.listeners = append(b.listeners, registeredListener{name: name, l: l})
}

func (b *Bus) Unregister(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, rl := range b.listeners {
		if rl.name == name {
			b.listeners = append(b.listeners[:i], b.listeners[i+1:]...)
			return
		}
	}
}

// Publish enqueues ev for dispatch. Publishing is non-blocking except for
// the enqueue itself (spec §4.9): if the bounded queue is full, Publish
// blocks until a slot frees, exactly like the teacher's own bounded
// notification channels — there is no separate overflow policy specified.
func (b *Bus) Publish(ev index.ChangeEvent) {
	select {
	case b.queue <- ev:
	case <-b.done:
	}
}

func (b *Bus) dispatch() {
	defer b.wg.Done()
	for {
		select {
		case ev := <-b.queue:
			b.deliver(ev)
		case <-b.done:
			// Drain whatever is already queued before exiting.
			for {
				select {
				case ev := <-b.queue:
					b.deliver(ev)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) deliver(ev index.ChangeEvent) {
	b.mu.Lock()
	listeners := make([]registeredListener, len(b.listeners))
	copy(listeners, b.listeners)
	b.mu.Unlock()

	for _, rl := range listeners {
		b.deliverOne(rl, ev)
	}
}

// deliverOne isolates a listener panic so one broken listener never stalls
// the dispatcher or the remaining listeners (spec §4.9, §7: "all
// exceptions are caught and logged; they never escape the change bus").
func (b *Bus) deliverOne(rl registeredListener, ev index.ChangeEvent) {
	defer func() {
		if r := recover(); r != nil {
			glog.Errorf("changebus: listener %q panicked on %s(seq=%d): %v", rl.name, ev.ChangeType, ev.Seq, r)
		}
	}()
	rl.l.OnChange(ev)
}

// Close signals the dispatcher to drain the queue and stop, and blocks
// until it has done so.
func (b *Bus) Close() {
	close(b.done)
	b.wg.Wait()
}
