// Package status broadcasts the de-duplicated connectivity signal of the
// telemetry stream to every interested consumer.
package status

import (
	"sync"

	"yqhp/hmi-sync/pkg/types"
)

// Broadcaster emits the collapsed connection boolean to all subscribers,
// only when it actually changes. A single Set feeds every subscriber.
//
// Observers registered with Observe run synchronously inside Set, in
// registration order, and see every emission. Subscriber channels never
// block Set: a value the consumer has not taken yet is withdrawn when the
// next emission cancels it, so a slow consumer skips open/close pairs but
// still ends on the current state and never reads the same value twice in a
// row.
type Broadcaster struct {
	emitMu sync.Mutex // serializes emissions so every subscriber sees the same order

	mu        sync.Mutex
	state     types.ConnState
	observers []func(bool)
	subs      map[uint64]*subscriber
	nextID    uint64
	closed    bool
}

type subscriber struct {
	ch       chan bool
	done     chan struct{}
	doneOnce sync.Once

	// guarded by emitMu
	settled types.ConnState // last value the consumer is known to have taken
	queued  types.ConnState // value sitting in ch, Unknown when none
}

func (s *subscriber) stop() {
	s.doneOnce.Do(func() { close(s.done) })
}

// offer hands v to the consumer without blocking. Callers hold emitMu, which
// makes offer the only sender on ch.
func (s *subscriber) offer(v bool) {
	select {
	case <-s.done:
		return
	default:
	}

	select {
	case <-s.ch:
		// withdrawn before the consumer saw it
	default:
		if s.queued != types.ConnStateUnknown {
			s.settled = s.queued
		}
	}
	s.queued = types.ConnStateUnknown

	next := types.ConnStateOf(v)
	if s.settled == next {
		return
	}
	select {
	case s.ch <- v:
		s.queued = next
	default:
	}
}

// New creates a broadcaster in the unknown state.
func New() *Broadcaster {
	return &Broadcaster{
		subs: make(map[uint64]*subscriber),
	}
}

// Observe registers fn to run on every emission. fn is called with the
// emission lock held and must not block or call back into the broadcaster.
func (b *Broadcaster) Observe(fn func(connected bool)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.observers = append(b.observers, fn)
}

// Set records an open (true) or close (false) event. It reports whether the
// value was emitted, which happens on the first event and on every change.
func (b *Broadcaster) Set(connected bool) bool {
	b.emitMu.Lock()
	defer b.emitMu.Unlock()

	b.mu.Lock()
	if b.closed || (b.state != types.ConnStateUnknown && b.state.Bool() == connected) {
		b.mu.Unlock()
		return false
	}
	b.state = types.ConnStateOf(connected)
	observers := b.observers
	subs := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, fn := range observers {
		fn(connected)
	}
	for _, s := range subs {
		s.offer(connected)
	}
	return true
}

// Subscribe registers a consumer. Values emitted before the call are not
// replayed; use Current for the present state. The returned func stops
// delivery; the channel is only closed by Close.
func (b *Broadcaster) Subscribe() (<-chan bool, func()) {
	s := &subscriber{
		ch:   make(chan bool, 1),
		done: make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(s.ch)
		return s.ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = s
	b.mu.Unlock()

	return s.ch, func() {
		s.stop()
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// Current returns the last recorded state.
func (b *Broadcaster) Current() types.ConnState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Connected is Current().Bool().
func (b *Broadcaster) Connected() bool {
	return b.Current().Bool()
}

// Close completes the stream: every subscriber channel is closed, observers
// are dropped and later Set calls are ignored. A value still queued for a
// subscriber stays readable before the close.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.observers = nil
	subs := b.subs
	b.subs = make(map[uint64]*subscriber)
	for _, s := range subs {
		s.stop()
	}
	b.mu.Unlock()

	// wait out an in-flight emission before closing channels
	b.emitMu.Lock()
	defer b.emitMu.Unlock()
	for _, s := range subs {
		close(s.ch)
	}
}
