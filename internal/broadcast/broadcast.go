// Package broadcast fans read chunks out to every client session currently
// subscribed to the originating port, generalizing the teacher pack's
// single-stream streamHub (wiigg-enviro-station) to per-port keyed
// delivery with a drop counter.
package broadcast

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Chunk is one unit of fan-out: bytes produced by a single port, delivered
// to every current subscriber of that port. A Chunk with Closed set carries
// no Data; it is the terminal notification sent once, in place of any
// further reads, when the port's Worker has stopped because of an I/O
// error.
type Chunk struct {
	Port   string
	Data   []byte
	Closed bool
	Reason string
}

// Subscription is a live fan-out registration for one port. Callers read
// from C and call Unsubscribe exactly once when done. C is closed either by
// Unsubscribe or, after delivering a terminal Chunk, by the Broadcaster
// itself — either way a `range sub.C` loop always unwinds.
type Subscription struct {
	C           <-chan Chunk
	Unsubscribe func()
	dropped     *atomic.Uint64
}

// Dropped returns how many chunks were dropped for this subscription
// because its consumer fell behind.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// subscriber is one registered channel plus the bookkeeping needed to close
// it exactly once, whether that close is driven by the consumer calling
// Unsubscribe or by the Broadcaster delivering a terminal Closed chunk.
type subscriber struct {
	ch      chan Chunk
	dropped *atomic.Uint64
	closed  sync.Once
}

// Broadcaster owns the per-port subscriber lists. A subscription's channel
// is closed when it unsubscribes, or when the port it was subscribed to
// delivers a terminal Closed chunk; publish never blocks on a slow
// consumer.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan Chunk]*subscriber
	logger      *zap.Logger
}

// New creates an empty Broadcaster.
func New(logger *zap.Logger) *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[string]map[chan Chunk]*subscriber),
		logger:      logger,
	}
}

// Subscribe registers a new outbound channel for a port's read chunks. The
// channel is buffered so a momentary burst doesn't immediately drop; a
// consumer that falls permanently behind has its chunks dropped, never the
// worker blocked.
func (b *Broadcaster) Subscribe(port string, bufferSize int) *Subscription {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	sub := &subscriber{ch: make(chan Chunk, bufferSize), dropped: &atomic.Uint64{}}

	b.mu.Lock()
	set, ok := b.subscribers[port]
	if !ok {
		set = make(map[chan Chunk]*subscriber)
		b.subscribers[port] = set
	}
	set[sub.ch] = sub
	b.mu.Unlock()

	unsubscribe := func() { b.remove(port, sub) }

	return &Subscription{C: sub.ch, Unsubscribe: unsubscribe, dropped: sub.dropped}
}

// remove drops sub from port's subscriber set, if still present, and closes
// its channel exactly once.
func (b *Broadcaster) remove(port string, sub *subscriber) {
	sub.closed.Do(func() {
		b.mu.Lock()
		if set, ok := b.subscribers[port]; ok {
			delete(set, sub.ch)
			if len(set) == 0 {
				delete(b.subscribers, port)
			}
		}
		b.mu.Unlock()
		close(sub.ch)
	})
}

// Publish delivers data for port to every current subscriber of that port.
// Subscriber lookup happens under a brief read lock; the lock is released
// before any send, so a blocked consumer can never stall Publish or the
// lookup for any other port.
func (b *Broadcaster) Publish(port string, data []byte) {
	for _, sub := range b.snapshot(port) {
		b.send(port, sub, Chunk{Port: port, Data: data})
	}
}

// PublishClosed delivers a single terminal Chunk to every current
// subscriber of port, in place of any further Read chunks, then closes
// every one of those subscribers' channels and removes port's subscriber
// set entirely. Unlike Publish, this delivery is never dropped: with no
// Worker left to produce further chunks, a dropped terminal notification
// would leave a subscriber permanently unaware its port closed, so a full
// buffer is made room for by discarding its oldest queued chunk instead of
// the terminal one. A subscriber always observes the Closed chunk before
// its `range sub.C` unblocks.
func (b *Broadcaster) PublishClosed(port string, reason string) {
	b.mu.Lock()
	set := b.subscribers[port]
	subs := make([]*subscriber, 0, len(set))
	for _, sub := range set {
		subs = append(subs, sub)
	}
	delete(b.subscribers, port)
	b.mu.Unlock()

	chunk := Chunk{Port: port, Closed: true, Reason: reason}
	for _, sub := range subs {
		b.sendReliable(port, sub, chunk)
		b.remove(port, sub)
	}
}

func (b *Broadcaster) snapshot(port string) []*subscriber {
	b.mu.RLock()
	defer b.mu.RUnlock()
	set := b.subscribers[port]
	subs := make([]*subscriber, 0, len(set))
	for _, sub := range set {
		subs = append(subs, sub)
	}
	return subs
}

func (b *Broadcaster) send(port string, sub *subscriber, chunk Chunk) {
	select {
	case sub.ch <- chunk:
	default:
		count := sub.dropped.Add(1)
		b.logger.Warn("dropped chunk for slow subscriber",
			zap.String("port", port), zap.Uint64("dropped_total", count))
	}
}

// sendReliable delivers chunk to sub even if its buffer is full, by
// discarding the oldest queued chunk to make room. By the time this is
// called for a port, that port has already been removed from
// b.subscribers, so nothing is racing to refill the buffer from the other
// side; the loop below is bounded by the buffer size, not unbounded.
func (b *Broadcaster) sendReliable(port string, sub *subscriber, chunk Chunk) {
	for {
		select {
		case sub.ch <- chunk:
			return
		default:
		}
		select {
		case <-sub.ch:
			count := sub.dropped.Add(1)
			b.logger.Warn("dropped chunk to make room for terminal close notice",
				zap.String("port", port), zap.Uint64("dropped_total", count))
		default:
		}
	}
}
