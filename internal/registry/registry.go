// Package registry is the single source of truth for which serial ports
// are open, who is subscribed to each, and who holds each port's write
// lock. Every mutation is serialized under one mutex, matching the
// original source's collapsing of PortManager + WriteLockManager +
// SubscriptionManager into the one thing a single-threaded actor drove;
// here N port workers run concurrently, so the registry is the thing that
// replaces the actor's single thread as the serialization point.
package registry

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Microtome/websocket-serial-server/internal/broadcast"
	"github.com/Microtome/websocket-serial-server/internal/serialio"
)

// SubscriberID identifies one client session for the life of the process.
type SubscriberID = string

// OpenFunc opens an OS serial device. Swappable in tests so registry
// behavior can be exercised without a real serial device.
type OpenFunc func(portName string, pollInterval time.Duration) (serialio.Port, error)

// ListFunc enumerates OS-visible serial devices.
type ListFunc func() ([]string, error)

type openPort struct {
	worker     *serialio.Worker
	subs       map[SubscriberID]struct{}
	lockHolder SubscriberID // "" means unlocked
}

// Registry owns the open-port / subscriber / lock graph.
type Registry struct {
	mu     sync.Mutex
	ports  map[string]*openPort
	bc     *broadcast.Broadcaster
	logger *zap.Logger

	openFn       OpenFunc
	listFn       ListFunc
	pollInterval time.Duration
	writeTimeout time.Duration
	subBuffer    int
}

// Option configures optional Registry behavior.
type Option func(*Registry)

// WithOpenFunc overrides how OS devices are opened. Used by tests to
// inject a fake serial backend.
func WithOpenFunc(fn OpenFunc) Option { return func(r *Registry) { r.openFn = fn } }

// WithListFunc overrides port enumeration. Used by tests.
func WithListFunc(fn ListFunc) Option { return func(r *Registry) { r.listFn = fn } }

// WithPollInterval overrides the per-worker poll period.
func WithPollInterval(d time.Duration) Option { return func(r *Registry) { r.pollInterval = d } }

// WithWriteTimeout overrides the per-write deadline.
func WithWriteTimeout(d time.Duration) Option { return func(r *Registry) { r.writeTimeout = d } }

// WithSubscriptionBuffer overrides the per-subscription read-chunk buffer
// size used when sessions subscribe to a port's fan-out.
func WithSubscriptionBuffer(n int) Option { return func(r *Registry) { r.subBuffer = n } }

// New builds a Registry with no ports open.
func New(logger *zap.Logger, opts ...Option) *Registry {
	r := &Registry{
		ports:        make(map[string]*openPort),
		bc:           broadcast.New(logger),
		logger:       logger,
		openFn:       serialio.Open,
		listFn:       serialio.ListPorts,
		pollInterval: 10 * time.Millisecond,
		writeTimeout: 2 * time.Second,
		subBuffer:    64,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Subscribe returns a read-chunk fan-out subscription for a port, for a
// caller that has already successfully called Open for that port. Reading
// from it delivers Read events (and a terminal Chunk with Closed set, see
// broadcast.Chunk) in production order, with drops on backpressure.
func (r *Registry) Subscribe(port string) *broadcast.Subscription {
	return r.bc.Subscribe(port, r.subBuffer)
}

// Open subscribes subscriber to port, opening the OS device and starting a
// Worker if no OpenPort exists yet. alreadySubscribed is true when this is
// a no-op repeat Open from the same subscriber (spec: idempotent success).
func (r *Registry) Open(subscriber SubscriberID, port string) (alreadySubscribed bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, exists := r.ports[port]
	if !exists {
		handle, openErr := r.openFn(port, r.pollInterval)
		if openErr != nil {
			return false, OpenFailedError(openErr)
		}
		p = &openPort{subs: make(map[SubscriberID]struct{})}
		worker := serialio.NewWorker(
			r.logger,
			port,
			handle,
			serialio.Config{PollInterval: r.pollInterval, WriteTimeout: r.writeTimeout},
			func(chunk serialio.ReadChunk) { r.bc.Publish(chunk.Port, chunk.Data) },
			r.handleWorkerTerminal,
		)
		p.worker = worker
		r.ports[port] = p
		go worker.Run()
	}

	if _, already := p.subs[subscriber]; already {
		return true, nil
	}
	p.subs[subscriber] = struct{}{}
	return false, nil
}

// Close unsubscribes subscriber from port. If the subscriber held the
// write lock, it is released. If the subscriber set becomes empty, the
// Worker is asynchronously stopped.
func (r *Registry) Close(subscriber SubscriberID, port string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, exists := r.ports[port]
	if !exists {
		return ErrNotOpen
	}
	if _, subscribed := p.subs[subscriber]; !subscribed {
		return ErrNotSubscribed
	}

	delete(p.subs, subscriber)
	if p.lockHolder == subscriber {
		p.lockHolder = ""
	}
	if len(p.subs) == 0 {
		p.worker.Stop()
		delete(r.ports, port)
	}
	return nil
}

// ClosedPort describes one port this subscriber was unsubscribed from by
// CloseAll, for the caller to ack back to the client.
type ClosedPort struct {
	Port string
}

// CloseAll unsubscribes subscriber from every port it is subscribed to.
// Never fails.
func (r *Registry) CloseAll(subscriber SubscriberID) []ClosedPort {
	r.mu.Lock()
	defer r.mu.Unlock()

	var closed []ClosedPort
	for port, p := range r.ports {
		if _, subscribed := p.subs[subscriber]; !subscribed {
			continue
		}
		delete(p.subs, subscriber)
		if p.lockHolder == subscriber {
			p.lockHolder = ""
		}
		closed = append(closed, ClosedPort{Port: port})
		if len(p.subs) == 0 {
			p.worker.Stop()
			delete(r.ports, port)
		}
	}
	return closed
}

// List enumerates OS-visible serial devices.
func (r *Registry) List() ([]string, error) {
	names, err := r.listFn()
	if err != nil {
		return nil, EnumerationFailedError(err)
	}
	return names, nil
}

// Lock acquires the write lock on port for subscriber. alreadyHeld is true
// when subscriber already held the lock (spec: idempotent success).
func (r *Registry) Lock(subscriber SubscriberID, port string) (alreadyHeld bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, exists := r.ports[port]
	if !exists {
		return false, ErrNotSubscribed
	}
	if _, subscribed := p.subs[subscriber]; !subscribed {
		return false, ErrNotSubscribed
	}
	switch p.lockHolder {
	case "":
		p.lockHolder = subscriber
		return false, nil
	case subscriber:
		return true, nil
	default:
		return false, AlreadyLockedByOtherError(p.lockHolder)
	}
}

// Unlock releases the write lock on port if subscriber holds it.
func (r *Registry) Unlock(subscriber SubscriberID, port string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, exists := r.ports[port]
	if !exists {
		return ErrNotLocked
	}
	switch p.lockHolder {
	case "":
		return ErrNotLocked
	case subscriber:
		p.lockHolder = ""
		return nil
	default:
		return ErrLockedByOther
	}
}

// Write enqueues data to port's Worker inbox on behalf of subscriber. The
// write is accepted only if subscriber currently holds the write lock.
func (r *Registry) Write(subscriber SubscriberID, port string, data []byte) (size int, err error) {
	r.mu.Lock()

	p, exists := r.ports[port]
	if !exists {
		r.mu.Unlock()
		return 0, ErrPortClosed
	}
	if _, subscribed := p.subs[subscriber]; !subscribed {
		r.mu.Unlock()
		return 0, ErrNotSubscribed
	}
	if p.lockHolder != subscriber {
		r.mu.Unlock()
		return 0, ErrWriteLockNotHeld
	}
	worker := p.worker
	r.mu.Unlock()

	if !worker.Enqueue(data) {
		return 0, ErrPortClosed
	}
	return len(data), nil
}

// handleWorkerTerminal is the Worker's terminal-error callback. It removes
// the OpenPort entry and broadcasts a Closed chunk to every subscriber
// that was on the port, matching spec section 4.1's failure semantics.
func (r *Registry) handleWorkerTerminal(port string, cause error) {
	r.mu.Lock()
	_, exists := r.ports[port]
	if exists {
		delete(r.ports, port)
	}
	r.mu.Unlock()

	if !exists {
		return
	}
	r.logger.Warn("port closed after I/O error", zap.String("port", port), zap.Error(cause))
	r.bc.PublishClosed(port, "io")
}
