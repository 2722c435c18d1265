// Package serialio owns the OS serial handle for one open port and drives
// it with a short-period poll loop, exactly the shape the teacher's single
// read-loop goroutine used but bounded into fixed-length iterations.
package serialio

import (
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"
)

// Port is the subset of go.bug.st/serial.Port the worker needs. Declaring
// it locally lets tests substitute an in-memory fake without pulling in
// the real library or touching an OS device.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// ReadChunk is one batch of bytes read from a port, handed to the
// broadcaster for fan-out and then dropped.
type ReadChunk struct {
	Port string
	Data []byte
	At   time.Time
}

const (
	maxWritesPerIteration = 16
	readBufferCap         = 4096
	defaultWriteDeadline  = 2 * time.Second
)

// Worker owns a single OS serial handle exclusively and pumps it on a
// fixed period. No other component may touch Port once the worker starts.
type Worker struct {
	portName     string
	handle       Port
	inbox        chan []byte
	stop         chan struct{}
	pollInterval time.Duration
	writeTimeout time.Duration
	logger       *zap.Logger
	publish      func(ReadChunk)
	onTerminal   func(portName string, err error)
}

// Config bundles the tunables a Worker is started with.
type Config struct {
	PollInterval time.Duration
	WriteTimeout time.Duration
	InboxSize    int
}

// NewWorker builds a Worker over an already-opened handle. publish is
// called for each non-empty read; onTerminal is called exactly once, when
// the worker's loop exits due to an I/O error, with the handle already
// closed.
func NewWorker(logger *zap.Logger, portName string, handle Port, cfg Config, publish func(ReadChunk), onTerminal func(string, error)) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Millisecond
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteDeadline
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = 64
	}
	return &Worker{
		portName:     portName,
		handle:       handle,
		inbox:        make(chan []byte, cfg.InboxSize),
		stop:         make(chan struct{}),
		pollInterval: cfg.PollInterval,
		writeTimeout: cfg.WriteTimeout,
		logger:       logger,
		publish:      publish,
		onTerminal:   onTerminal,
	}
}

// Enqueue queues a write for the next iteration. Returns false if the
// inbox is full or Stop has already been called; the caller (the
// registry) treats false as a PortClosed-style condition for that write.
// A write queued after the loop has exited on an I/O error is accepted
// but never applied.
func (w *Worker) Enqueue(data []byte) bool {
	select {
	case <-w.stop:
		return false
	default:
	}
	select {
	case w.inbox <- data:
		return true
	default:
		return false
	}
}

// Stop requests a normal shutdown: the worker finishes its current
// iteration, closes the handle, and returns without calling onTerminal.
func (w *Worker) Stop() {
	close(w.stop)
}

// Run drives the poll loop until a terminal I/O error or Stop. Intended to
// be launched with `go worker.Run()`.
func (w *Worker) Run() {
	buf := make([]byte, readBufferCap)

	for {
		iterStart := time.Now()

		select {
		case <-w.stop:
			_ = w.handle.Close()
			return
		default:
		}

		if err := w.drainWrites(); err != nil {
			w.terminate(err)
			return
		}

		n, err := w.handle.Read(buf)
		if err != nil && err != io.EOF {
			w.terminate(err)
			return
		}
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			w.publish(ReadChunk{Port: w.portName, Data: chunk, At: time.Now()})
		}

		elapsed := time.Since(iterStart)
		if elapsed < w.pollInterval {
			time.Sleep(w.pollInterval - elapsed)
		} else {
			w.logger.Warn("serial worker loop exceeded target period",
				zap.String("port", w.portName),
				zap.Duration("elapsed", elapsed),
				zap.Duration("target", w.pollInterval),
			)
		}
	}
}

func (w *Worker) drainWrites() error {
	for i := 0; i < maxWritesPerIteration; i++ {
		select {
		case data := <-w.inbox:
			if err := w.writeWithTimeout(data); err != nil {
				return err
			}
		default:
			return nil
		}
	}
	return nil
}

// writeWithTimeout bounds a blocking write. go.bug.st/serial has no
// built-in write deadline, so a timeout is enforced by racing the write
// against a timer; a timed-out write is reported as a terminal error and
// the underlying goroutine is left to finish (and then fail, since the
// handle gets closed right after) rather than blocking the loop forever.
func (w *Worker) writeWithTimeout(data []byte) error {
	result := make(chan error, 1)
	go func() {
		_, err := w.handle.Write(data)
		result <- err
	}()

	select {
	case err := <-result:
		return err
	case <-time.After(w.writeTimeout):
		return fmt.Errorf("write to %s timed out after %s", w.portName, w.writeTimeout)
	}
}

func (w *Worker) terminate(err error) {
	_ = w.handle.Close()
	w.logger.Warn("serial worker terminating on I/O error",
		zap.String("port", w.portName), zap.Error(err))
	w.onTerminal(w.portName, err)
}
