package serialio

import (
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

// fakePort is an in-memory stand-in for the subset of go.bug.st/serial.Port
// the worker depends on.
type fakePort struct {
	mu       sync.Mutex
	toRead   [][]byte
	writes   [][]byte
	closed   bool
	readErr  error
	writeErr error
}

func (f *fakePort) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return 0, f.readErr
	}
	if len(f.toRead) == 0 {
		return 0, nil
	}
	chunk := f.toRead[0]
	f.toRead = f.toRead[1:]
	n := copy(p, chunk)
	return n, nil
}

func (f *fakePort) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return 0, f.writeErr
	}
	f.writes = append(f.writes, append([]byte{}, p...))
	return len(p), nil
}

func (f *fakePort) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakePort) queueRead(data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.toRead = append(f.toRead, data)
}

func (f *fakePort) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.writes)
}

func (f *fakePort) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func TestWorkerPublishesReadChunks(t *testing.T) {
	port := &fakePort{}
	port.queueRead([]byte("hello"))

	published := make(chan ReadChunk, 4)
	w := NewWorker(zap.NewNop(), "/dev/ttyFAKE", port, Config{PollInterval: time.Millisecond}, func(c ReadChunk) {
		published <- c
	}, func(string, error) {
		t.Fatal("unexpected terminal call")
	})

	go w.Run()
	defer w.Stop()

	select {
	case chunk := <-published:
		if string(chunk.Data) != "hello" {
			t.Fatalf("got %q, want %q", chunk.Data, "hello")
		}
		if chunk.Port != "/dev/ttyFAKE" {
			t.Fatalf("got port %q, want /dev/ttyFAKE", chunk.Port)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for read chunk")
	}
}

func TestWorkerAppliesQueuedWrites(t *testing.T) {
	port := &fakePort{}
	w := NewWorker(zap.NewNop(), "/dev/ttyFAKE", port, Config{PollInterval: time.Millisecond}, func(ReadChunk) {}, func(string, error) {
		t.Fatal("unexpected terminal call")
	})

	go w.Run()
	defer w.Stop()

	if ok := w.Enqueue([]byte("abc")); !ok {
		t.Fatal("expected enqueue to succeed")
	}

	deadline := time.After(time.Second)
	for {
		if port.writeCount() == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for queued write to apply")
		case <-time.After(time.Millisecond):
		}
	}
}

func TestWorkerTerminatesOnReadError(t *testing.T) {
	port := &fakePort{readErr: errors.New("boom")}

	var gotPort string
	var gotErr error
	done := make(chan struct{})

	w := NewWorker(zap.NewNop(), "/dev/ttyFAKE", port, Config{PollInterval: time.Millisecond}, func(ReadChunk) {}, func(p string, err error) {
		gotPort, gotErr = p, err
		close(done)
	})

	go w.Run()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for terminal callback")
	}

	if gotPort != "/dev/ttyFAKE" {
		t.Fatalf("got port %q, want /dev/ttyFAKE", gotPort)
	}
	if gotErr == nil {
		t.Fatal("expected non-nil error")
	}
	if !port.isClosed() {
		t.Fatal("expected handle to be closed after terminal error")
	}
}

func TestWorkerStopClosesHandleWithoutTerminal(t *testing.T) {
	port := &fakePort{}
	w := NewWorker(zap.NewNop(), "/dev/ttyFAKE", port, Config{PollInterval: time.Millisecond}, func(ReadChunk) {}, func(string, error) {
		t.Fatal("unexpected terminal call on normal stop")
	})

	go w.Run()
	time.Sleep(5 * time.Millisecond)
	w.Stop()
	time.Sleep(20 * time.Millisecond)

	if !port.isClosed() {
		t.Fatal("expected handle to be closed after Stop")
	}
}

func TestWorkerDiscardsPendingWritesOnTerminalError(t *testing.T) {
	port := &fakePort{writeErr: errors.New("write boom")}
	done := make(chan struct{})

	w := NewWorker(zap.NewNop(), "/dev/ttyFAKE", port, Config{PollInterval: time.Millisecond}, func(ReadChunk) {}, func(string, error) {
		close(done)
	})

	w.Enqueue([]byte("first"))
	w.Enqueue([]byte("second"))

	go w.Run()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for terminal callback")
	}

	if n := len(w.inbox); n != 1 {
		t.Fatalf("got %d writes left in the inbox, want 1 (the second write must not be applied after the first failed)", n)
	}
}
