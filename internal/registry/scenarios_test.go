package registry

import (
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
)

// These tests encode the six literal end-to-end scenarios against the
// Registry directly, with a fake serial backend standing in for the OS.
// Sessions and the wire codec sit in front of this in production; what
// matters here is that the Registry produces the state transitions those
// scenarios describe.

func TestScenarioEnumerate(t *testing.T) {
	r := New(zap.NewNop(), WithListFunc(func() ([]string, error) {
		return []string{"/dev/ttyUSB0", "/dev/ttyS0"}, nil
	}))

	ports, err := r.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ports) != 2 || ports[0] != "/dev/ttyUSB0" || ports[1] != "/dev/ttyS0" {
		t.Fatalf("got %v, want [/dev/ttyUSB0 /dev/ttyS0]", ports)
	}
}

func TestScenarioOpenTwiceOneHandle(t *testing.T) {
	opener := newCountingOpener()
	r := newTestRegistry(opener)

	if _, err := r.Open("client-a", "/dev/ttyUSB0"); err != nil {
		t.Fatalf("a open: %v", err)
	}
	if _, err := r.Open("client-b", "/dev/ttyUSB0"); err != nil {
		t.Fatalf("b open: %v", err)
	}

	if got := opener.openCount("/dev/ttyUSB0"); got != 1 {
		t.Fatalf("OS open() invoked %d times, want exactly 1", got)
	}
}

func TestScenarioLockGatesWrite(t *testing.T) {
	r := newTestRegistry(newCountingOpener())
	r.Open("client-a", "/dev/ttyUSB0")

	if _, err := r.Write("client-a", "/dev/ttyUSB0", []byte("hi")); err != ErrWriteLockNotHeld {
		t.Fatalf("pre-lock write: got %v, want ErrWriteLockNotHeld", err)
	}

	if _, err := r.Lock("client-a", "/dev/ttyUSB0"); err != nil {
		t.Fatalf("lock: %v", err)
	}

	n, err := r.Write("client-a", "/dev/ttyUSB0", []byte("hi"))
	if err != nil {
		t.Fatalf("post-lock write: %v", err)
	}
	if n != 2 {
		t.Fatalf("got size=%d, want 2", n)
	}
}

func TestScenarioLockContention(t *testing.T) {
	r := newTestRegistry(newCountingOpener())
	r.Open("client-a", "/dev/ttyUSB0")
	r.Open("client-b", "/dev/ttyUSB0")
	r.Lock("client-a", "/dev/ttyUSB0")

	_, err := r.Lock("client-b", "/dev/ttyUSB0")
	var regErr *Error
	if !errors.As(err, &regErr) || regErr.Code() != "AlreadyLockedByOther" {
		t.Fatalf("got err=%v, want AlreadyLockedByOther", err)
	}
}

func TestScenarioFanOut(t *testing.T) {
	opener := newCountingOpener()
	r := newTestRegistry(opener)

	r.Open("client-a", "/dev/ttyUSB0")
	r.Open("client-b", "/dev/ttyUSB0")
	subA := r.Subscribe("/dev/ttyUSB0")
	defer subA.Unsubscribe()
	subB := r.Subscribe("/dev/ttyUSB0")
	defer subB.Unsubscribe()

	opener.handle("/dev/ttyUSB0").mu.Lock()
	opener.handle("/dev/ttyUSB0").toRead = [][]byte{{0x41, 0x42}}
	opener.handle("/dev/ttyUSB0").mu.Unlock()

	timeout := time.After(time.Second)
	select {
	case chunk := <-subA.C:
		if string(chunk.Data) != "\x41\x42" {
			t.Fatalf("a got %v, want [0x41 0x42]", chunk.Data)
		}
	case <-timeout:
		t.Fatal("timed out waiting for a's read event")
	}
	select {
	case chunk := <-subB.C:
		if string(chunk.Data) != "\x41\x42" {
			t.Fatalf("b got %v, want [0x41 0x42]", chunk.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for b's read event")
	}
}

func TestScenarioErrorCleanup(t *testing.T) {
	opener := newCountingOpener()
	r := newTestRegistry(opener)

	r.Open("client-a", "/dev/ttyUSB0")
	r.Open("client-b", "/dev/ttyUSB0")
	subA := r.Subscribe("/dev/ttyUSB0")
	defer subA.Unsubscribe()
	subB := r.Subscribe("/dev/ttyUSB0")
	defer subB.Unsubscribe()

	opener.handle("/dev/ttyUSB0").mu.Lock()
	opener.handle("/dev/ttyUSB0").readErr = errors.New("device vanished")
	opener.handle("/dev/ttyUSB0").mu.Unlock()

	select {
	case chunk := <-subA.C:
		if !chunk.Closed || chunk.Port != "/dev/ttyUSB0" || chunk.Reason != "io" {
			t.Fatalf("a got %+v, want Closed{port:/dev/ttyUSB0,reason:io}", chunk)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for a's closed event")
	}
	select {
	case chunk := <-subB.C:
		if !chunk.Closed || chunk.Port != "/dev/ttyUSB0" || chunk.Reason != "io" {
			t.Fatalf("b got %+v, want Closed{port:/dev/ttyUSB0,reason:io}", chunk)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for b's closed event")
	}

	deadline := time.After(time.Second)
	for {
		if _, werr := r.Write("client-a", "/dev/ttyUSB0", []byte("x")); werr == ErrPortClosed {
			break
		}
		select {
		case <-deadline:
			t.Fatal("port never removed from registry after worker terminal error")
		case <-time.After(time.Millisecond):
		}
	}

	if _, err := r.Open("client-a", "/dev/ttyUSB0"); err != nil {
		t.Fatalf("reopen after error cleanup: %v", err)
	}
	if got := opener.openCount("/dev/ttyUSB0"); got != 2 {
		t.Fatalf("got %d opens across failure+reopen, want 2", got)
	}
}
