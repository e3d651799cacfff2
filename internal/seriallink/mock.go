package seriallink

import (
	"bytes"
	"errors"
	"sync"
	"time"
)

// ErrPortClosed is returned by TestablePort once it has been closed.
var ErrPortClosed = errors.New("serial port closed")

// TestablePort is an in-memory SerialPorter with serial port read semantics:
// reads block until data arrives, the port is closed or the read timeout
// expires, in which case they return (0, nil).
type TestablePort struct {
	mu sync.Mutex

	readBuf  bytes.Buffer
	writeBuf bytes.Buffer
	arrived  chan struct{}
	closed   bool

	readTimeout time.Duration
	readErr     error
	writeErr    error

	// OnWrite, if set, is called with a copy of every successful write.
	// It runs outside the port lock so it may call AddReadData.
	OnWrite func(p []byte)

	// WriteCalls records the number of Write calls.
	WriteCalls int
	// Resets records the number of ResetInputBuffer calls.
	Resets int
}

// NewTestablePort creates an empty open port.
func NewTestablePort() *TestablePort {
	return &TestablePort{arrived: make(chan struct{}, 1)}
}

func (t *TestablePort) Read(p []byte) (int, error) {
	var deadline <-chan time.Time
	for {
		t.mu.Lock()
		if t.readErr != nil {
			err := t.readErr
			t.readErr = nil
			t.mu.Unlock()
			return 0, err
		}
		if t.readBuf.Len() > 0 {
			n, _ := t.readBuf.Read(p)
			t.mu.Unlock()
			return n, nil
		}
		if t.closed {
			t.mu.Unlock()
			return 0, ErrPortClosed
		}
		if deadline == nil && t.readTimeout > 0 {
			deadline = time.After(t.readTimeout)
		}
		t.mu.Unlock()

		select {
		case <-t.arrived:
		case <-deadline:
			return 0, nil
		}
	}
}

func (t *TestablePort) Write(p []byte) (int, error) {
	t.mu.Lock()
	t.WriteCalls++
	if t.closed {
		t.mu.Unlock()
		return 0, ErrPortClosed
	}
	if t.writeErr != nil {
		err := t.writeErr
		t.writeErr = nil
		t.mu.Unlock()
		return 0, err
	}
	n, _ := t.writeBuf.Write(p)
	hook := t.OnWrite
	t.mu.Unlock()

	if hook != nil {
		hook(append([]byte(nil), p...))
	}
	return n, nil
}

// Close marks the port closed and wakes blocked readers.
func (t *TestablePort) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	t.notify()
	return nil
}

// SetReadTimeout implements TimeoutSerialPorter.
func (t *TestablePort) SetReadTimeout(timeout time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.readTimeout = timeout
	return nil
}

// ResetInputBuffer implements InputResetter.
func (t *TestablePort) ResetInputBuffer() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Resets++
	t.readBuf.Reset()
	return nil
}

// AddReadData makes data available to subsequent reads.
func (t *TestablePort) AddReadData(data []byte) {
	t.mu.Lock()
	t.readBuf.Write(data)
	t.mu.Unlock()
	t.notify()
}

// FailNextRead makes the next Read return err.
func (t *TestablePort) FailNextRead(err error) {
	t.mu.Lock()
	t.readErr = err
	t.mu.Unlock()
	t.notify()
}

// FailNextWrite makes the next Write return err.
func (t *TestablePort) FailNextWrite(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.writeErr = err
}

// Written returns everything written to the port so far.
func (t *TestablePort) Written() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.writeBuf.String()
}

// Pending returns the number of bytes available to read.
func (t *TestablePort) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.readBuf.Len()
}

// Closed reports whether Close was called.
func (t *TestablePort) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *TestablePort) notify() {
	select {
	case t.arrived <- struct{}{}:
	default:
	}
}
