// Package stream collects the binary telemetry of the data link while an
// acquisition runs.
//
// A Session runs two goroutines. The reader copies whatever the port
// delivers into chunks and passes them through a bounded channel to the
// capture goroutine, which is the only writer of the session's Buffer. The
// buffer is handed back to the caller once Detach or Abort returns.
package stream

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/flicker/internal/monitoring"
	"github.com/banshee-data/flicker/internal/seriallink"
)

const (
	// DefaultPollInterval is the port read timeout that lets the reader
	// notice Detach while the link is quiet.
	DefaultPollInterval = 50 * time.Millisecond
	// DefaultQueue is the number of chunks that may wait for the capture
	// goroutine.
	DefaultQueue = 64

	readSize = 4096
)

// Options tune a Collector.
type Options struct {
	PollInterval time.Duration
	Queue        int
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.Queue <= 0 {
		o.Queue = DefaultQueue
	}
	return o
}

// Collector attaches capture sessions to the data link. Only one session may
// be attached at a time.
type Collector struct {
	port seriallink.SerialPorter
	opts Options

	mu       sync.Mutex
	attached bool
}

// NewCollector creates a collector reading from port.
func NewCollector(port seriallink.SerialPorter, opts Options) *Collector {
	return &Collector{port: port, opts: opts.withDefaults()}
}

// Session is one attachment of a Collector.
type Session struct {
	c       *Collector
	buf     *Buffer
	onError func(error)

	stop       chan struct{}
	abort      chan struct{}
	chunks     chan []byte
	readerDone chan struct{}
	sinkDone   chan struct{}

	readErr     error
	captureErr  error
	stopOnce    sync.Once
	abortOnce   sync.Once
	releaseOnce sync.Once
}

// Attach discards stale input on the link and starts filling buf. onError is
// called at most once, from the capture goroutine, with the first capture
// error (ErrBufferOverrun) or read error; it may be nil.
func (c *Collector) Attach(buf *Buffer, onError func(error)) (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.attached {
		return nil, errors.New("stream collector already attached")
	}

	if err := seriallink.ResetInput(c.port); err != nil {
		return nil, fmt.Errorf("discard data link input: %w", err)
	}
	if ok, err := seriallink.SetReadTimeout(c.port, c.opts.PollInterval); err != nil {
		return nil, fmt.Errorf("set data link read timeout: %w", err)
	} else if !ok {
		monitoring.Logf("data link has no read timeout support; detach waits for the next read")
	}

	s := &Session{
		c:          c,
		buf:        buf,
		onError:    onError,
		stop:       make(chan struct{}),
		abort:      make(chan struct{}),
		chunks:     make(chan []byte, c.opts.Queue),
		readerDone: make(chan struct{}),
		sinkDone:   make(chan struct{}),
	}
	c.attached = true
	go s.read()
	go s.capture()
	return s, nil
}

func (s *Session) read() {
	defer close(s.readerDone)
	defer close(s.chunks)

	stopping := false
	tmp := make([]byte, readSize)
	for {
		select {
		case <-s.abort:
			return
		default:
		}
		if !stopping {
			select {
			case <-s.stop:
				stopping = true
			default:
			}
		}

		n, err := s.c.port.Read(tmp)
		if n > 0 {
			s.chunks <- append([]byte(nil), tmp[:n]...)
		}
		if err != nil {
			s.readErr = err
			return
		}
		// once detaching, the first empty read means the link went quiet
		if stopping && n == 0 {
			return
		}
	}
}

func (s *Session) capture() {
	defer close(s.sinkDone)
	for chunk := range s.chunks {
		if s.captureErr != nil {
			continue
		}
		if err := s.buf.Append(chunk); err != nil {
			s.captureErr = err
			monitoring.Logf("stream: %v", err)
			if s.onError != nil {
				s.onError(err)
			}
		}
	}
	<-s.readerDone
	if s.readErr != nil && s.captureErr == nil && s.onError != nil {
		s.onError(fmt.Errorf("data link: %w", s.readErr))
	}
}

// Detach stops reading once the link is quiet and waits until every chunk
// has been written to the buffer. After Detach returns the buffer is owned by
// the caller again. The returned error is the first capture or read error.
func (s *Session) Detach() error {
	return s.DetachWithin(0)
}

// DetachWithin is Detach with a bound: if the link has not gone quiet after
// limit, the session is aborted. A limit of zero or less waits indefinitely.
func (s *Session) DetachWithin(limit time.Duration) error {
	s.stopOnce.Do(func() { close(s.stop) })
	if limit > 0 {
		timer := time.AfterFunc(limit, s.stopReader)
		defer timer.Stop()
	}
	return s.wait()
}

// Abort stops reading after the read in progress, even while the device is
// still streaming, and waits until the chunks read so far are in the buffer.
// The read in progress returns within the poll interval on ports with read
// timeout support.
func (s *Session) Abort() error {
	s.stopReader()
	return s.wait()
}

func (s *Session) stopReader() {
	s.abortOnce.Do(func() { close(s.abort) })
}

func (s *Session) wait() error {
	<-s.sinkDone
	s.releaseOnce.Do(func() {
		s.c.mu.Lock()
		s.c.attached = false
		s.c.mu.Unlock()
	})
	if s.captureErr != nil {
		return s.captureErr
	}
	if s.readErr != nil {
		return fmt.Errorf("data link: %w", s.readErr)
	}
	return nil
}

// Buffer returns the session's capture buffer. Read it only after Detach or
// Abort returned.
func (s *Session) Buffer() *Buffer {
	return s.buf
}
