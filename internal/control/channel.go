// Package control implements the line based request/response transport of
// the flickermeter's configuration link.
package control

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/banshee-data/flicker/internal/flicker"
	"github.com/banshee-data/flicker/internal/monitoring"
	"github.com/banshee-data/flicker/internal/seriallink"
)

// ErrReadTimeout is returned by Receive when the configured read timeout
// expires before a line arrives.
var ErrReadTimeout = errors.New("control link read timeout")

// ErrWriteFailed is returned when a command was only partially written.
var ErrWriteFailed = errors.New("failed to write to serial port")

// lineQueue bounds how many unread lines are held between the reader
// goroutine and Receive.
const lineQueue = 64

// Channel sends newline terminated commands and receives response lines.
// Lines are read by a single goroutine and handed over through a channel, so
// Receive can honour context cancellation and the read timeout.
type Channel struct {
	port seriallink.SerialPorter

	writeMu sync.Mutex

	mu          sync.Mutex
	closed      bool
	readErr     error
	readTimeout time.Duration

	lines chan string
	done  chan struct{}
}

// New wraps an open port and starts reading lines from it.
func New(port seriallink.SerialPorter) *Channel {
	c := &Channel{
		port:  port,
		lines: make(chan string, lineQueue),
		done:  make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *Channel) readLoop() {
	defer close(c.lines)
	scan := bufio.NewScanner(c.port)
	for scan.Scan() {
		line := strings.TrimRight(scan.Text(), "\r")
		select {
		case c.lines <- line:
		case <-c.done:
			return
		}
	}
	err := scan.Err()
	if err == nil {
		err = flicker.ErrLinkNotOpen
	}
	c.mu.Lock()
	c.readErr = err
	c.mu.Unlock()
}

// SetReadTimeout bounds every subsequent Receive. Zero means no timeout.
func (c *Channel) SetReadTimeout(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readTimeout = d
}

// IsOpen reports whether the channel can still be used.
func (c *Channel) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// Send writes line followed by a newline.
func (c *Channel) Send(line string) error {
	if !c.IsOpen() {
		return flicker.ErrLinkNotOpen
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	monitoring.Debugf("→ %s", line)
	payload := []byte(line + "\n")
	n, err := c.port.Write(payload)
	if err != nil {
		return fmt.Errorf("send %q: %w", line, err)
	}
	if n != len(payload) {
		return ErrWriteFailed
	}
	return nil
}

// Receive blocks until a line arrives, ctx is done or the read timeout
// expires.
func (c *Channel) Receive(ctx context.Context) (string, error) {
	c.mu.Lock()
	closed, timeout := c.closed, c.readTimeout
	c.mu.Unlock()
	if closed {
		return "", flicker.ErrLinkNotOpen
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case line, ok := <-c.lines:
		if !ok {
			return "", c.terminalError()
		}
		monitoring.Debugf("← %s", line)
		return line, nil
	case <-expired:
		return "", ErrReadTimeout
	case <-ctx.Done():
		return "", context.Cause(ctx)
	}
}

// Exchange sends command and requires the next line to equal want.
func (c *Channel) Exchange(ctx context.Context, step, command, want string) error {
	if err := c.Send(command); err != nil {
		return err
	}
	got, err := c.Receive(ctx)
	if err != nil {
		return fmt.Errorf("%s: %w", step, err)
	}
	if got != want {
		return &flicker.ProtocolMismatchError{Step: step, Command: command, Want: want, Got: got}
	}
	return nil
}

// Await reads and drops lines until one equals line. It ignores the read
// timeout and only returns early when ctx is done or the link fails.
func (c *Channel) Await(ctx context.Context, line string) error {
	if !c.IsOpen() {
		return flicker.ErrLinkNotOpen
	}
	for {
		select {
		case got, ok := <-c.lines:
			if !ok {
				return c.terminalError()
			}
			monitoring.Debugf("← %s", got)
			if got == line {
				return nil
			}
		case <-ctx.Done():
			return context.Cause(ctx)
		}
	}
}

// DiscardInbound drops lines that were received but not yet consumed and
// asks the port to drop its pending input.
func (c *Channel) DiscardInbound() error {
	if !c.IsOpen() {
		return flicker.ErrLinkNotOpen
	}
	for {
		select {
		case line, ok := <-c.lines:
			if !ok {
				return c.terminalError()
			}
			monitoring.Debugf("discarded %q", line)
		default:
			return seriallink.ResetInput(c.port)
		}
	}
}

// Close closes the underlying port. It is safe to call more than once.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	close(c.done)
	return c.port.Close()
}

func (c *Channel) terminalError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readErr != nil && c.readErr != flicker.ErrLinkNotOpen {
		return fmt.Errorf("control link: %w", c.readErr)
	}
	return flicker.ErrLinkNotOpen
}
