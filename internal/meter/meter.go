// Package meter drives the flickermeter protocol: bring-up of the sensor,
// per-acquisition configuration, the run itself and decoding of the
// captured telemetry.
package meter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/flicker/internal/flicker"
	"github.com/banshee-data/flicker/internal/frame"
	"github.com/banshee-data/flicker/internal/monitoring"
	"github.com/banshee-data/flicker/internal/seriallink"
	"github.com/banshee-data/flicker/internal/stream"
	"github.com/banshee-data/flicker/internal/timeutil"
)

// DefaultDrainDelay is how long the data link is still collected after the
// device reported the end of a run.
const DefaultDrainDelay = time.Second

// minQuietWait is the shortest time detaching waits for the data link to go
// quiet, used when the drain window is short or disabled.
const minQuietWait = 100 * time.Millisecond

// ControlLink is the request/response transport on the control link.
type ControlLink interface {
	Send(line string) error
	Receive(ctx context.Context) (string, error)
	Exchange(ctx context.Context, step, command, want string) error
	Await(ctx context.Context, line string) error
	DiscardInbound() error
	IsOpen() bool
	Close() error
}

// Options tune a Meter. Zero values select the defaults.
type Options struct {
	// DrainDelay is the settle window after "Measurement ended". A negative
	// value disables it.
	DrainDelay time.Duration
	Stream     stream.Options
	Clock      timeutil.Clock
}

// Meter is one flickermeter reached through a control link and a data link.
// Only one operation may use the device at a time.
type Meter struct {
	ctrl      ControlLink
	data      seriallink.SerialPorter
	collector *stream.Collector
	clock     timeutil.Clock
	drain     time.Duration

	mu           sync.Mutex
	state        State
	initialized  bool
	measuring    bool
	initializing bool
	closed       bool
}

// New creates a Meter on already opened links.
func New(ctrl ControlLink, data seriallink.SerialPorter, opts Options) *Meter {
	clock := opts.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	drain := opts.DrainDelay
	switch {
	case drain == 0:
		drain = DefaultDrainDelay
	case drain < 0:
		drain = 0
	}
	return &Meter{
		ctrl:      ctrl,
		data:      data,
		collector: stream.NewCollector(data, opts.Stream),
		clock:     clock,
		drain:     drain,
		state:     StateUninitialized,
	}
}

// State returns the current protocol state.
func (m *Meter) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Initialized reports whether the device completed its bring-up.
func (m *Meter) Initialized() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initialized
}

// Measuring reports whether an acquisition is in progress.
func (m *Meter) Measuring() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.measuring
}

func (m *Meter) setState(s State) {
	m.mu.Lock()
	prev := m.state
	m.state = s
	m.mu.Unlock()
	if prev != s {
		monitoring.Debugf("meter: %s → %s", prev, s)
	}
}

// Initialize runs the self test. A device that passes it is already running
// and is not brought up again; otherwise it is initialized, started and
// tested once more.
func (m *Meter) Initialize(ctx context.Context) error {
	m.mu.Lock()
	if m.measuring || m.initializing {
		m.mu.Unlock()
		return flicker.ErrBusy
	}
	m.initializing = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.initializing = false
		m.mu.Unlock()
	}()

	if !m.ctrl.IsOpen() {
		return flicker.ErrLinkNotOpen
	}

	m.setState(StateSelfTesting)
	if err := m.bringUp(ctx); err != nil {
		m.mu.Lock()
		m.initialized = false
		m.mu.Unlock()
		m.setState(StateError)
		return fmt.Errorf("initialize: %w", err)
	}

	m.mu.Lock()
	m.initialized = true
	m.mu.Unlock()
	m.setState(StateInitialized)
	monitoring.Logf("flickermeter initialized")
	return nil
}

func (m *Meter) bringUp(ctx context.Context) error {
	if err := m.ctrl.DiscardInbound(); err != nil {
		return err
	}
	if err := m.ctrl.Send(cmdSelf); err != nil {
		return err
	}
	line, err := m.ctrl.Receive(ctx)
	if err != nil {
		return err
	}
	if line == ackSelfTest {
		return nil
	}

	monitoring.Logf("self test answered %q, bringing the sensor up", line)
	steps := []struct{ step, cmd, want string }{
		{"device init", cmdInit, ackInit},
		{"sensor start", cmdStart, ackStart},
		{"self test", cmdSelf, ackSelfTest},
	}
	for _, s := range steps {
		if err := m.ctrl.Exchange(ctx, s.step, s.cmd, s.want); err != nil {
			return err
		}
	}
	return nil
}

// Measure runs one acquisition. On failure the returned Measurement holds
// whatever could be decoded from the bytes captured so far and is marked
// invalid; it is nil only when the acquisition was rejected before it began.
func (m *Meter) Measure(ctx context.Context, s flicker.Settings) (*flicker.Measurement, error) {
	m.mu.Lock()
	switch {
	case m.measuring || m.initializing:
		m.mu.Unlock()
		return nil, flicker.ErrBusy
	case !m.initialized || m.closed || !m.ctrl.IsOpen():
		m.mu.Unlock()
		return nil, flicker.ErrNotReady
	}
	if err := s.Validate(); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	m.measuring = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.measuring = false
		m.mu.Unlock()
	}()

	meas := flicker.NewMeasurement(s, m.clock.Now())
	buf := stream.NewBuffer(flicker.CaptureSize(s.Samples))

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	m.setState(StateConfiguring)
	session, err := m.collector.Attach(buf, cancel)
	if err != nil {
		m.setState(StateError)
		return meas, fmt.Errorf("measure: %w", err)
	}

	err = m.acquire(runCtx, s, meas)
	var detachErr error
	if err != nil {
		// the device may still be streaming; keep what arrived and stop
		detachErr = session.Abort()
	} else {
		detachErr = session.DetachWithin(m.quietLimit())
	}
	if err == nil {
		err = detachErr
	}

	m.decode(meas, buf)
	if err != nil {
		meas.Valid = false
		m.setState(StateError)
		monitoring.Logf("measurement %s failed after %d points: %v", meas.ID, len(meas.Points), err)
		return meas, fmt.Errorf("measure: %w", err)
	}

	m.setState(StateDecoded)
	monitoring.Logf("measurement %s: %d points in %v (valid=%t)", meas.ID, len(meas.Points), meas.Duration, meas.Valid)
	return meas, nil
}

func (m *Meter) acquire(ctx context.Context, s flicker.Settings, meas *flicker.Measurement) error {
	if err := m.ctrl.DiscardInbound(); err != nil {
		return err
	}
	config := []struct{ step, cmd, want string }{
		{"update samples", samplesCommand(s.Samples), samplesAck(s.Samples)},
		{"update time", timeCommand(s.Time), timeAck(s.Time)},
		{"update gain", gainCommand(s.Gain), gainAck(s.Gain)},
	}
	for _, c := range config {
		if err := m.ctrl.Exchange(ctx, c.step, c.cmd, c.want); err != nil {
			return err
		}
	}

	m.setState(StateRunning)
	start := m.clock.Now()
	err := m.run(ctx, s, meas)
	meas.Duration = m.clock.Since(start)
	if err != nil {
		return err
	}

	m.setState(StateDraining)
	select {
	case <-m.clock.After(m.drain):
	case <-ctx.Done():
	}
	return context.Cause(ctx)
}

// quietLimit bounds how long detaching waits for the data link to go quiet
// after the drain window.
func (m *Meter) quietLimit() time.Duration {
	return max(m.drain, minQuietWait)
}

func (m *Meter) run(ctx context.Context, s flicker.Settings, meas *flicker.Measurement) error {
	if err := m.ctrl.Exchange(ctx, "start measurement", cmdRun, ackRunStarted); err != nil {
		return err
	}
	monitoring.Logf("measurement %s started: %d samples, gain %s, time %s", meas.ID, s.Samples, s.Gain, s.Time)

	// the data link is collected concurrently until the device reports the end
	if err := m.ctrl.Await(ctx, lineRunEnded); err != nil {
		return fmt.Errorf("waiting for end of measurement: %w", err)
	}
	return nil
}

func (m *Meter) decode(meas *flicker.Measurement, buf *stream.Buffer) {
	meas.Points, meas.Valid = frame.Decode(buf.Bytes())
}

// Close closes both links. It is safe to call more than once.
func (m *Meter) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	return errors.Join(m.ctrl.Close(), m.data.Close())
}
