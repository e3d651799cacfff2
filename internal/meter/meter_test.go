package meter

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/flicker/internal/control"
	"github.com/banshee-data/flicker/internal/flicker"
	"github.com/banshee-data/flicker/internal/stream"
	"github.com/banshee-data/flicker/internal/testutil"
	"github.com/banshee-data/flicker/internal/timeutil"
)

var testEpoch = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func newMeter(t *testing.T, d *testutil.Device) (*Meter, *timeutil.MockClock) {
	t.Helper()
	clock := timeutil.NewMockClock(testEpoch)
	m := New(control.New(d.Control), d.Data, Options{
		Clock:  clock,
		Stream: stream.Options{PollInterval: 2 * time.Millisecond, Queue: 8},
	})
	t.Cleanup(func() { m.Close() })
	return m, clock
}

func initializedMeter(t *testing.T, d *testutil.Device) (*Meter, *timeutil.MockClock) {
	t.Helper()
	m, clock := newMeter(t, d)
	require.NoError(t, m.Initialize(context.Background()))
	return m, clock
}

func settings(samples uint32) flicker.Settings {
	return flicker.Settings{Samples: samples, Gain: flicker.GainX16, Time: flicker.TimeMs4}
}

func TestInitialize_AlreadyRunningSkipsBringUp(t *testing.T) {
	d := testutil.NewStartedDevice()
	m, _ := newMeter(t, d)
	assert.Equal(t, StateUninitialized, m.State())

	require.NoError(t, m.Initialize(context.Background()))
	assert.Equal(t, []string{"self"}, d.Commands())
	assert.True(t, m.Initialized())
	assert.Equal(t, StateInitialized, m.State())
}

func TestInitialize_ColdStart(t *testing.T) {
	d := testutil.NewDevice()
	m, _ := newMeter(t, d)

	require.NoError(t, m.Initialize(context.Background()))
	assert.Equal(t, []string{"self", "init", "start", "self"}, d.Commands())
	assert.True(t, m.Initialized())
}

func TestInitialize_Failures(t *testing.T) {
	tests := []struct {
		name     string
		command  string
		answer   string
		wantCmds []string
	}{
		{"init not acknowledged", "init", "Device Initialization", []string{"self", "init"}},
		{"sensor does not start", "start", "I2C error", []string{"self", "init", "start"}},
		// answering "start" without starting the sensor fails the final self test
		{"self test fails after start", "start", "Sensor started", []string{"self", "init", "start", "self"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			d := testutil.NewDevice()
			d.Override(tc.command, tc.answer)
			m, _ := newMeter(t, d)

			err := m.Initialize(context.Background())
			require.Error(t, err)
			assert.ErrorIs(t, err, flicker.ErrProtocolMismatch)
			assert.Equal(t, tc.wantCmds, d.Commands())
			assert.False(t, m.Initialized())
			assert.Equal(t, StateError, m.State())
		})
	}
}

func TestInitialize_ClosedControlLink(t *testing.T) {
	d := testutil.NewStartedDevice()
	m, _ := newMeter(t, d)
	require.NoError(t, m.Close())

	assert.ErrorIs(t, m.Initialize(context.Background()), flicker.ErrLinkNotOpen)
	assert.Empty(t, d.Commands())
}

func TestInitialize_ReadTimeout(t *testing.T) {
	d := testutil.NewStartedDevice()
	d.Control.OnWrite = nil // the device never answers
	ctrl := control.New(d.Control)
	ctrl.SetReadTimeout(10 * time.Millisecond)
	m := New(ctrl, d.Data, Options{Clock: timeutil.NewMockClock(testEpoch)})
	defer m.Close()

	err := m.Initialize(context.Background())
	assert.ErrorIs(t, err, control.ErrReadTimeout)
	assert.Equal(t, "self\n", d.Control.Written())
	assert.Equal(t, StateError, m.State())
}

func TestMeasure_Success(t *testing.T) {
	d := testutil.NewStartedDevice()
	m, clock := initializedMeter(t, d)

	meas, err := m.Measure(context.Background(), settings(500))
	require.NoError(t, err)
	require.NotNil(t, meas)

	assert.Equal(t, []string{
		"self",
		"Sample 0x000001?4",
		"Time 0x02",
		"Gain 0x07",
		"run",
	}, d.Commands())

	assert.True(t, meas.Valid)
	assert.Len(t, meas.Points, 500)
	assert.Equal(t, testutil.Points(500), meas.Points)
	assert.Equal(t, uint32(500), meas.Samples)
	assert.Equal(t, flicker.GainX16, meas.Gain)
	assert.Equal(t, flicker.TimeMs4, meas.Time)
	assert.Equal(t, testEpoch, meas.CreatedAt)

	assert.Equal(t, []time.Duration{DefaultDrainDelay}, clock.Sleeps())
	assert.Equal(t, StateDecoded, m.State())
	assert.False(t, m.Measuring())
}

func TestMeasure_SampleCountEncoding(t *testing.T) {
	d := testutil.NewStartedDevice()
	d.Payload = func(uint32) []byte { return testutil.Encode(testutil.Points(3)) }
	m, _ := initializedMeter(t, d)

	meas, err := m.Measure(context.Background(), settings(0x0000A1B2))
	require.NoError(t, err)
	assert.Contains(t, d.Commands(), "Sample 0x0000:1;2")
	assert.Len(t, meas.Points, 3)
}

func TestMeasure_SampleAckMustCarryPlainHex(t *testing.T) {
	d := testutil.NewStartedDevice()
	d.Override("Sample 0x0000:1;2", "Sample Updated 0x0000:1;2")
	m, _ := initializedMeter(t, d)

	meas, err := m.Measure(context.Background(), settings(0x0000A1B2))
	assert.ErrorIs(t, err, flicker.ErrProtocolMismatch)
	require.NotNil(t, meas)
	assert.False(t, meas.Valid)
	assert.NotContains(t, d.Commands(), "Time 0x02")
}

func TestMeasure_GainMismatchDoesNotRun(t *testing.T) {
	d := testutil.NewStartedDevice()
	d.Override("Gain 0x07", "Gain Updated 0x7")
	m, _ := initializedMeter(t, d)

	meas, err := m.Measure(context.Background(), settings(100))
	require.Error(t, err)
	assert.ErrorIs(t, err, flicker.ErrProtocolMismatch)

	var mismatch *flicker.ProtocolMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, "Gain Updated 0x07", mismatch.Want)
	assert.Equal(t, "Gain Updated 0x7", mismatch.Got)

	assert.NotContains(t, d.Commands(), "run")
	require.NotNil(t, meas)
	assert.False(t, meas.Valid)
	assert.Empty(t, meas.Points)
	assert.Equal(t, StateError, m.State())
	assert.False(t, m.Measuring())
	assert.True(t, m.Initialized(), "a failed acquisition keeps the device initialized")

	// the next acquisition is allowed once the device answers correctly
	d.ClearOverride("Gain 0x07")
	meas, err = m.Measure(context.Background(), settings(100))
	require.NoError(t, err)
	assert.Len(t, meas.Points, 100)
	assert.Equal(t, StateDecoded, m.State())
}

func TestMeasure_NotReady(t *testing.T) {
	d := testutil.NewStartedDevice()
	m, _ := newMeter(t, d)

	meas, err := m.Measure(context.Background(), settings(10))
	assert.ErrorIs(t, err, flicker.ErrNotReady)
	assert.Nil(t, meas)
	assert.Empty(t, d.Commands())

	require.NoError(t, m.Initialize(context.Background()))
	require.NoError(t, m.Close())
	_, err = m.Measure(context.Background(), settings(10))
	assert.ErrorIs(t, err, flicker.ErrNotReady)
}

func TestMeasure_InvalidSettings(t *testing.T) {
	d := testutil.NewStartedDevice()
	m, _ := initializedMeter(t, d)

	_, err := m.Measure(context.Background(), flicker.Settings{Samples: 10, Gain: flicker.Gain(11), Time: flicker.TimeMs2})
	assert.ErrorIs(t, err, flicker.ErrInvalidSetting)
	_, err = m.Measure(context.Background(), flicker.Settings{Samples: 10, Gain: flicker.GainX1, Time: flicker.Time(0)})
	assert.ErrorIs(t, err, flicker.ErrInvalidSetting)
	assert.Equal(t, []string{"self"}, d.Commands())
}

func TestMeasure_BusyWhileMeasuring(t *testing.T) {
	d := testutil.NewStartedDevice()
	d.HoldEnd = true
	m, _ := initializedMeter(t, d)

	type result struct {
		meas *flicker.Measurement
		err  error
	}
	first := make(chan result, 1)
	go func() {
		meas, err := m.Measure(context.Background(), settings(50))
		first <- result{meas, err}
	}()

	require.Eventually(t, func() bool {
		return slices.Contains(d.Commands(), "run")
	}, time.Second, time.Millisecond)
	assert.True(t, m.Measuring())
	sent := d.Commands()

	meas, err := m.Measure(context.Background(), settings(50))
	assert.ErrorIs(t, err, flicker.ErrBusy)
	assert.Nil(t, meas)
	assert.ErrorIs(t, m.Initialize(context.Background()), flicker.ErrBusy)
	assert.Equal(t, sent, d.Commands(), "a rejected request must not touch the control link")

	d.End()
	select {
	case r := <-first:
		require.NoError(t, r.err)
		assert.Len(t, r.meas.Points, 50)
		assert.True(t, r.meas.Valid)
	case <-time.After(5 * time.Second):
		t.Fatal("first measurement did not finish")
	}
	assert.False(t, m.Measuring())
}

func TestMeasure_CorruptFrameInvalidatesMeasurement(t *testing.T) {
	d := testutil.NewStartedDevice()
	d.Payload = func(n uint32) []byte {
		buf := testutil.Encode(testutil.Points(int(n)))
		buf[7*12+6] ^= 0xFF
		return buf
	}
	m, _ := initializedMeter(t, d)

	meas, err := m.Measure(context.Background(), settings(20))
	require.NoError(t, err)
	assert.False(t, meas.Valid)
	assert.Len(t, meas.Points, 20, "inconsistent frames are kept")
	assert.False(t, meas.Points[7].Consistent())
	assert.Equal(t, StateDecoded, m.State())
}

func TestMeasure_KeepsExtraFramesAndDropsPartialTail(t *testing.T) {
	d := testutil.NewStartedDevice()
	d.Payload = func(n uint32) []byte {
		buf := testutil.Encode(testutil.Points(int(n) + 30))
		return append(buf, 0x01, 0x02, 0x03, 0x04, 0x05)
	}
	m, _ := initializedMeter(t, d)

	meas, err := m.Measure(context.Background(), settings(40))
	require.NoError(t, err)
	assert.Len(t, meas.Points, 70, "captured frames are not truncated to the requested count")
	assert.True(t, meas.Valid)
}

func TestMeasure_BufferOverrun(t *testing.T) {
	const samples = 10
	d := testutil.NewStartedDevice()
	d.Payload = func(n uint32) []byte {
		return testutil.Encode(testutil.Points(int(n) + 100 + 5))
	}
	m, _ := initializedMeter(t, d)

	meas, err := m.Measure(context.Background(), settings(samples))
	require.Error(t, err)
	assert.ErrorIs(t, err, flicker.ErrBufferOverrun)
	require.NotNil(t, meas)
	assert.Len(t, meas.Points, samples+100, "everything that fit is decoded")
	assert.False(t, meas.Valid)
	assert.Equal(t, StateError, m.State())
	assert.False(t, m.Measuring())
}

func TestMeasure_CancelledKeepsPartialData(t *testing.T) {
	d := testutil.NewStartedDevice()
	d.HoldEnd = true
	d.Payload = func(uint32) []byte { return testutil.Encode(testutil.Points(25)) }
	m, _ := initializedMeter(t, d)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	var (
		meas *flicker.Measurement
		err  error
	)
	go func() {
		defer close(done)
		meas, err = m.Measure(ctx, settings(1000))
	}()

	require.Eventually(t, func() bool {
		return slices.Contains(d.Commands(), "run") && d.Data.Pending() == 0
	}, time.Second, time.Millisecond)
	cancel()
	<-done

	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, meas)
	assert.Len(t, meas.Points, 25)
	assert.False(t, meas.Valid)
	assert.Equal(t, StateError, m.State())
	assert.False(t, m.Measuring())
}

func TestMeasure_DataLinkFailureAborts(t *testing.T) {
	d := testutil.NewStartedDevice()
	d.HoldEnd = true
	d.Payload = func(uint32) []byte { return testutil.Encode(testutil.Points(4)) }
	m, _ := initializedMeter(t, d)

	ioErr := errors.New("data link unplugged")
	done := make(chan error, 1)
	go func() {
		_, err := m.Measure(context.Background(), settings(10))
		done <- err
	}()

	require.Eventually(t, func() bool {
		return slices.Contains(d.Commands(), "run") && d.Data.Pending() == 0
	}, time.Second, time.Millisecond)
	d.Data.FailNextRead(ioErr)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ioErr)
	case <-time.After(5 * time.Second):
		t.Fatal("measurement did not abort")
	}
}

func TestMeasure_DrainDelayOptions(t *testing.T) {
	for _, tc := range []struct {
		name  string
		drain time.Duration
		want  []time.Duration
	}{
		{"default", 0, []time.Duration{time.Second}},
		{"custom", 250 * time.Millisecond, []time.Duration{250 * time.Millisecond}},
		{"disabled", -1, []time.Duration{0}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			d := testutil.NewStartedDevice()
			clock := timeutil.NewMockClock(testEpoch)
			m := New(control.New(d.Control), d.Data, Options{
				Clock:      clock,
				DrainDelay: tc.drain,
				Stream:     stream.Options{PollInterval: 2 * time.Millisecond},
			})
			defer m.Close()

			require.NoError(t, m.Initialize(context.Background()))
			_, err := m.Measure(context.Background(), settings(5))
			require.NoError(t, err)
			assert.Equal(t, tc.want, clock.Sleeps())
		})
	}
}

func TestClose_Idempotent(t *testing.T) {
	d := testutil.NewStartedDevice()
	m, _ := newMeter(t, d)

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
	assert.True(t, d.Control.Closed())
	assert.True(t, d.Data.Closed())
}

// lateClock delivers more data link bytes when the drain window starts.
type lateClock struct {
	*timeutil.MockClock
	onDrain func()
}

func (c *lateClock) After(d time.Duration) <-chan time.Time {
	if c.onDrain != nil {
		c.onDrain()
	}
	return c.MockClock.After(d)
}

// stalledClock never ends the drain window.
type stalledClock struct {
	*timeutil.MockClock
}

func (stalledClock) After(time.Duration) <-chan time.Time { return nil }

// streamWhileRunning makes d send points one frame per millisecond after
// "run", without ever reporting the end of the run.
func streamWhileRunning(t *testing.T, d *testutil.Device, points []flicker.DataPoint) {
	t.Helper()
	d.HoldEnd = true
	running := make(chan struct{})
	d.Payload = func(uint32) []byte {
		close(running)
		return nil
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	t.Cleanup(func() {
		close(stop)
		<-done
	})
	go func() {
		defer close(done)
		select {
		case <-running:
		case <-stop:
			return
		}
		for _, p := range points {
			select {
			case <-stop:
				return
			case <-time.After(time.Millisecond):
				d.Data.AddReadData(testutil.Encode([]flicker.DataPoint{p}))
			}
		}
	}()
}

func TestMeasure_CancelWhileDeviceStreams(t *testing.T) {
	points := testutil.Points(5000)
	d := testutil.NewStartedDevice()
	streamWhileRunning(t, d, points)
	m, _ := initializedMeter(t, d)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	type result struct {
		meas *flicker.Measurement
		err  error
	}
	done := make(chan result, 1)
	go func() {
		meas, err := m.Measure(ctx, settings(100000))
		done <- result{meas, err}
	}()

	require.Eventually(t, func() bool {
		return slices.Contains(d.Commands(), "run")
	}, time.Second, time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	cancel()
	cancelled := time.Now()

	select {
	case r := <-done:
		assert.Less(t, time.Since(cancelled), time.Second)
		assert.ErrorIs(t, r.err, context.Canceled)
		require.NotNil(t, r.meas)
		assert.False(t, r.meas.Valid)
		require.NotEmpty(t, r.meas.Points, "frames received before the cancel are decoded")
		assert.Equal(t, points[:len(r.meas.Points)], r.meas.Points)
	case <-time.After(3 * time.Second):
		t.Fatal("Measure did not return while the device kept streaming")
	}
	assert.Equal(t, StateError, m.State())
	assert.False(t, m.Measuring())
}

func TestMeasure_OverrunWhileDeviceStreams(t *testing.T) {
	const samples = 10
	d := testutil.NewStartedDevice()
	streamWhileRunning(t, d, testutil.Points(5000))
	m, _ := initializedMeter(t, d)

	done := make(chan error, 1)
	var meas *flicker.Measurement
	go func() {
		var err error
		meas, err = m.Measure(context.Background(), settings(samples))
		done <- err
	}()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, flicker.ErrBufferOverrun)
		require.NotNil(t, meas)
		assert.Len(t, meas.Points, samples+100)
		assert.False(t, meas.Valid)
	case <-time.After(3 * time.Second):
		t.Fatal("Measure did not abort on overrun while the device kept streaming")
	}
}

func TestMeasure_DrainWindowCapturesLateFrames(t *testing.T) {
	all := testutil.Points(60)
	d := testutil.NewStartedDevice()
	d.Payload = func(uint32) []byte { return testutil.Encode(all[:40]) }

	clock := &lateClock{MockClock: timeutil.NewMockClock(testEpoch)}
	clock.onDrain = func() { d.Data.AddReadData(testutil.Encode(all[40:])) }
	m := New(control.New(d.Control), d.Data, Options{
		Clock:  clock,
		Stream: stream.Options{PollInterval: 2 * time.Millisecond},
	})
	defer m.Close()
	require.NoError(t, m.Initialize(context.Background()))

	meas, err := m.Measure(context.Background(), settings(60))
	require.NoError(t, err)
	assert.True(t, meas.Valid)
	assert.Equal(t, all, meas.Points, "frames arriving after the end line are kept")
	assert.Equal(t, []time.Duration{DefaultDrainDelay}, clock.Sleeps())
}

func TestMeasure_CancelDuringDrain(t *testing.T) {
	d := testutil.NewStartedDevice()
	d.Payload = func(uint32) []byte { return testutil.Encode(testutil.Points(30)) }
	m := New(control.New(d.Control), d.Data, Options{
		Clock:  stalledClock{timeutil.NewMockClock(testEpoch)},
		Stream: stream.Options{PollInterval: 2 * time.Millisecond},
	})
	defer m.Close()
	require.NoError(t, m.Initialize(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	var meas *flicker.Measurement
	go func() {
		var err error
		meas, err = m.Measure(ctx, settings(30))
		done <- err
	}()

	require.Eventually(t, func() bool {
		return m.State() == StateDraining && d.Data.Pending() == 0
	}, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
		require.NotNil(t, meas)
		assert.Len(t, meas.Points, 30)
		assert.False(t, meas.Valid)
	case <-time.After(3 * time.Second):
		t.Fatal("cancel did not end the drain window")
	}
}
