package testutil

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/banshee-data/flicker/internal/seriallink"
)

// Identification strings answered to "info".
const (
	ControlInfo = "Config interface of Flickermeter"
	DataInfo    = "Data interface of Flickermeter"
)

// Device simulates a flickermeter behind two in-memory serial ports. Commands
// written to Control are answered synchronously; "run" streams frames on
// Data before reporting the end of the measurement.
type Device struct {
	Control *seriallink.TestablePort
	Data    *seriallink.TestablePort

	mu       sync.Mutex
	started  bool
	samples  uint32
	partial  []byte
	commands []string

	// Overrides replaces the answer to a command.
	Overrides map[string]string
	// Payload produces the data link bytes of a run. The default streams
	// `samples` consistent frames.
	Payload func(samples uint32) []byte
	// HoldEnd keeps the run going until End is called.
	HoldEnd bool
}

// NewDevice returns a cold device: the sensor has not been started.
func NewDevice() *Device {
	d := &Device{
		Control:   seriallink.NewTestablePort(),
		Data:      seriallink.NewTestablePort(),
		Overrides: map[string]string{},
	}
	d.Control.OnWrite = d.onControlWrite
	d.Data.OnWrite = func(p []byte) {
		if strings.TrimSpace(string(p)) == "info" {
			d.Data.AddReadData([]byte(DataInfo + "\n"))
		}
	}
	return d
}

// NewStartedDevice returns a device whose sensor is already running.
func NewStartedDevice() *Device {
	d := NewDevice()
	d.started = true
	return d
}

// Commands returns the control commands received so far.
func (d *Device) Commands() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.commands...)
}

// Override sets the answer to command.
func (d *Device) Override(command, answer string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Overrides[command] = answer
}

// ClearOverride restores the default answer to command.
func (d *Device) ClearOverride(command string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.Overrides, command)
}

// End reports the end of a held run.
func (d *Device) End() {
	d.Control.AddReadData([]byte("Measurement ended\n"))
}

func (d *Device) onControlWrite(p []byte) {
	d.mu.Lock()
	d.partial = append(d.partial, p...)
	var lines []string
	for {
		i := bytes.IndexByte(d.partial, '\n')
		if i < 0 {
			break
		}
		lines = append(lines, strings.TrimRight(string(d.partial[:i]), "\r"))
		d.partial = d.partial[i+1:]
	}
	d.mu.Unlock()

	for _, line := range lines {
		d.handle(line)
	}
}

func (d *Device) reply(line string) {
	d.Control.AddReadData([]byte(line + "\n"))
}

func (d *Device) handle(cmd string) {
	d.mu.Lock()
	d.commands = append(d.commands, cmd)
	override, overridden := d.Overrides[cmd]
	d.mu.Unlock()

	if overridden {
		d.reply(override)
		return
	}

	switch {
	case cmd == "info":
		d.reply(ControlInfo)
	case cmd == "self":
		d.mu.Lock()
		started := d.started
		d.mu.Unlock()
		if started {
			d.reply("Self test OK")
		} else {
			d.reply("Sensor not started")
		}
	case cmd == "init":
		d.reply("Device Inicialization")
	case cmd == "start":
		d.mu.Lock()
		d.started = true
		d.mu.Unlock()
		d.reply("Sensor started")
	case strings.HasPrefix(cmd, "Sample 0x"):
		n, err := decodeSamples(strings.TrimPrefix(cmd, "Sample 0x"))
		if err != nil {
			d.reply("Unknown command")
			return
		}
		d.mu.Lock()
		d.samples = n
		d.mu.Unlock()
		d.reply(fmt.Sprintf("Sample Updated 0x%08X", n))
	case strings.HasPrefix(cmd, "Time 0x0") && len(cmd) == len("Time 0x0")+1:
		d.reply(fmt.Sprintf("Time Updated 0x%02X", cmd[len(cmd)-1]-'0'))
	case strings.HasPrefix(cmd, "Gain 0x0") && len(cmd) == len("Gain 0x0")+1:
		d.reply(fmt.Sprintf("Gain Updated 0x%02X", cmd[len(cmd)-1]-'0'))
	case cmd == "run":
		d.run()
	default:
		d.reply("Unknown command")
	}
}

func (d *Device) run() {
	d.mu.Lock()
	samples, payload, hold := d.samples, d.Payload, d.HoldEnd
	d.mu.Unlock()

	d.reply("Measurement started")
	if payload == nil {
		payload = func(n uint32) []byte { return Encode(Points(int(n))) }
	}
	d.Data.AddReadData(payload(samples))
	if !hold {
		d.End()
	}
}

// decodeSamples reverses the firmware's digit encoding of the sample count.
func decodeSamples(digits string) (uint32, error) {
	if len(digits) != 8 {
		return 0, fmt.Errorf("sample count %q: want 8 digits", digits)
	}
	hex := []byte(digits)
	for i, c := range hex {
		if c >= ':' && c <= '?' {
			hex[i] = c + 7
		}
	}
	n, err := strconv.ParseUint(string(hex), 16, 32)
	return uint32(n), err
}
