package meter

import (
	"fmt"

	"github.com/banshee-data/flicker/internal/flicker"
)

// Control link commands and the responses the firmware answers with. The
// spelling of the init acknowledgment is what the firmware sends.
const (
	cmdSelf  = "self"
	cmdInit  = "init"
	cmdStart = "start"
	cmdRun   = "run"

	ackSelfTest    = "Self test OK"
	ackInit        = "Device Inicialization"
	ackStart       = "Sensor started"
	ackRunStarted  = "Measurement started"
	lineRunEnded   = "Measurement ended"
	ackSamplesFmt  = "Sample Updated 0x%08X"
	ackTimeFmt     = "Time Updated 0x%02X"
	ackGainFmt     = "Gain Updated 0x%02X"
	cmdSamplesFmt  = "Sample 0x%s"
	cmdRegisterFmt = "%s 0x0%c"
)

// samplesCommand encodes the sample count as 8 upper case hex digits with
// every letter digit moved down by 7 code points ('A' becomes ':'), which is
// the range the firmware parses.
func samplesCommand(samples uint32) string {
	digits := []byte(fmt.Sprintf("%08X", samples))
	for i, d := range digits {
		if d > '9' {
			digits[i] = d - 7
		}
	}
	return fmt.Sprintf(cmdSamplesFmt, digits)
}

func samplesAck(samples uint32) string {
	return fmt.Sprintf(ackSamplesFmt, samples)
}

// registerCommand writes a register code as a single character offset from
// '0', so codes above 9 continue into ':', ';' and beyond.
func registerCommand(name string, code uint8) string {
	return fmt.Sprintf(cmdRegisterFmt, name, rune('0'+code))
}

func timeCommand(t flicker.Time) string { return registerCommand("Time", t.Register()) }
func timeAck(t flicker.Time) string     { return fmt.Sprintf(ackTimeFmt, t.Register()) }
func gainCommand(g flicker.Gain) string { return registerCommand("Gain", g.Register()) }
func gainAck(g flicker.Gain) string     { return fmt.Sprintf(ackGainFmt, g.Register()) }
