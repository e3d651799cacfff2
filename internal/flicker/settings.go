package flicker

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Gain is the sensitivity multiplier of the sensor. The value is the device
// register code, which is not linear in the multiplier.
type Gain uint8

const (
	GainX2048 Gain = 0
	GainX1024 Gain = 1
	GainX512  Gain = 2
	GainX256  Gain = 3
	GainX128  Gain = 4
	GainX64   Gain = 5
	GainX32   Gain = 6
	GainX16   Gain = 7
	GainX8    Gain = 8
	GainX4    Gain = 9
	GainX2    Gain = 10
	GainX1    Gain = 16
)

// gainMultipliers maps every supported register code to its multiplier.
var gainMultipliers = map[Gain]int{
	GainX2048: 2048,
	GainX1024: 1024,
	GainX512:  512,
	GainX256:  256,
	GainX128:  128,
	GainX64:   64,
	GainX32:   32,
	GainX16:   16,
	GainX8:    8,
	GainX4:    4,
	GainX2:    2,
	GainX1:    1,
}

// Valid reports whether g is one of the supported register codes.
func (g Gain) Valid() bool {
	_, ok := gainMultipliers[g]
	return ok
}

// Multiplier returns the sensitivity multiplier, or 0 for an unsupported code.
func (g Gain) Multiplier() int {
	return gainMultipliers[g]
}

// Register returns the device register code.
func (g Gain) Register() uint8 {
	return uint8(g)
}

func (g Gain) String() string {
	if !g.Valid() {
		return fmt.Sprintf("Gain(%d)", uint8(g))
	}
	return "x" + strconv.Itoa(g.Multiplier())
}

// ParseGain accepts "x16", "X16" or "16".
func ParseGain(s string) (Gain, error) {
	v := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "x")
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: gain %q", ErrInvalidSetting, s)
	}
	for g, mult := range gainMultipliers {
		if mult == n {
			return g, nil
		}
	}
	return 0, fmt.Errorf("%w: unsupported gain %q", ErrInvalidSetting, s)
}

// Time is the integration period of a single sample. The value is the device
// register code; register 0 (1ms) is disabled on the device and rejected here.
type Time uint8

const (
	TimeMs2     Time = 1
	TimeMs4     Time = 2
	TimeMs8     Time = 3
	TimeMs16    Time = 4
	TimeMs32    Time = 5
	TimeMs64    Time = 6
	TimeMs128   Time = 7
	TimeMs256   Time = 8
	TimeMs512   Time = 9
	TimeMs1024  Time = 10
	TimeMs2048  Time = 11
	TimeMs4096  Time = 12
	TimeMs8192  Time = 13
	TimeMs16384 Time = 14
)

var integrationTimes = map[Time]time.Duration{
	TimeMs2:     2 * time.Millisecond,
	TimeMs4:     4 * time.Millisecond,
	TimeMs8:     8 * time.Millisecond,
	TimeMs16:    16 * time.Millisecond,
	TimeMs32:    32 * time.Millisecond,
	TimeMs64:    64 * time.Millisecond,
	TimeMs128:   128 * time.Millisecond,
	TimeMs256:   256 * time.Millisecond,
	TimeMs512:   512 * time.Millisecond,
	TimeMs1024:  1024 * time.Millisecond,
	TimeMs2048:  2048 * time.Millisecond,
	TimeMs4096:  4096 * time.Millisecond,
	TimeMs8192:  8192 * time.Millisecond,
	TimeMs16384: 16384 * time.Millisecond,
}

// Valid reports whether t is one of the supported register codes.
func (t Time) Valid() bool {
	_, ok := integrationTimes[t]
	return ok
}

// Integration returns the integration period, or 0 for an unsupported code.
func (t Time) Integration() time.Duration {
	return integrationTimes[t]
}

// NominalRate returns the sample rate the device documents for this setting
// (8kHz halved for every register step).
func (t Time) NominalRate() float64 {
	if !t.Valid() {
		return 0
	}
	return 8000 / float64(uint(1)<<uint(t))
}

// Register returns the device register code.
func (t Time) Register() uint8 {
	return uint8(t)
}

func (t Time) String() string {
	if !t.Valid() {
		return fmt.Sprintf("Time(%d)", uint8(t))
	}
	return strconv.FormatInt(t.Integration().Milliseconds(), 10) + "ms"
}

// ParseTime accepts "4ms" or "4".
func ParseTime(s string) (Time, error) {
	v := strings.TrimSuffix(strings.ToLower(strings.TrimSpace(s)), "ms")
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: time %q", ErrInvalidSetting, s)
	}
	for t, d := range integrationTimes {
		if d.Milliseconds() == int64(n) {
			return t, nil
		}
	}
	return 0, fmt.Errorf("%w: unsupported time %q", ErrInvalidSetting, s)
}

// Settings are the per-acquisition parameters.
type Settings struct {
	Samples uint32
	Gain    Gain
	Time    Time
}

// MaxSamples is the largest sample count accepted for one acquisition. Its
// capture buffer is about 48MB.
const MaxSamples = 1 << 22

// DefaultSettings mirrors the device defaults used when nothing is configured.
func DefaultSettings() Settings {
	return Settings{Samples: 16000, Gain: GainX8, Time: TimeMs2}
}

// Validate rejects gain and time codes outside the supported tables and
// sample counts above MaxSamples.
func (s Settings) Validate() error {
	if s.Samples > MaxSamples {
		return fmt.Errorf("%w: %d samples exceeds the maximum of %d", ErrInvalidSetting, s.Samples, MaxSamples)
	}
	if !s.Gain.Valid() {
		return fmt.Errorf("%w: gain register %d", ErrInvalidSetting, uint8(s.Gain))
	}
	if !s.Time.Valid() {
		return fmt.Errorf("%w: time register %d", ErrInvalidSetting, uint8(s.Time))
	}
	return nil
}

// CaptureSize is the byte size of the capture buffer for an acquisition of
// the given number of samples. It leaves room for 100 extra frames.
func CaptureSize(samples uint32) int {
	return (int(samples) + 100) * FrameSize
}
