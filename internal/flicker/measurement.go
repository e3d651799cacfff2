// Package flicker holds the data model of the flickermeter: acquisition
// settings, decoded samples and the measurement they belong to.
package flicker

import (
	"time"

	"github.com/google/uuid"
)

// FrameSize is the size in bytes of one sample on the data link.
const FrameSize = 12

// DataPoint is one decoded sample.
type DataPoint struct {
	Index    uint32
	X        uint16
	Y        uint16
	Z        uint16
	Checksum uint16
}

// Checksum computes the XOR checksum the device attaches to a sample.
func Checksum(index uint32, x, y, z uint16) uint16 {
	return uint16(index>>16) ^ uint16(index&0xFFFF) ^ x ^ y ^ z
}

// Consistent reports whether the sample's checksum matches its contents.
func (p DataPoint) Consistent() bool {
	return Checksum(p.Index, p.X, p.Y, p.Z) == p.Checksum
}

// Measurement is the result of one acquisition. Valid is a property of the
// whole run: a single inconsistent sample clears it.
type Measurement struct {
	ID        uuid.UUID
	CreatedAt time.Time
	Duration  time.Duration
	Samples   uint32
	Gain      Gain
	Time      Time
	Points    []DataPoint
	Valid     bool
}

// NewMeasurement creates an empty measurement for the given settings.
func NewMeasurement(s Settings, createdAt time.Time) *Measurement {
	return &Measurement{
		ID:        uuid.New(),
		CreatedAt: createdAt.UTC(),
		Samples:   s.Samples,
		Gain:      s.Gain,
		Time:      s.Time,
	}
}

// Rate returns the number of captured points per second of run time.
func (m *Measurement) Rate() float64 {
	if m.Duration <= 0 {
		return 0
	}
	return float64(len(m.Points)) / m.Duration.Seconds()
}
