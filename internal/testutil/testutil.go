// Package testutil provides shared test fixtures: synthetic samples and an
// in-memory flickermeter speaking the control and data link protocols.
package testutil

import (
	"github.com/banshee-data/flicker/internal/flicker"
	"github.com/banshee-data/flicker/internal/frame"
)

// Points returns n consistent samples with a triangular Y waveform.
func Points(n int) []flicker.DataPoint {
	points := make([]flicker.DataPoint, n)
	for i := range points {
		tri := i % 50
		if tri > 25 {
			tri = 50 - tri
		}
		points[i] = frame.Sealed(flicker.DataPoint{
			Index: uint32(i),
			X:     uint16(1200 + i%7),
			Y:     uint16(3000 + 40*tri),
			Z:     uint16(800 + i%5),
		})
	}
	return points
}

// Encode serialises points in wire order.
func Encode(points []flicker.DataPoint) []byte {
	buf := make([]byte, 0, len(points)*frame.Size)
	for _, p := range points {
		buf = frame.Append(buf, p)
	}
	return buf
}
