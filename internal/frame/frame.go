// Package frame converts the raw data link byte stream into samples.
//
// The stream is a flat sequence of 12-byte frames with no delimiters:
//
//	offset  size  field
//	0       4     index (little-endian)
//	4       2     X
//	6       2     Y
//	8       2     Z
//	10      2     checksum = index[31:16] ^ index[15:0] ^ X ^ Y ^ Z
//
// Alignment is positional only. A dropped or extra byte shifts every
// following frame and shows up as checksum failures.
package frame

import (
	"encoding/binary"

	"github.com/banshee-data/flicker/internal/flicker"
)

// Size is the length of one frame in bytes.
const Size = flicker.FrameSize

// Parse decodes a single frame. b must hold at least Size bytes.
func Parse(b []byte) flicker.DataPoint {
	_ = b[Size-1]
	return flicker.DataPoint{
		Index:    binary.LittleEndian.Uint32(b[0:4]),
		X:        binary.LittleEndian.Uint16(b[4:6]),
		Y:        binary.LittleEndian.Uint16(b[6:8]),
		Z:        binary.LittleEndian.Uint16(b[8:10]),
		Checksum: binary.LittleEndian.Uint16(b[10:12]),
	}
}

// Decode slices buf into frames and decodes each of them. Trailing bytes
// that do not fill a whole frame are ignored. Every frame is returned; valid
// is false if any of them fails its checksum. Decode does not modify buf.
func Decode(buf []byte) (points []flicker.DataPoint, valid bool) {
	n := len(buf) / Size
	points = make([]flicker.DataPoint, 0, n)
	valid = true
	for off := 0; off+Size <= len(buf); off += Size {
		p := Parse(buf[off : off+Size])
		if !p.Consistent() {
			valid = false
		}
		points = append(points, p)
	}
	return points, valid
}

// Append encodes p onto dst in wire order and returns the extended slice.
func Append(dst []byte, p flicker.DataPoint) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, p.Index)
	dst = binary.LittleEndian.AppendUint16(dst, p.X)
	dst = binary.LittleEndian.AppendUint16(dst, p.Y)
	dst = binary.LittleEndian.AppendUint16(dst, p.Z)
	return binary.LittleEndian.AppendUint16(dst, p.Checksum)
}

// Sealed returns p with its checksum set from its contents.
func Sealed(p flicker.DataPoint) flicker.DataPoint {
	p.Checksum = flicker.Checksum(p.Index, p.X, p.Y, p.Z)
	return p
}
