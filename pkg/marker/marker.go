// Package marker walks JPEG marker streams to find where an APP2 metadata
// segment can be inserted ahead of the compressed scan data.
package marker

import (
	"fmt"

	"github.com/garyhouston/jpegsegs"
)

// Code is a full 16-bit JPEG marker code, e.g. 0xFFD8.
type Code uint16

// JPEG marker codes (ITU-T T.81 Table B.1)
const (
	TEM   Code = 0xFF00 | jpegsegs.TEM
	SOF0  Code = 0xFF00 | jpegsegs.SOF0
	DHT   Code = 0xFF00 | jpegsegs.DHT
	RST0  Code = 0xFF00 | jpegsegs.RST0
	RST7  Code = RST0 + 7
	SOI   Code = 0xFF00 | jpegsegs.SOI
	EOI   Code = 0xFF00 | jpegsegs.EOI
	SOS   Code = 0xFF00 | jpegsegs.SOS
	DQT   Code = 0xFF00 | jpegsegs.DQT
	DRI   Code = 0xFF00 | jpegsegs.DRI
	APP0  Code = 0xFF00 | jpegsegs.APP0
	APP1  Code = APP0 + 1
	APP2  Code = APP0 + 2
	APP15 Code = APP0 + 15
	COM   Code = 0xFF00 | jpegsegs.COM
)

// Name returns the mnemonic for the marker, e.g. "APP1".
func (c Code) Name() string {
	if c>>8 != 0xFF {
		return fmt.Sprintf("%04X", uint16(c))
	}
	return jpegsegs.Marker(byte(c)).Name()
}

func (c Code) String() string {
	return c.Name()
}

// IsAPP reports whether c is one of APP0..APP15.
func (c Code) IsAPP() bool {
	return c >= APP0 && c <= APP15
}

// Standalone markers are not followed by a length field.
func (c Code) Standalone() bool {
	switch {
	case c == SOI, c == EOI, c == TEM:
		return true
	case c >= RST0 && c <= RST7:
		return true
	}
	return false
}

// Segment is one marker seen by the scanner.
type Segment struct {
	Code      Code
	Offset    int64   // position of the 0xFF that starts the marker
	Length    int     // length field, 0 for standalone markers
	Signature [4]byte // first payload bytes of APPn segments
}

// End is the position immediately after the segment.
func (s Segment) End() int64 {
	return s.Offset + 2 + int64(s.Length)
}

// SignatureString renders the APPn signature up to its first NUL.
func (s Segment) SignatureString() string {
	n := 0
	for n < len(s.Signature) && s.Signature[n] != 0 {
		n++
	}
	return string(s.Signature[:n])
}
