// Package mpf encodes and decodes the APP2 Multi-Picture Format records that
// pair two JPEG images into a stereoscopic MPO file.
//
// A record is an APP2 segment holding the "MPF\0" signature followed by a
// small little-endian TIFF structure. Offsets inside the structure count
// from its byte-order field ("II*\0"), which sits HeaderSize bytes into the
// segment.
package mpf

import (
	"errors"
	"fmt"

	"github.com/garyhouston/jpegsegs"
)

// IFD field types (TIFF 6.0 section 2)
type Type uint16

const (
	TypeByte      Type = 1
	TypeASCII     Type = 2
	TypeShort     Type = 3
	TypeLong      Type = 4
	TypeRational  Type = 5
	TypeSByte     Type = 6
	TypeUndefined Type = 7
	TypeSShort    Type = 8
	TypeSLong     Type = 9
	TypeSRational Type = 10
	TypeFloat     Type = 11
	TypeDouble    Type = 12
)

// String returns the TIFF name of the type
func (t Type) String() string {
	switch t {
	case TypeByte:
		return "BYTE"
	case TypeASCII:
		return "ASCII"
	case TypeShort:
		return "SHORT"
	case TypeLong:
		return "LONG"
	case TypeRational:
		return "RATIONAL"
	case TypeSByte:
		return "SBYTE"
	case TypeUndefined:
		return "UNDEFINED"
	case TypeSShort:
		return "SSHORT"
	case TypeSLong:
		return "SLONG"
	case TypeSRational:
		return "SRATIONAL"
	case TypeFloat:
		return "FLOAT"
	case TypeDouble:
		return "DOUBLE"
	default:
		return fmt.Sprintf("Type(%d)", uint16(t))
	}
}

// size is the byte width of one value, 0 for unknown types.
func (t Type) size() uint32 {
	switch t {
	case TypeByte, TypeASCII, TypeSByte, TypeUndefined:
		return 1
	case TypeShort, TypeSShort:
		return 2
	case TypeLong, TypeSLong, TypeFloat:
		return 4
	case TypeRational, TypeSRational, TypeDouble:
		return 8
	}
	return 0
}

// MPF tags (CIPA DC-007 section 5.2)
const (
	TagVersion               uint16 = jpegsegs.MPFVersion
	TagNumberOfImages        uint16 = jpegsegs.MPFNumberOfImages
	TagEntry                 uint16 = jpegsegs.MPFEntry
	TagIndividualImageNumber uint16 = jpegsegs.MPFIndividualImageNumber
	TagBaseViewpointNumber   uint16 = jpegsegs.MPFBaseViewpointNumber
	TagConvergenceAngle      uint16 = jpegsegs.MPFConvergenceAngle
	TagBaselineLength        uint16 = jpegsegs.MPFBaselineLength
)

// Individual image attribute flags of an MP entry
const (
	AttrDependentParent  uint32 = 0x80000000
	AttrDependentChild   uint32 = 0x40000000
	AttrRepresentative   uint32 = 0x20000000
	AttrFormatJPEG       uint32 = 0x00000000
	AttrTypeDisparity    uint32 = 0x00020002 // multi-frame image, disparity
	FirstImageAttribute         = AttrRepresentative | AttrFormatJPEG | AttrTypeDisparity
	SecondImageAttribute        = AttrFormatJPEG | AttrTypeDisparity
)

// Version is the MPF version written into every record.
var Version = [4]byte{'0', '1', '0', '0'}

// Baseline is the stereo base length written into both records, in metres.
var Baseline = Rational{Num: 77, Den: 1000}

var (
	ErrShortRecord = errors.New("mpf record too short")
	ErrNotMPF      = errors.New("not an MPF APP2 record")
	ErrByteOrder   = errors.New("mpf record is not little-endian")
	ErrLayout      = errors.New("unexpected mpf record layout")
	ErrTooLarge    = errors.New("image too large for 32-bit mpf offsets")
)

// Rational is an unsigned TIFF RATIONAL.
type Rational struct {
	Num, Den uint32
}

// Float64 returns Num/Den, or 0 when Den is 0.
func (r Rational) Float64() float64 {
	if r.Den == 0 {
		return 0
	}
	return float64(r.Num) / float64(r.Den)
}

// SRational is a signed TIFF SRATIONAL.
type SRational struct {
	Num, Den int32
}

// Float64 returns Num/Den, or 0 when Den is 0.
func (r SRational) Float64() float64 {
	if r.Den == 0 {
		return 0
	}
	return float64(r.Num) / float64(r.Den)
}

// Entry is one MP entry: the byte range of an individual image.
type Entry struct {
	Attribute  uint32
	Size       uint32
	Offset     uint32 // relative to the first record's byte-order field; 0 for the first image
	Dependent1 uint16
	Dependent2 uint16
}
