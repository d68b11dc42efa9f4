package mpf

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/garyhouston/jpegsegs"
	tiff "github.com/garyhouston/tiff66"
)

// APP2 is the JPEG marker carrying MPF records.
const APP2 = 0xFFE2

// HeaderSize covers the marker, length and signature that precede the
// byte-order field every record offset is relative to.
const HeaderSize = 8

const (
	ifdEntrySize = 12
	entrySize    = 16

	offLength    = 2
	offSignature = 4
	offOrigin    = HeaderSize // "II*\0", then the 0th IFD pointer
)

// first record: index IFD, MP entries, attribute IFD
const (
	firstIFD0        = 16
	firstIFD0Count   = 3
	firstIFD0Next    = firstIFD0 + 2 + firstIFD0Count*ifdEntrySize
	firstEntries     = firstIFD0Next + 4
	firstIFD1        = firstEntries + 2*entrySize
	firstIFD1Count   = 4
	firstIFD1Next    = firstIFD1 + 2 + firstIFD1Count*ifdEntrySize
	firstConvergence = firstIFD1Next + 4
	firstBaseline    = firstConvergence + 8
	firstReserved    = 32

	// FirstRecordSize is the encoded size of a FirstRecord, marker included.
	FirstRecordSize = firstBaseline + 8 + firstReserved
)

// second record: a single attribute IFD
const (
	secondIFD0        = 16
	secondIFD0Count   = 5
	secondIFD0Next    = secondIFD0 + 2 + secondIFD0Count*ifdEntrySize
	secondConvergence = secondIFD0Next + 4
	secondBaseline    = secondConvergence + 8
	secondReserved    = 30

	// SecondRecordSize is the encoded size of a SecondRecord, marker included.
	SecondRecordSize = secondBaseline + 8 + secondReserved
)

// rel converts a record position into an offset from the byte-order field.
func rel(pos int) uint32 {
	return uint32(pos - offOrigin)
}

// FirstRecord is the MPF segment inserted into the first (left) image. It
// indexes both images of the pair.
type FirstRecord struct {
	Version               [4]byte
	NumberOfImages        uint32
	Entries               [2]Entry
	IndividualImageNumber uint32
	BaseViewpointNumber   uint32
	Convergence           SRational
	Baseline              Rational
}

// NewFirstRecord builds the record for image 1 from the output layout.
func NewFirstRecord(l Layout) *FirstRecord {
	return &FirstRecord{
		Version:        Version,
		NumberOfImages: 2,
		Entries: [2]Entry{
			{Attribute: FirstImageAttribute, Size: l.FirstSize, Offset: 0},
			{Attribute: SecondImageAttribute, Size: l.SecondSize, Offset: l.SecondOffset()},
		},
		IndividualImageNumber: 1,
		BaseViewpointNumber:   1,
		Convergence:           SRational{Num: 0, Den: 1},
		Baseline:              Baseline,
	}
}

// SecondRecord is the MPF segment inserted into the second (right) image.
type SecondRecord struct {
	Version               [4]byte
	IndividualImageNumber uint32
	BaseViewpointNumber   uint32
	Convergence           SRational
	Baseline              Rational
}

// NewSecondRecord builds the record for image 2. convergence is in tenths
// of a degree.
func NewSecondRecord(convergence int32) *SecondRecord {
	return &SecondRecord{
		Version:               Version,
		IndividualImageNumber: 2,
		BaseViewpointNumber:   1,
		Convergence:           SRational{Num: convergence, Den: 10},
		Baseline:              Baseline,
	}
}

// MarshalBinary encodes the record as a complete APP2 segment.
func (r *FirstRecord) MarshalBinary() ([]byte, error) {
	return r.marshal(), nil
}

// WriteTo writes the encoded segment to w.
func (r *FirstRecord) WriteTo(w io.Writer) (int64, error) {
	return writeRecord(w, r.marshal())
}

func (r *FirstRecord) marshal() []byte {
	w := newRecordWriter(FirstRecordSize, firstIFD0)
	w.u16(firstIFD0, firstIFD0Count)
	w.entry(firstIFD0+2, TagVersion, TypeUndefined, 4, binary.LittleEndian.Uint32(r.Version[:]))
	w.entry(firstIFD0+14, TagNumberOfImages, TypeLong, 1, r.NumberOfImages)
	w.entry(firstIFD0+26, TagEntry, TypeUndefined, 2*entrySize, rel(firstEntries))
	w.u32(firstIFD0Next, rel(firstIFD1))
	for i, e := range r.Entries {
		w.mpEntry(firstEntries+i*entrySize, e)
	}

	w.u16(firstIFD1, firstIFD1Count)
	w.entry(firstIFD1+2, TagIndividualImageNumber, TypeLong, 1, r.IndividualImageNumber)
	w.entry(firstIFD1+14, TagBaseViewpointNumber, TypeLong, 1, r.BaseViewpointNumber)
	w.entry(firstIFD1+26, TagConvergenceAngle, TypeSRational, 1, rel(firstConvergence))
	w.entry(firstIFD1+38, TagBaselineLength, TypeRational, 1, rel(firstBaseline))
	w.u32(firstIFD1Next, 0)

	w.srational(firstConvergence, r.Convergence)
	w.rational(firstBaseline, r.Baseline)
	return w.b
}

// MarshalBinary encodes the record as a complete APP2 segment.
func (r *SecondRecord) MarshalBinary() ([]byte, error) {
	return r.marshal(), nil
}

// WriteTo writes the encoded segment to w.
func (r *SecondRecord) WriteTo(w io.Writer) (int64, error) {
	return writeRecord(w, r.marshal())
}

func (r *SecondRecord) marshal() []byte {
	w := newRecordWriter(SecondRecordSize, secondIFD0)
	w.u16(secondIFD0, secondIFD0Count)
	w.entry(secondIFD0+2, TagVersion, TypeUndefined, 4, binary.LittleEndian.Uint32(r.Version[:]))
	w.entry(secondIFD0+14, TagIndividualImageNumber, TypeLong, 1, r.IndividualImageNumber)
	w.entry(secondIFD0+26, TagBaseViewpointNumber, TypeLong, 1, r.BaseViewpointNumber)
	w.entry(secondIFD0+38, TagConvergenceAngle, TypeSRational, 1, rel(secondConvergence))
	w.entry(secondIFD0+50, TagBaselineLength, TypeRational, 1, rel(secondBaseline))
	w.u32(secondIFD0Next, 0)

	w.srational(secondConvergence, r.Convergence)
	w.rational(secondBaseline, r.Baseline)
	return w.b
}

func writeRecord(w io.Writer, b []byte) (int64, error) {
	n, err := w.Write(b)
	if err == nil && n < len(b) {
		err = io.ErrShortWrite
	}
	return int64(n), err
}

// recordWriter fills a zeroed record buffer. The JPEG marker and length are
// big-endian, everything after the signature little-endian.
type recordWriter struct {
	b []byte
}

func newRecordWriter(size, ifd0 int) *recordWriter {
	w := &recordWriter{b: make([]byte, size)}
	binary.BigEndian.PutUint16(w.b, APP2)
	binary.BigEndian.PutUint16(w.b[offLength:], uint16(size-2))
	jpegsegs.PutMPFHeader(w.b[offSignature:])
	tiff.PutHeader(w.b[offOrigin:], binary.LittleEndian, rel(ifd0))
	return w
}

func (w *recordWriter) u16(pos int, v uint16) {
	binary.LittleEndian.PutUint16(w.b[pos:], v)
}

func (w *recordWriter) u32(pos int, v uint32) {
	binary.LittleEndian.PutUint32(w.b[pos:], v)
}

func (w *recordWriter) entry(pos int, tag uint16, typ Type, count, value uint32) {
	w.u16(pos, tag)
	w.u16(pos+2, uint16(typ))
	w.u32(pos+4, count)
	w.u32(pos+8, value)
}

func (w *recordWriter) mpEntry(pos int, e Entry) {
	w.u32(pos, e.Attribute)
	w.u32(pos+4, e.Size)
	w.u32(pos+8, e.Offset)
	w.u16(pos+12, e.Dependent1)
	w.u16(pos+14, e.Dependent2)
}

func (w *recordWriter) rational(pos int, r Rational) {
	w.u32(pos, r.Num)
	w.u32(pos+4, r.Den)
}

func (w *recordWriter) srational(pos int, r SRational) {
	w.u32(pos, uint32(r.Num))
	w.u32(pos+4, uint32(r.Den))
}

// DecodeFirst parses an APP2 segment written by FirstRecord.MarshalBinary.
func DecodeFirst(b []byte) (*FirstRecord, error) {
	rd, err := newRecordReader(b, FirstRecordSize, firstIFD0)
	if err != nil {
		return nil, err
	}
	r := &FirstRecord{}
	rd.count(firstIFD0, firstIFD0Count)
	binary.LittleEndian.PutUint32(r.Version[:], rd.entry(firstIFD0+2, TagVersion, TypeUndefined, 4))
	r.NumberOfImages = rd.entry(firstIFD0+14, TagNumberOfImages, TypeLong, 1)
	rd.pointer(firstIFD0+26, TagEntry, TypeUndefined, 2*entrySize, firstEntries)
	rd.next(firstIFD0Next, rel(firstIFD1))
	for i := range r.Entries {
		r.Entries[i] = rd.mpEntry(firstEntries + i*entrySize)
	}

	rd.count(firstIFD1, firstIFD1Count)
	r.IndividualImageNumber = rd.entry(firstIFD1+2, TagIndividualImageNumber, TypeLong, 1)
	r.BaseViewpointNumber = rd.entry(firstIFD1+14, TagBaseViewpointNumber, TypeLong, 1)
	rd.pointer(firstIFD1+26, TagConvergenceAngle, TypeSRational, 1, firstConvergence)
	rd.pointer(firstIFD1+38, TagBaselineLength, TypeRational, 1, firstBaseline)
	rd.next(firstIFD1Next, 0)
	r.Convergence = rd.srational(firstConvergence)
	r.Baseline = rd.rational(firstBaseline)
	if rd.err != nil {
		return nil, rd.err
	}
	return r, nil
}

// DecodeSecond parses an APP2 segment written by SecondRecord.MarshalBinary.
func DecodeSecond(b []byte) (*SecondRecord, error) {
	rd, err := newRecordReader(b, SecondRecordSize, secondIFD0)
	if err != nil {
		return nil, err
	}
	r := &SecondRecord{}
	rd.count(secondIFD0, secondIFD0Count)
	binary.LittleEndian.PutUint32(r.Version[:], rd.entry(secondIFD0+2, TagVersion, TypeUndefined, 4))
	r.IndividualImageNumber = rd.entry(secondIFD0+14, TagIndividualImageNumber, TypeLong, 1)
	r.BaseViewpointNumber = rd.entry(secondIFD0+26, TagBaseViewpointNumber, TypeLong, 1)
	rd.pointer(secondIFD0+38, TagConvergenceAngle, TypeSRational, 1, secondConvergence)
	rd.pointer(secondIFD0+50, TagBaselineLength, TypeRational, 1, secondBaseline)
	rd.next(secondIFD0Next, 0)
	r.Convergence = rd.srational(secondConvergence)
	r.Baseline = rd.rational(secondBaseline)
	if rd.err != nil {
		return nil, rd.err
	}
	return r, nil
}

// recordReader checks a record against the fixed layout; the first
// mismatch is kept in err and later reads return zero values.
type recordReader struct {
	b   []byte
	err error
}

func newRecordReader(b []byte, size, ifd0 int) (*recordReader, error) {
	if len(b) < size {
		return nil, fmt.Errorf("%w: %d bytes, want %d", ErrShortRecord, len(b), size)
	}
	if binary.BigEndian.Uint16(b) != APP2 {
		return nil, fmt.Errorf("%w: marker %04X", ErrNotMPF, binary.BigEndian.Uint16(b))
	}
	if ok, _ := jpegsegs.GetMPFHeader(b[offSignature:]); !ok {
		return nil, fmt.Errorf("%w: missing MPF signature", ErrNotMPF)
	}
	if n := int(binary.BigEndian.Uint16(b[offLength:])); n != size-2 {
		return nil, fmt.Errorf("%w: segment length %d, want %d", ErrLayout, n, size-2)
	}
	valid, order, pos := tiff.GetHeader(b[offOrigin:])
	if !valid || order != binary.LittleEndian {
		return nil, ErrByteOrder
	}
	if pos != rel(ifd0) {
		return nil, fmt.Errorf("%w: 0th IFD at %d, want %d", ErrLayout, pos, rel(ifd0))
	}
	return &recordReader{b: b[:size]}, nil
}

func (r *recordReader) u16(pos int) uint16 {
	return binary.LittleEndian.Uint16(r.b[pos:])
}

func (r *recordReader) u32(pos int) uint32 {
	return binary.LittleEndian.Uint32(r.b[pos:])
}

func (r *recordReader) fail(format string, args ...any) {
	if r.err == nil {
		r.err = fmt.Errorf("%w: "+format, append([]any{ErrLayout}, args...)...)
	}
}

func (r *recordReader) count(pos int, want uint16) {
	if n := r.u16(pos); n != want {
		r.fail("IFD at %d has %d entries, want %d", rel(pos), n, want)
	}
}

func (r *recordReader) entry(pos int, tag uint16, typ Type, count uint32) uint32 {
	gotTag, gotType, gotCount := r.u16(pos), Type(r.u16(pos+2)), r.u32(pos+4)
	if gotTag != tag || gotType != typ || gotCount != count {
		r.fail("entry at %d is %04X/%s/%d, want %04X/%s/%d", rel(pos), gotTag, gotType, gotCount, tag, typ, count)
		return 0
	}
	return r.u32(pos + 8)
}

func (r *recordReader) pointer(pos int, tag uint16, typ Type, count uint32, target int) {
	if v := r.entry(pos, tag, typ, count); r.err == nil && v != rel(target) {
		r.fail("tag %04X points to %d, want %d", tag, v, rel(target))
	}
}

func (r *recordReader) next(pos int, want uint32) {
	if v := r.u32(pos); v != want {
		r.fail("next IFD pointer %d, want %d", v, want)
	}
}

func (r *recordReader) mpEntry(pos int) Entry {
	return Entry{
		Attribute:  r.u32(pos),
		Size:       r.u32(pos + 4),
		Offset:     r.u32(pos + 8),
		Dependent1: r.u16(pos + 12),
		Dependent2: r.u16(pos + 14),
	}
}

func (r *recordReader) rational(pos int) Rational {
	return Rational{Num: r.u32(pos), Den: r.u32(pos + 4)}
}

func (r *recordReader) srational(pos int) SRational {
	return SRational{Num: int32(r.u32(pos)), Den: int32(r.u32(pos + 4))}
}
