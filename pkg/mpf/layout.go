package mpf

import (
	"fmt"
	"math"
)

// Alignment of the second image within the output file.
const Alignment = 16

// Layout places both images and their records within the output file.
type Layout struct {
	FirstInsert  uint32 // offset of the first record, the insertion point in image 1
	FirstLength  uint32 // original length of image 1
	FirstSize    uint32 // image 1 in the output: record and padding included
	SecondStart  uint32 // offset of image 2's SOI in the output
	SecondInsert uint32 // insertion point within image 2
	SecondSize   uint32 // image 2 in the output, record included
}

// Align rounds n up to a multiple of Alignment.
func Align(n int64) int64 {
	return (n + Alignment - 1) / Alignment * Alignment
}

// NewLayout computes the layout for image 1 of length len1 with its record
// inserted at insert1, and image 2 of length len2 with its record at insert2.
func NewLayout(insert1, len1, insert2, len2 int64) (Layout, error) {
	if insert1 < 0 || insert1 > len1 || insert2 < 0 || insert2 > len2 {
		return Layout{}, fmt.Errorf("%w: insertion point outside image", ErrLayout)
	}
	padded := Align(len1)
	total := padded + FirstRecordSize + len2 + SecondRecordSize
	if total > math.MaxUint32 {
		return Layout{}, fmt.Errorf("%w: %d bytes", ErrTooLarge, total)
	}
	return Layout{
		FirstInsert:  uint32(insert1),
		FirstLength:  uint32(len1),
		FirstSize:    uint32(padded + FirstRecordSize),
		SecondStart:  uint32(padded + FirstRecordSize),
		SecondInsert: uint32(insert2),
		SecondSize:   uint32(len2 + SecondRecordSize),
	}, nil
}

// Padding is the number of zero bytes that follow image 1.
func (l Layout) Padding() int64 {
	return Align(int64(l.FirstLength)) - int64(l.FirstLength)
}

// SecondOffset is the MP entry offset of image 2: its distance from the
// first record's byte-order field.
func (l Layout) SecondOffset() uint32 {
	return l.SecondStart - l.FirstInsert - HeaderSize
}

// TotalSize is the size of the assembled file.
func (l Layout) TotalSize() int64 {
	return int64(l.SecondStart) + int64(l.SecondSize)
}
