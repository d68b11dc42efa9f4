package mpo

import (
	"bytes"
	"fmt"

	"github.com/garyhouston/jpegsegs"
	"github.com/jpfielding/mpojoin.go/pkg/marker"
	"github.com/jpfielding/mpojoin.go/pkg/mpf"
)

// Verification is the structure recovered from an assembled MPO.
type Verification struct {
	Left         *marker.Result // scan of image 1
	Right        *marker.Result // scan of image 2, offsets relative to SecondStart
	FirstRecord  int64          // position of image 1's MPF segment
	SecondStart  int64          // position of image 2's SOI
	SecondRecord int64          // position of image 2's MPF segment
	First        *mpf.FirstRecord
	Second       *mpf.SecondRecord
	// generic decodes of the same two segments
	FirstSummary  *mpf.Summary
	SecondSummary *mpf.Summary
}

// Verify re-scans an assembled MPO and checks that both records decode, that
// image 2 starts on an aligned SOI where the first record points, and that
// the recorded sizes cover the file.
func Verify(data []byte) (*Verification, error) {
	v := &Verification{}
	var err error

	v.Left, err = marker.Scan(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("left: %w", err)
	}
	rec1, pos, err := mpfSegment(data, v.Left)
	if err != nil {
		return nil, fmt.Errorf("left: %w", err)
	}
	v.FirstRecord = pos
	if v.First, err = mpf.DecodeFirst(rec1); err != nil {
		return nil, fmt.Errorf("left: %w", err)
	}
	if v.FirstSummary, err = mpf.Inspect(rec1[4:]); err != nil {
		return nil, fmt.Errorf("left: %w", err)
	}

	e1, e2 := v.First.Entries[0], v.First.Entries[1]
	start := pos + mpf.HeaderSize + int64(e2.Offset)
	switch {
	case start%mpf.Alignment != 0:
		return nil, fmt.Errorf("%w: image 2 at %d is not aligned", ErrInvalidMPO, start)
	case start+2 > int64(len(data)) || data[start] != 0xFF || data[start+1] != 0xD8:
		return nil, fmt.Errorf("%w: no SOI at image 2 offset %d", ErrInvalidMPO, start)
	case int64(e1.Size) != start:
		return nil, fmt.Errorf("%w: image 1 size %d, image 2 at %d", ErrInvalidMPO, e1.Size, start)
	case int64(e2.Size) != int64(len(data))-start:
		return nil, fmt.Errorf("%w: image 2 size %d, %d bytes remain", ErrInvalidMPO, e2.Size, int64(len(data))-start)
	}
	v.SecondStart = start

	tail := data[start:]
	v.Right, err = marker.Scan(bytes.NewReader(tail))
	if err != nil {
		return nil, fmt.Errorf("right: %w", err)
	}
	rec2, pos, err := mpfSegment(tail, v.Right)
	if err != nil {
		return nil, fmt.Errorf("right: %w", err)
	}
	v.SecondRecord = start + pos
	if v.Second, err = mpf.DecodeSecond(rec2); err != nil {
		return nil, fmt.Errorf("right: %w", err)
	}
	if v.SecondSummary, err = mpf.Inspect(rec2[4:]); err != nil {
		return nil, fmt.Errorf("right: %w", err)
	}
	return v, nil
}

// mpfSegment returns the first MPF APP2 segment of a scanned image.
func mpfSegment(data []byte, res *marker.Result) ([]byte, int64, error) {
	for _, s := range res.Find(marker.APP2) {
		if ok, _ := jpegsegs.GetMPFHeader(s.Signature[:]); ok && s.End() <= int64(len(data)) {
			return data[s.Offset:s.End()], s.Offset, nil
		}
	}
	return nil, 0, fmt.Errorf("%w: no MPF segment", ErrInvalidMPO)
}
