package mpo

import (
	"bytes"
	"encoding/binary"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"log/slog"
	"testing"

	"github.com/jpfielding/mpojoin.go/pkg/logging"
	"github.com/jpfielding/mpojoin.go/pkg/marker"
	"github.com/jpfielding/mpojoin.go/pkg/mpf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	jfif = []byte{'J', 'F', 'I', 'F', 0, 1, 1, 0, 0, 1, 0, 1, 0, 0}
	exif = []byte{'E', 'x', 'i', 'f', 0, 0, 'M', 'M', 0, 0x2A, 0, 0, 0, 8}
)

// encodeJPEG renders a gradient with the standard library encoder, which
// writes no APPn segments.
func encodeJPEG(t *testing.T, w, h int, seed uint8) []byte {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{uint8(x*7) + seed, uint8(y * 5), seed, 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 80}))
	return buf.Bytes()
}

func app(code marker.Code, payload []byte) []byte {
	b := binary.BigEndian.AppendUint16(nil, uint16(code))
	b = binary.BigEndian.AppendUint16(b, uint16(len(payload)+2))
	return append(b, payload...)
}

// withSegments inserts segs, in order, directly after SOI.
func withSegments(jpg []byte, segs ...[]byte) []byte {
	out := append([]byte{}, jpg[:2]...)
	for _, s := range segs {
		out = append(out, s...)
	}
	return append(out, jpg[2:]...)
}

func join(t *testing.T, left, right []byte, opts Options) ([]byte, *Report) {
	var out bytes.Buffer
	rep, err := Join(&out, bytes.NewReader(left), bytes.NewReader(right), opts)
	require.NoError(t, err)
	return out.Bytes(), rep
}

func TestJoinLayout(t *testing.T) {
	left := withSegments(encodeJPEG(t, 24, 16, 1), app(marker.APP0, jfif), app(marker.APP1, exif))
	right := withSegments(encodeJPEG(t, 24, 16, 9), app(marker.APP0, jfif))

	out, rep := join(t, left, right, Options{Convergence: 25})
	l := rep.Layout

	assert.Equal(t, uint32(38), l.FirstInsert)
	assert.Equal(t, uint32(20), l.SecondInsert)
	assert.Equal(t, marker.AnchorAPP12, rep.Left.Anchor)
	assert.Equal(t, marker.AnchorAPP0, rep.Right.Anchor)
	assert.Equal(t, int64(len(out)), rep.Written)
	assert.Equal(t, l.TotalSize(), rep.Written)
	assert.Zero(t, l.SecondStart%mpf.Alignment)

	first, err := rep.First.MarshalBinary()
	require.NoError(t, err)
	second, err := rep.Second.MarshalBinary()
	require.NoError(t, err)

	ins1, ins2 := int(l.FirstInsert), int(l.SecondInsert)
	pos := 0
	next := func(n int) []byte {
		b := out[pos : pos+n]
		pos += n
		return b
	}
	assert.Equal(t, left[:ins1], next(ins1))
	assert.Equal(t, first, next(mpf.FirstRecordSize))
	assert.Equal(t, left[ins1:], next(len(left)-ins1))
	assert.Equal(t, make([]byte, l.Padding()), next(int(l.Padding())))
	assert.Equal(t, int(l.SecondStart), pos)
	assert.Equal(t, right[:ins2], next(ins2))
	assert.Equal(t, second, next(mpf.SecondRecordSize))
	assert.Equal(t, right[ins2:], next(len(right)-ins2))
	assert.Equal(t, len(out), pos)
}

func TestJoinRoundTrip(t *testing.T) {
	left := withSegments(encodeJPEG(t, 32, 24, 3), app(marker.APP0, jfif), app(marker.APP1, exif))
	right := withSegments(encodeJPEG(t, 40, 8, 7), app(marker.APP0, jfif))
	out, rep := join(t, left, right, Options{Convergence: 25})

	v, err := Verify(out)
	require.NoError(t, err)

	// each record sits where it was inserted and is now the last APPn
	assert.Equal(t, int64(rep.Layout.FirstInsert), v.FirstRecord)
	assert.Equal(t, int64(rep.Layout.SecondInsert), v.SecondRecord-v.SecondStart)
	assert.Equal(t, v.FirstRecord+mpf.FirstRecordSize, v.Left.InsertionPoint())
	assert.Equal(t, v.SecondRecord-v.SecondStart+mpf.SecondRecordSize, v.Right.InsertionPoint())

	// the cross-image offset is relative to the byte-order field
	assert.Equal(t, v.SecondStart, v.FirstRecord+mpf.HeaderSize+int64(v.First.Entries[1].Offset))
	assert.Equal(t, int64(rep.Layout.SecondStart), v.SecondStart)

	assert.Equal(t, rep.First, v.First)
	assert.Equal(t, rep.Second, v.Second)
	assert.Equal(t, mpf.SRational{Num: 25, Den: 10}, v.Second.Convergence)
	assert.Equal(t, v.First.Entries[:], v.FirstSummary.Entries)

	img1, err := jpeg.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 32, 24), img1.Bounds())
	img2, err := jpeg.Decode(bytes.NewReader(out[v.SecondStart:]))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 40, 8), img2.Bounds())
}

func TestJoinSecondImageAligned(t *testing.T) {
	base := withSegments(encodeJPEG(t, 16, 16, 5), app(marker.APP0, jfif))
	right := withSegments(encodeJPEG(t, 8, 8, 2), app(marker.APP1, exif))
	for extra := 0; extra < 2*mpf.Alignment; extra++ {
		// trailing bytes after EOI change the length of image 1
		left := append(bytes.Clone(base), make([]byte, extra)...)
		out, rep := join(t, left, right, Options{})
		assert.Zero(t, rep.Layout.SecondStart%mpf.Alignment, "extra=%d", extra)

		v, err := Verify(out)
		require.NoError(t, err, "extra=%d", extra)
		assert.Equal(t, int64(rep.Layout.SecondStart), v.SecondStart)
	}
}

func TestJoinConvergence(t *testing.T) {
	left := withSegments(encodeJPEG(t, 8, 8, 1), app(marker.APP0, jfif))
	right := withSegments(encodeJPEG(t, 8, 8, 2), app(marker.APP0, jfif))

	tests := []struct {
		in   int
		want int32
	}{
		{0, 0},
		{15, 15},
		{-20, 0},
		{1 << 40, 1<<31 - 1},
	}
	for _, tt := range tests {
		_, rep := join(t, left, right, Options{Convergence: tt.in})
		assert.Equal(t, mpf.SRational{Num: tt.want, Den: 10}, rep.Second.Convergence, "in=%d", tt.in)
		assert.Equal(t, mpf.SRational{Num: 0, Den: 1}, rep.First.Convergence)
	}
}

func TestJoinWithoutAPPSegments(t *testing.T) {
	var logs bytes.Buffer
	left := encodeJPEG(t, 16, 8, 4)
	right := withSegments(encodeJPEG(t, 16, 8, 6), app(marker.APP0, jfif))

	out, rep := join(t, left, right, Options{Logger: logging.Logger(&logs, false, slog.LevelInfo)})
	assert.Equal(t, marker.AnchorNone, rep.Left.Anchor)
	assert.Equal(t, uint32(2), rep.Layout.FirstInsert)
	assert.Contains(t, logs.String(), "inserting after SOI")
	assert.Contains(t, logs.String(), "side=left")

	_, err := Verify(out)
	require.NoError(t, err)
}

func TestJoinRejectsMPF(t *testing.T) {
	left := withSegments(encodeJPEG(t, 8, 8, 1), app(marker.APP0, jfif))
	right := withSegments(encodeJPEG(t, 8, 8, 2), app(marker.APP0, jfif))
	mpo, _ := join(t, left, right, Options{})

	_, err := Join(new(bytes.Buffer), bytes.NewReader(left), bytes.NewReader(mpo), Options{})
	assert.ErrorIs(t, err, ErrMPFPresent)
	assert.ErrorContains(t, err, "right")

	_, err = Join(new(bytes.Buffer), bytes.NewReader(mpo), bytes.NewReader(right), Options{})
	assert.ErrorIs(t, err, ErrMPFPresent)
	assert.ErrorContains(t, err, "left")
}

func TestJoinScanErrors(t *testing.T) {
	good := withSegments(encodeJPEG(t, 8, 8, 1), app(marker.APP0, jfif))

	_, err := Join(new(bytes.Buffer), bytes.NewReader(good), bytes.NewReader([]byte("GIF89a")), Options{})
	assert.ErrorIs(t, err, marker.ErrNotJPEG)
	assert.ErrorContains(t, err, "right")

	truncated := good[:len(good)-2]
	_, err = Join(new(bytes.Buffer), bytes.NewReader(truncated), bytes.NewReader(good), Options{})
	assert.ErrorIs(t, err, marker.ErrUnexpectedEOF)
	assert.ErrorContains(t, err, "left")

	// the encoded image alone carries more than two markers
	_, err = Join(new(bytes.Buffer), bytes.NewReader(good), bytes.NewReader(good), Options{MaxMarkers: 2})
	assert.ErrorIs(t, err, marker.ErrTooManyMarkers)
}

type failingWriter struct {
	room int
}

func (f *failingWriter) Write(p []byte) (int, error) {
	if len(p) > f.room {
		n := f.room
		f.room = 0
		return n, errors.New("disk full")
	}
	f.room -= len(p)
	return len(p), nil
}

func TestJoinWriteFailure(t *testing.T) {
	left := withSegments(encodeJPEG(t, 8, 8, 1), app(marker.APP0, jfif))
	right := withSegments(encodeJPEG(t, 8, 8, 2), app(marker.APP0, jfif))

	rep, err := Join(&failingWriter{room: 100}, bytes.NewReader(left), bytes.NewReader(right), Options{})
	require.Error(t, err)
	assert.ErrorContains(t, err, "disk full")
	require.NotNil(t, rep)
	assert.Equal(t, int64(100), rep.Written)
}

func TestVerifyErrors(t *testing.T) {
	left := withSegments(encodeJPEG(t, 8, 8, 1), app(marker.APP0, jfif))
	right := withSegments(encodeJPEG(t, 8, 8, 2), app(marker.APP0, jfif))
	out, rep := join(t, left, right, Options{})

	_, err := Verify(left)
	assert.ErrorIs(t, err, ErrInvalidMPO)

	_, err = Verify(append(bytes.Clone(out), 0))
	assert.ErrorIs(t, err, ErrInvalidMPO)

	_, err = Verify(out[:rep.Layout.SecondStart+1])
	assert.ErrorIs(t, err, ErrInvalidMPO)

	// point the cross-image offset into the padding
	moved := bytes.Clone(out)
	start := rep.Layout.SecondStart
	copy(moved[start:], []byte{0, 0})
	_, err = Verify(moved)
	assert.ErrorIs(t, err, ErrInvalidMPO)
	assert.ErrorContains(t, err, "no SOI")
}
