package mpf

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInspectFirstRecord(t *testing.T) {
	b, err := NewFirstRecord(goldenLayout(t)).MarshalBinary()
	require.NoError(t, err)

	s, err := Inspect(b[4:])
	require.NoError(t, err)
	assert.Equal(t, binary.LittleEndian, s.Order)
	require.Len(t, s.Index, firstIFD0Count)
	require.Len(t, s.Attributes, firstIFD1Count)

	version, ok := s.Lookup(TagVersion)
	require.True(t, ok)
	assert.Equal(t, "MPFVersion", version.Name)
	assert.Equal(t, "0100", string(version.Data))

	images, ok := s.Lookup(TagNumberOfImages)
	require.True(t, ok)
	assert.Equal(t, uint32(2), binary.LittleEndian.Uint32(images.Data))

	require.Len(t, s.Entries, 2)
	assert.Equal(t, Entry{Attribute: FirstImageAttribute, Size: 1200}, s.Entries[0])
	assert.Equal(t, Entry{Attribute: SecondImageAttribute, Size: 628, Offset: 1172}, s.Entries[1])

	baseline, ok := s.Lookup(TagBaselineLength)
	require.True(t, ok)
	assert.Equal(t, "MPFBaselineLength (B206) RATIONAL[1] 77/1000", baseline.String())
}

func TestInspectSecondRecord(t *testing.T) {
	b, err := NewSecondRecord(25).MarshalBinary()
	require.NoError(t, err)

	s, err := Inspect(b[4:])
	require.NoError(t, err)
	require.Len(t, s.Index, secondIFD0Count)
	assert.Empty(t, s.Attributes)
	assert.Empty(t, s.Entries)

	conv, ok := s.Lookup(TagConvergenceAngle)
	require.True(t, ok)
	assert.Equal(t, "MPFConvergenceAngle (B205) SRATIONAL[1] 25/10", conv.String())

	number, ok := s.Lookup(TagIndividualImageNumber)
	require.True(t, ok)
	assert.Equal(t, "MPFIndividualImageNumber (B101) LONG[1] 2", number.String())

	_, ok = s.Lookup(TagEntry)
	assert.False(t, ok)
}

func TestInspectRejectsOtherPayloads(t *testing.T) {
	_, err := Inspect([]byte("ICC_PROFILE\x00"))
	assert.ErrorIs(t, err, ErrNotMPF)

	_, err = Inspect([]byte("MPF\x00XX\x2a\x00\x08\x00\x00\x00"))
	assert.ErrorIs(t, err, ErrLayout)
}

func firstPayload(t *testing.T) []byte {
	b, err := NewFirstRecord(goldenLayout(t)).MarshalBinary()
	require.NoError(t, err)
	return b[4:]
}

func TestInspectOutOfRange(t *testing.T) {
	// offsets below are segment offsets, the payload starts after the length
	set32 := func(pos int, v uint32) []byte {
		p := bytes.Clone(firstPayload(t))
		binary.LittleEndian.PutUint32(p[pos-4:], v)
		return p
	}
	tests := []struct {
		name    string
		payload []byte
	}{
		{"index count", func() []byte {
			p := bytes.Clone(firstPayload(t))
			binary.LittleEndian.PutUint16(p[firstIFD0-4:], 0xFFFF)
			return p
		}()},
		{"index pointer", set32(offOrigin+4, 0x7FFFFFF0)},
		{"attribute pointer", set32(firstIFD0Next, 0x7FFFFFF0)},
		{"entry data", set32(firstIFD0+26+8, 0xFFFFFF00)},
		{"baseline data", set32(firstIFD1+38+8, 0xFFFFFFF8)},
		{"header only", firstPayload(t)[:12]},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.NotPanics(t, func() {
				_, err := Inspect(tt.payload)
				assert.ErrorIs(t, err, ErrLayout)
			})
		})
	}
}

func TestInspectTruncatedAndMutated(t *testing.T) {
	payload := firstPayload(t)
	check := func(p []byte) {
		t.Helper()
		assert.NotPanics(t, func() {
			if _, err := Inspect(p); err != nil {
				assert.True(t, errors.Is(err, ErrLayout) || errors.Is(err, ErrNotMPF), "%v", err)
			}
		})
	}
	for n := range len(payload) {
		check(payload[:n])
	}
	rnd := rand.New(rand.NewPCG(1, 2))
	for range 2000 {
		p := bytes.Clone(payload)
		for range 1 + rnd.IntN(4) {
			p[4+rnd.IntN(len(p)-4)] = byte(rnd.Uint32())
		}
		check(p)
	}
}
