package mpf

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/garyhouston/jpegsegs"
	tiff "github.com/garyhouston/tiff66"
)

// Field is a decoded IFD field of an MPF record.
type Field struct {
	Tag   uint16
	Name  string
	Type  Type
	Count uint32
	Data  []byte
	order binary.ByteOrder
}

// String renders the field value.
func (f Field) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s (%04X) %s[%d] ", f.Name, f.Tag, f.Type, f.Count)
	switch f.Type {
	case TypeLong:
		for i := uint32(0); i < f.Count && int(4*i+4) <= len(f.Data); i++ {
			fmt.Fprintf(&sb, "%d ", f.order.Uint32(f.Data[4*i:]))
		}
	case TypeRational:
		for i := uint32(0); i < f.Count && int(8*i+8) <= len(f.Data); i++ {
			fmt.Fprintf(&sb, "%d/%d ", f.order.Uint32(f.Data[8*i:]), f.order.Uint32(f.Data[8*i+4:]))
		}
	case TypeSRational:
		for i := uint32(0); i < f.Count && int(8*i+8) <= len(f.Data); i++ {
			fmt.Fprintf(&sb, "%d/%d ", int32(f.order.Uint32(f.Data[8*i:])), int32(f.order.Uint32(f.Data[8*i+4:])))
		}
	default:
		if f.Tag == TagVersion {
			fmt.Fprintf(&sb, "%q", string(f.Data))
		} else {
			fmt.Fprintf(&sb, "% X", f.Data)
		}
	}
	return strings.TrimSpace(sb.String())
}

// Summary is a generic TIFF-level view of an MPF record.
type Summary struct {
	Order      binary.ByteOrder
	Index      []Field // 0th IFD
	Attributes []Field // IFD linked from the 0th, if any
	Entries    []Entry // decoded from the MP entry field
}

// Inspect decodes an MPF APP2 payload, starting at the "MPF\0" signature,
// with the generic TIFF reader rather than the fixed record layout. It
// accepts MPF records from any writer. IFDs that do not fit in the payload
// are reported as ErrLayout.
func Inspect(payload []byte) (s *Summary, err error) {
	defer func() {
		if r := recover(); r != nil {
			s, err = nil, fmt.Errorf("%w: %v", ErrLayout, r)
		}
	}()
	ok, pos := jpegsegs.GetMPFHeader(payload)
	if !ok {
		return nil, ErrNotMPF
	}
	tb := payload[pos:]
	valid, order, ifd := tiff.GetHeader(tb)
	if !valid {
		return nil, fmt.Errorf("%w: invalid TIFF header", ErrLayout)
	}
	count, err := checkIFD(tb, order, ifd)
	if err != nil {
		return nil, err
	}
	attrPos := order.Uint32(tb[ifd+2+uint32(count)*ifdEntrySize:])
	if attrPos != 0 {
		if _, err := checkIFD(tb, order, attrPos); err != nil {
			return nil, fmt.Errorf("attribute IFD: %w", err)
		}
	}
	index, err := jpegsegs.GetMPFTree(tb, tiff.MPFIndexSpace)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLayout, err)
	}
	s = &Summary{Order: order, Index: convertFields(index.Fields, order)}
	if attrPos != 0 {
		attrs, err := tiff.GetIFDTree(tb, order, attrPos, tiff.MPFAttributeSpace)
		if err != nil {
			return nil, fmt.Errorf("%w: attribute IFD: %w", ErrLayout, err)
		}
		s.Attributes = convertFields(attrs.Fields, order)
	}

	for _, f := range s.Index {
		if f.Tag != TagEntry {
			continue
		}
		for i := 0; i+entrySize <= len(f.Data); i += entrySize {
			s.Entries = append(s.Entries, Entry{
				Attribute:  order.Uint32(f.Data[i:]),
				Size:       order.Uint32(f.Data[i+4:]),
				Offset:     order.Uint32(f.Data[i+8:]),
				Dependent1: order.Uint16(f.Data[i+12:]),
				Dependent2: order.Uint16(f.Data[i+14:]),
			})
		}
	}
	return s, nil
}

// Lookup returns the first field with the given tag from either IFD.
func (s *Summary) Lookup(tag uint16) (Field, bool) {
	for _, f := range s.Index {
		if f.Tag == tag {
			return f, true
		}
	}
	for _, f := range s.Attributes {
		if f.Tag == tag {
			return f, true
		}
	}
	return Field{}, false
}

// checkIFD verifies that the IFD at pos, its next pointer and any values
// stored outside it lie within tb, and returns the entry count.
func checkIFD(tb []byte, order binary.ByteOrder, pos uint32) (uint16, error) {
	n := uint64(len(tb))
	if uint64(pos)+2 > n {
		return 0, fmt.Errorf("%w: IFD at %d past end of record", ErrLayout, pos)
	}
	count := order.Uint16(tb[pos:])
	if uint64(pos)+2+uint64(count)*ifdEntrySize+4 > n {
		return 0, fmt.Errorf("%w: IFD at %d with %d entries past end of record", ErrLayout, pos, count)
	}
	for i := uint64(0); i < uint64(count); i++ {
		e := uint64(pos) + 2 + i*ifdEntrySize
		size := uint64(Type(order.Uint16(tb[e+2:])).size()) * uint64(order.Uint32(tb[e+4:]))
		if size > 4 && uint64(order.Uint32(tb[e+8:]))+size > n {
			return 0, fmt.Errorf("%w: tag %04X value past end of record", ErrLayout, order.Uint16(tb[e:]))
		}
	}
	return count, nil
}

func convertFields(in []tiff.Field, order binary.ByteOrder) []Field {
	out := make([]Field, 0, len(in))
	for _, f := range in {
		name := jpegsegs.MPFIndexTagNames[f.Tag]
		if name == "" {
			name = jpegsegs.MPFAttributeTagNames[f.Tag]
		}
		if name == "" {
			name = "Unknown"
		}
		out = append(out, Field{
			Tag:   uint16(f.Tag),
			Name:  name,
			Type:  Type(f.Type),
			Count: f.Count,
			Data:  f.Data,
			order: order,
		})
	}
	return out
}
