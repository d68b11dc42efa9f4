package marker

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/garyhouston/jpegsegs"
)

// DefaultMaxMarkers bounds the number of markers read before EOI.
const DefaultMaxMarkers = 100

var (
	ErrNotJPEG        = errors.New("stream does not start with SOI")
	ErrTooManyMarkers = errors.New("too many JPEG markers")
	ErrUnexpectedEOF  = errors.New("end of stream before EOI")
	ErrCorrupt        = errors.New("corrupt JPEG marker stream")
)

// Anchor identifies which segment the insertion point follows.
type Anchor int

const (
	// AnchorNone means no APP0/APP1/APP2 segment was found; the insertion
	// point is the end of SOI.
	AnchorNone Anchor = iota
	// AnchorAPP0 means the insertion point follows the last APP0.
	AnchorAPP0
	// AnchorAPP12 means the insertion point follows the last APP1 or APP2.
	AnchorAPP12
)

func (a Anchor) String() string {
	switch a {
	case AnchorAPP0:
		return "APP0"
	case AnchorAPP12:
		return "APP1/APP2"
	default:
		return "none"
	}
}

// Result describes a scanned JPEG stream.
type Result struct {
	Offset   int64  // insertion point
	Anchor   Anchor // what Offset follows
	HasMPF   bool   // an APP2 segment carries an MPF signature
	EOI      int64  // position of the EOI marker
	Segments []Segment
}

// InsertionPoint is the byte offset at which a new APP2 segment belongs.
func (r *Result) InsertionPoint() int64 {
	return r.Offset
}

// Find returns the recorded segments with the given code.
func (r *Result) Find(code Code) []Segment {
	var out []Segment
	for _, s := range r.Segments {
		if s.Code == code {
			out = append(out, s)
		}
	}
	return out
}

// Scanner walks a JPEG marker stream from its start to EOI.
type Scanner struct {
	// MaxMarkers bounds the markers read without reaching EOI; zero means
	// DefaultMaxMarkers.
	MaxMarkers int
	// Logger receives the per-marker listing at debug level; nil uses
	// slog.Default.
	Logger *slog.Logger
}

// Scan runs a default Scanner over r.
func Scan(r io.ReadSeeker) (*Result, error) {
	return (&Scanner{}).Scan(r)
}

func (s *Scanner) maxMarkers() int {
	if s.MaxMarkers > 0 {
		return s.MaxMarkers
	}
	return DefaultMaxMarkers
}

func (s *Scanner) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// Scan seeks r to its start and reads markers until EOI. The position of r
// afterwards is unspecified.
func (s *Scanner) Scan(r io.ReadSeeker) (*Result, error) {
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to rewind stream: %w", err)
	}
	log := s.logger()
	cr := &countingReader{r: bufio.NewReader(r)}
	res := &Result{}
	buf := make([]byte, 4)

	var (
		endAPP12, endAPP0 int64
		pending           Code // marker already consumed: SOI, or the one ending scan data
		seenSOS           bool
	)
	if _, err := io.ReadFull(cr, buf[:2]); err != nil {
		return nil, cr.wrap(err)
	}
	if Code(binary.BigEndian.Uint16(buf)) != SOI {
		return nil, fmt.Errorf("%w: starts with % X", ErrNotJPEG, buf[:2])
	}
	pending = SOI
	for count := 1; ; count++ {
		code := pending
		pending = 0
		if code == 0 {
			m, err := jpegsegs.ReadMarker(cr, buf)
			if err != nil {
				return nil, cr.wrap(err)
			}
			code = 0xFF00 | Code(m)
		}
		seg := Segment{Code: code, Offset: cr.pos - 2}

		if code == EOI {
			log.Debug("EOI", slog.String("at", hex(seg.Offset)))
			res.EOI = seg.Offset
			res.Segments = append(res.Segments, seg)
			break
		}
		if count > s.maxMarkers() {
			return nil, fmt.Errorf("%w: %d markers without EOI", ErrTooManyMarkers, count-1)
		}
		if code.Standalone() {
			log.Debug(code.Name(), slog.String("at", hex(seg.Offset)))
			res.Segments = append(res.Segments, seg)
			continue
		}

		if _, err := io.ReadFull(cr, buf[:2]); err != nil {
			return nil, cr.wrap(err)
		}
		seg.Length = int(binary.BigEndian.Uint16(buf))
		if seg.Length < 2 {
			return nil, fmt.Errorf("%w: %s at %d has length %d", ErrCorrupt, code.Name(), seg.Offset, seg.Length)
		}
		remaining := int64(seg.Length - 2)

		if code.IsAPP() {
			n := min(remaining, int64(len(seg.Signature)))
			if _, err := io.ReadFull(cr, seg.Signature[:n]); err != nil {
				return nil, cr.wrap(err)
			}
			remaining -= n
			if code == APP2 {
				if ok, _ := jpegsegs.GetMPFHeader(seg.Signature[:n]); ok {
					res.HasMPF = true
				}
			}
			if !seenSOS {
				switch code {
				case APP0:
					endAPP0 = seg.End()
				case APP1, APP2:
					endAPP12 = seg.End()
				}
			}
			log.Debug(code.Name(),
				slog.String("at", hex(seg.Offset)),
				slog.Int("length", seg.Length),
				slog.String("sig", seg.SignatureString()))
		} else {
			log.Debug(code.Name(), slog.String("at", hex(seg.Offset)), slog.Int("length", seg.Length))
		}

		if err := cr.skip(remaining); err != nil {
			return nil, cr.wrap(err)
		}
		res.Segments = append(res.Segments, seg)

		if code == SOS {
			seenSOS = true
			next, err := skipEntropyCoded(cr)
			if err != nil {
				return nil, cr.wrap(err)
			}
			log.Debug("SOSE", slog.String("at", hex(cr.pos-2)), slog.String("next", next.Name()))
			pending = next
		}
	}

	switch {
	case endAPP12 != 0:
		res.Offset, res.Anchor = endAPP12, AnchorAPP12
	case endAPP0 != 0:
		res.Offset, res.Anchor = endAPP0, AnchorAPP0
	default:
		res.Offset, res.Anchor = res.Segments[0].End(), AnchorNone
	}
	return res, nil
}

// skipEntropyCoded consumes scan data up to the next marker that is neither
// byte stuffing (FF00), fill (FFFF) nor a restart marker, and returns it.
func skipEntropyCoded(cr *countingReader) (Code, error) {
	for {
		b, err := cr.ReadByte()
		if err != nil {
			return 0, err
		}
		if b != 0xFF {
			continue
		}
		for b == 0xFF {
			if b, err = cr.ReadByte(); err != nil {
				return 0, err
			}
		}
		code := 0xFF00 | Code(b)
		if b == 0x00 || (code >= RST0 && code <= RST7) {
			continue
		}
		return code, nil
	}
}

func hex(pos int64) string {
	return fmt.Sprintf("%08X", pos)
}

// countingReader tracks the stream position behind a bufio.Reader.
type countingReader struct {
	r   *bufio.Reader
	pos int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.pos += int64(n)
	return n, err
}

func (c *countingReader) ReadByte() (byte, error) {
	b, err := c.r.ReadByte()
	if err == nil {
		c.pos++
	}
	return b, err
}

func (c *countingReader) skip(n int64) error {
	for n > 0 {
		step := int(min(n, 1<<20))
		d, err := c.r.Discard(step)
		c.pos += int64(d)
		n -= int64(d)
		if err != nil {
			return err
		}
	}
	return nil
}

func (c *countingReader) wrap(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w at offset %d", ErrUnexpectedEOF, c.pos)
	}
	return fmt.Errorf("%w at offset %d: %w", ErrCorrupt, c.pos, err)
}
