// Package mpo assembles two JPEG images into a stereoscopic Multi-Picture
// Object by inserting an MPF APP2 segment into each.
package mpo

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"

	"github.com/jpfielding/mpojoin.go/pkg/marker"
	"github.com/jpfielding/mpojoin.go/pkg/mpf"
	"github.com/jpfielding/mpojoin.go/pkg/util"
)

var (
	ErrMPFPresent = errors.New("input already carries MPF metadata")
	ErrInvalidMPO = errors.New("invalid MPO")
	ErrMissing    = errors.New("left, right and output paths are required")
)

// Options tune a single Join.
type Options struct {
	// Convergence angle in tenths of a degree. Negative values are written
	// as 0.
	Convergence int
	// MaxMarkers overrides marker.DefaultMaxMarkers when positive.
	MaxMarkers int
	Logger     *slog.Logger
}

func (o Options) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

func (o Options) convergence() int32 {
	switch {
	case o.Convergence < 0:
		return 0
	case o.Convergence > math.MaxInt32:
		return math.MaxInt32
	}
	return int32(o.Convergence)
}

// Report describes an assembled MPO.
type Report struct {
	Left    *marker.Result
	Right   *marker.Result
	Layout  mpf.Layout
	First   *mpf.FirstRecord
	Second  *mpf.SecondRecord
	Written int64
}

type source struct {
	side string
	scan *marker.Result
	data []byte
}

// Join scans left and right, buffers both and writes the MPO to w in one
// pass. Neither input may carry MPF metadata already. A failed write leaves
// w with a partial file; Report.Written tells how much reached it.
func Join(w io.Writer, left, right io.ReadSeeker, opts Options) (*Report, error) {
	log := opts.logger()
	sc := &marker.Scanner{MaxMarkers: opts.MaxMarkers, Logger: log}

	l, err := load(sc, "left", left, log)
	if err != nil {
		return nil, err
	}
	r, err := load(sc, "right", right, log)
	if err != nil {
		return nil, err
	}

	layout, err := mpf.NewLayout(l.scan.InsertionPoint(), int64(len(l.data)), r.scan.InsertionPoint(), int64(len(r.data)))
	if err != nil {
		return nil, err
	}
	rep := &Report{
		Left:   l.scan,
		Right:  r.scan,
		Layout: layout,
		First:  mpf.NewFirstRecord(layout),
		Second: mpf.NewSecondRecord(opts.convergence()),
	}
	log.Debug("layout",
		slog.Int64("padding", layout.Padding()),
		slog.Uint64("second_start", uint64(layout.SecondStart)),
		slog.Uint64("second_offset", uint64(layout.SecondOffset())),
		slog.Int64("total", layout.TotalSize()))

	cw := &util.CountingWriter{Writer: w}
	err = rep.write(cw, l.data, r.data)
	rep.Written = cw.Count.Load()
	if err != nil {
		return rep, fmt.Errorf("failed to write output after %d bytes: %w", rep.Written, err)
	}
	return rep, nil
}

func load(sc *marker.Scanner, side string, r io.ReadSeeker, log *slog.Logger) (*source, error) {
	res, err := sc.Scan(r)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", side, err)
	}
	if res.HasMPF {
		return nil, fmt.Errorf("%s: %w", side, ErrMPFPresent)
	}
	if res.Anchor == marker.AnchorNone {
		log.Warn("no APP0/APP1/APP2 segment, inserting after SOI", slog.String("side", side))
	}
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("%s: failed to rewind: %w", side, err)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to read: %w", side, err)
	}
	log.Debug("scanned",
		slog.String("side", side),
		slog.Int("size", len(data)),
		slog.Int64("insert", res.InsertionPoint()),
		slog.String("anchor", res.Anchor.String()))
	return &source{side: side, scan: res, data: data}, nil
}

// write emits image 1 with its record and padding, then image 2 with its
// record.
func (rep *Report) write(w io.Writer, left, right []byte) error {
	ins1, ins2 := rep.Layout.FirstInsert, rep.Layout.SecondInsert
	if _, err := w.Write(left[:ins1]); err != nil {
		return err
	}
	if _, err := rep.First.WriteTo(w); err != nil {
		return err
	}
	if _, err := w.Write(left[ins1:]); err != nil {
		return err
	}
	if err := util.Zeros(w, rep.Layout.Padding()); err != nil {
		return err
	}
	if _, err := w.Write(right[:ins2]); err != nil {
		return err
	}
	if _, err := rep.Second.WriteTo(w); err != nil {
		return err
	}
	_, err := w.Write(right[ins2:])
	return err
}
