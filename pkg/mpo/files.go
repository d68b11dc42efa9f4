package mpo

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/hashicorp/go-multierror"
	"github.com/jpfielding/mpojoin.go/pkg/logging"
	"github.com/jpfielding/mpojoin.go/pkg/util"
)

// Params describe one file conversion.
type Params struct {
	Left        string
	Right       string
	Output      string
	Convergence int
	MaxMarkers  int `json:",omitempty"`
	// Verbose re-reads the assembled file and verifies it before it is
	// moved into place.
	Verbose bool
	Logger  *slog.Logger `json:"-"`
}

var openInput = func(path string) (io.ReadSeekCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// JoinFiles joins the Left and Right files into Output. The output is
// written to a temporary sibling and renamed over Output only when the whole
// conversion succeeds and both inputs closed cleanly; on failure no file is
// left behind.
func JoinFiles(ctx context.Context, p Params) (rep *Report, err error) {
	if p.Left == "" || p.Right == "" || p.Output == "" {
		return nil, ErrMissing
	}
	log := p.Logger
	if log == nil {
		log = slog.Default()
	}
	ctx = logging.AppendCtx(ctx, slog.String("conversion", util.HashUUID(p)))
	log = logging.Bind(ctx, log)

	var inputs []io.Closer
	closeInputs := func() error {
		var errs error
		for _, c := range inputs {
			if cerr := c.Close(); cerr != nil {
				errs = multierror.Append(errs, fmt.Errorf("failed to close input: %w", cerr))
			}
		}
		inputs = nil
		return errs
	}
	defer func() {
		if cerr := closeInputs(); cerr != nil {
			err = multierror.Append(err, cerr)
		}
	}()
	open := func(path string) (io.ReadSeeker, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		f, err := openInput(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open input: %w", err)
		}
		inputs = append(inputs, f)
		return f, nil
	}
	left, err := open(p.Left)
	if err != nil {
		return nil, err
	}
	right, err := open(p.Right)
	if err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	part := util.PartName(p.Output)
	out, err := os.OpenFile(part, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create output: %w", err)
	}
	log.Debug("writing", slog.String("part", part))

	rep, err = write(ctx, out, left, right, p, log)
	if err == nil && p.Verbose {
		err = verifyFile(part, log)
	}
	if err == nil {
		err = ctx.Err()
	}
	if cerr := closeInputs(); cerr != nil {
		err = multierror.Append(err, cerr)
	}
	if err == nil {
		err = os.Rename(part, p.Output)
	}
	if err != nil {
		if rerr := os.Remove(part); rerr != nil && !os.IsNotExist(rerr) {
			err = multierror.Append(err, rerr)
		}
		return nil, err
	}
	log.Info("joined",
		slog.String("left", p.Left),
		slog.String("right", p.Right),
		slog.String("output", p.Output),
		slog.Int64("bytes", rep.Written))
	return rep, nil
}

// write runs Join into out and closes it.
func write(ctx context.Context, out *os.File, left, right io.ReadSeeker, p Params, log *slog.Logger) (*Report, error) {
	bw := bufio.NewWriter(out)
	rep, err := Join(bw, left, right, Options{
		Convergence: p.Convergence,
		MaxMarkers:  p.MaxMarkers,
		Logger:      log,
	})
	if err == nil {
		err = bw.Flush()
	}
	if err == nil {
		err = out.Sync()
	}
	if cerr := out.Close(); cerr != nil {
		err = multierror.Append(err, cerr)
	}
	if err != nil {
		return nil, err
	}
	return rep, ctx.Err()
}

func verifyFile(path string, log *slog.Logger) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	v, err := Verify(data)
	if err != nil {
		return err
	}
	log.Debug("verified",
		slog.String("md5", util.Md5ThenHex(data)),
		slog.Int64("first_record", v.FirstRecord),
		slog.Int64("second_start", v.SecondStart),
		slog.Int64("second_record", v.SecondRecord),
		slog.Float64("convergence", v.Second.Convergence.Float64()))
	return nil
}
