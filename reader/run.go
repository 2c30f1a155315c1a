package reader

import (
	"context"
	"io"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"

	"go.viam.com/iiosim/logging"
)

// DefaultReportInterval is how often Run reports throughput.
const DefaultReportInterval = time.Second

// Source is a blocking frame queue, such as *buffer.FIFO.
type Source interface {
	Read(ctx context.Context, maxFrames int) ([][]byte, error)
}

// Options configure Run.
type Options struct {
	// Depth is the most frames asked for per read.
	Depth          int
	ReportInterval time.Duration
	Clock          clock.Clock
	Logger         logging.Logger
	// OnReport, if set, receives every throughput report.
	OnReport func(Report)
}

// Result is what Run saw before it stopped.
type Result struct {
	Frames uint64
	Jumps  uint64
}

// Run reads from src until ctx is done or src is exhausted, validating every frame. It returns
// an error only for a malformed frame or a failed read.
func Run(ctx context.Context, src Source, opts Options) (Result, error) {
	if opts.Depth <= 0 {
		opts.Depth = 32
	}
	if opts.ReportInterval <= 0 {
		opts.ReportInterval = DefaultReportInterval
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = logging.Global()
	}

	v := NewValidator()
	rate := NewRate(opts.ReportInterval, opts.Clock.Now())
	result := func() Result {
		return Result{Frames: v.Frames(), Jumps: v.Jumps()}
	}

	for {
		batch, err := src.Read(ctx, opts.Depth)
		now := opts.Clock.Now()
		switch {
		case errors.Is(err, io.EOF):
			opts.Logger.Debugw("stream done", "frames", v.Frames())
			return result(), nil
		case ctx.Err() != nil:
			return result(), nil
		case err != nil:
			return result(), errors.Wrap(err, "read failed")
		}

		frames, jumps, err := v.Check(batch)
		if err != nil {
			return result(), err
		}
		for _, j := range jumps {
			opts.Logger.Warnw("counter discontinuity", "kind", string(j.Kind), "prev", j.Prev, "got", j.Got)
		}

		nbytes := 0
		for _, raw := range batch {
			nbytes += len(raw)
		}
		rate.Add(len(frames), nbytes)
		if rep, ok := rate.Report(now); ok {
			opts.Logger.Debugw("throughput", "report", rep.String())
			if opts.OnReport != nil {
				opts.OnReport(rep)
			}
		}
	}
}
