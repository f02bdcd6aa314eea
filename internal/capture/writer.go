package capture

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"time"
)

// Outcome is the result of one segment capture.
type Outcome int

const (
	// Complete means the capture ran for the full duration.
	Complete Outcome = iota
	// Aborted means the capture stopped early; the file must be discarded.
	Aborted
)

func (o Outcome) String() string {
	switch o {
	case Complete:
		return "complete"
	case Aborted:
		return "aborted"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Result describes a finished capture.
type Result struct {
	Path    string
	Outcome Outcome
	Frames  int
	FPS     float64
	Elapsed time.Duration
	Err     error // reason for Aborted
}

// Sink receives composite frames for one segment file.
type Sink interface {
	WriteFrame(frame *image.NRGBA) error
	Close() error
}

// SinkOpener creates a sink for a new segment file.
type SinkOpener interface {
	OpenSink(ctx context.Context, path string, width, height int, fps float64) (Sink, error)
}

// Composer produces composite frames.
type Composer interface {
	ComposeOnce(ctx context.Context) (*image.NRGBA, error)
	Grid() Grid
}

// Writer drives a composer at a fixed cadence into a sink.
type Writer struct {
	composer Composer
	sinks    SinkOpener
	log      *slog.Logger
	now      func() time.Time
}

// NewWriter creates a segment writer.
func NewWriter(composer Composer, sinks SinkOpener, log *slog.Logger) *Writer {
	if log == nil {
		log = slog.Default()
	}
	return &Writer{
		composer: composer,
		sinks:    sinks,
		log:      log,
		now:      time.Now,
	}
}

// EffectiveFPS returns reported when it lies in (0, cap], otherwise cap.
func EffectiveFPS(reported, cap float64) float64 {
	if reported > 0 && reported <= cap {
		return reported
	}
	return cap
}

// WriteSegment captures composite frames into path for duration at fps.
//
// Each iteration composes one frame, appends it to the sink and sleeps for
// whatever remains of the 1/fps period. Any compose or write failure, or
// cancellation of ctx, ends the capture with Aborted. The sink is always
// closed; deleting an aborted file is the caller's job.
func (w *Writer) WriteSegment(ctx context.Context, path string, duration time.Duration, fps float64) Result {
	res := Result{Path: path, FPS: fps}
	if fps <= 0 {
		res.Outcome = Aborted
		res.Err = fmt.Errorf("invalid fps %v", fps)
		return res
	}

	width, height := w.composer.Grid().Size()
	sink, err := w.sinks.OpenSink(ctx, path, width, height, fps)
	if err != nil {
		res.Outcome = Aborted
		res.Err = fmt.Errorf("open sink: %w", err)
		return res
	}

	period := time.Duration(float64(time.Second) / fps)
	start := w.now()

	abort := func(reason error) Result {
		if cerr := sink.Close(); cerr != nil {
			w.log.Debug("close aborted sink", "path", path, "error", cerr)
		}
		res.Outcome = Aborted
		res.Err = reason
		res.Elapsed = w.now().Sub(start)
		return res
	}

	for w.now().Sub(start) < duration {
		if err := ctx.Err(); err != nil {
			return abort(err)
		}

		iterStart := w.now()
		frame, err := w.composer.ComposeOnce(ctx)
		if err != nil {
			return abort(err)
		}
		if err := sink.WriteFrame(frame); err != nil {
			return abort(fmt.Errorf("write frame: %w", err))
		}
		res.Frames++

		if remaining := period - w.now().Sub(iterStart); remaining > 0 {
			if err := sleep(ctx, remaining); err != nil {
				return abort(err)
			}
		}
	}

	if err := sink.Close(); err != nil {
		res.Outcome = Aborted
		res.Err = fmt.Errorf("finalize raw segment: %w", err)
		res.Elapsed = w.now().Sub(start)
		return res
	}

	res.Outcome = Complete
	res.Elapsed = w.now().Sub(start)
	return res
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
