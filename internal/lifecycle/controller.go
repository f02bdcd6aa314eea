// Package lifecycle drives one segment from capture to READY and records it
// in the recorded ledger.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/sap-123iit/homevideorecord/internal/capture"
	"github.com/sap-123iit/homevideorecord/internal/ledger"
	"github.com/sap-123iit/homevideorecord/internal/logging"
	"github.com/sap-123iit/homevideorecord/internal/metrics"
	"github.com/sap-123iit/homevideorecord/internal/segment"
	"github.com/sap-123iit/homevideorecord/internal/transcode"
	"github.com/sap-123iit/homevideorecord/internal/util"
)

// ErrCompressionNotSmaller is returned when the compressed output is not
// strictly smaller than the raw capture. It is a policy rejection.
var ErrCompressionNotSmaller = errors.New("compressed segment not smaller than raw")

// ErrSegmentExists is returned when a finalized segment already has the name
// of the segment being finalized.
var ErrSegmentExists = errors.New("segment name already in use")

// RawPolicy decides what happens to the raw capture when compression does
// not shrink it.
type RawPolicy string

const (
	// DiscardRaw deletes the raw capture.
	DiscardRaw RawPolicy = "discard"
	// KeepRaw moves the raw capture into the rejected directory. It is never
	// ledgered or uploaded.
	KeepRaw RawPolicy = "keep"
)

// RejectedDir is the subdirectory holding raw captures kept by KeepRaw.
const RejectedDir = "rejected"

// Capturer writes one raw segment file.
type Capturer interface {
	WriteSegment(ctx context.Context, path string, duration time.Duration, fps float64) capture.Result
}

// Config configures the controller.
type Config struct {
	Dir       string
	Naming    segment.Naming
	Duration  time.Duration
	RawPolicy RawPolicy
	Now       func() time.Time // segment ID clock; nil uses the wall clock
}

// Controller owns segment state and is the only writer of the recorded
// ledger.
type Controller struct {
	cfg        Config
	ids        *segment.IDSource
	compressor transcode.Compressor
	recorded   *ledger.Ledger
	log        *slog.Logger
	observers  []func(segment.Segment)
}

// New creates a controller.
func New(cfg Config, compressor transcode.Compressor, recorded *ledger.Ledger, log *slog.Logger) *Controller {
	if cfg.RawPolicy == "" {
		cfg.RawPolicy = DiscardRaw
	}
	if log == nil {
		log = slog.Default()
	}
	return &Controller{
		cfg:        cfg,
		ids:        segment.NewIDSource(cfg.Now),
		compressor: compressor,
		recorded:   recorded,
		log:        log,
	}
}

// OnTransition registers fn to receive a copy of the segment after every
// state change.
func (c *Controller) OnTransition(fn func(segment.Segment)) {
	c.observers = append(c.observers, fn)
}

// Recover prepares the output directory after a restart. Leftover capture
// and compress files belong to passes that never reached READY and are
// deleted. Existing segment names seed the ID source so new IDs sort after
// them. It returns the number of files removed.
func (c *Controller) Recover() (int, error) {
	if err := util.EnsureDir(c.cfg.Dir); err != nil {
		return 0, fmt.Errorf("create output directory %s: %w", c.cfg.Dir, err)
	}

	entries, err := os.ReadDir(c.cfg.Dir)
	if err != nil {
		return 0, fmt.Errorf("read output directory %s: %w", c.cfg.Dir, err)
	}

	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		switch {
		case c.cfg.Naming.InProgress(name):
			path := filepath.Join(c.cfg.Dir, name)
			if err := util.RemoveIfExists(path); err != nil {
				return removed, fmt.Errorf("remove leftover %s: %w", path, err)
			}
			c.log.Info("removed interrupted segment file", "file", name)
			removed++
		case c.cfg.Naming.Match(name):
			if id, ok := c.cfg.Naming.Parse(name); ok {
				c.ids.Observe(id)
			}
		}
	}

	recorded, err := c.recorded.Load()
	if err != nil {
		c.log.Warn("failed to load recorded ledger during recovery", "error", err)
	} else {
		for name := range recorded {
			if id, ok := c.cfg.Naming.Parse(name); ok {
				c.ids.Observe(id)
			}
		}
	}

	return removed, nil
}

// Run performs one capture, compress and finalize pass.
//
// The order of operations is critical and must not be changed:
//  1. Capture to the in-progress raw file
//  2. Compress into the in-progress compressed file
//  3. Reject output that is not strictly smaller than the raw file
//  4. Delete the raw file
//  5. Rename the compressed file to its final name and sync the directory
//  6. Append the final name to the recorded ledger
//
// A crash before step 6 leaves at most an orphaned final file, never a
// ledger entry without a file. Every failure deletes the partial artifacts
// of this pass.
func (c *Controller) Run(ctx context.Context, capturer Capturer, fps float64) (*segment.Segment, error) {
	seg, err := c.nextSegment()
	if err != nil {
		return nil, err
	}
	log := logging.SegmentLogger(c.log, seg.Name)
	c.notify(seg)

	if m := metrics.Get(); m != nil {
		m.SetRecording(true)
	}
	log.Info("capture started", "fps", fps, "duration", c.cfg.Duration.String())
	res := capturer.WriteSegment(ctx, seg.RawPath, c.cfg.Duration, fps)
	if m := metrics.Get(); m != nil {
		m.SetRecording(false)
		m.AddCaptureFrames(res.Frames)
		m.ObserveCaptureDuration(res.Elapsed.Seconds())
	}

	if res.Outcome != capture.Complete {
		c.discard(log, seg.RawPath)
		c.fail(seg, segment.StateCaptureFailed, metrics.OutcomeCaptureFailed)
		log.Warn("capture aborted", "frames", res.Frames, "elapsed", res.Elapsed.String(), "error", res.Err)
		return seg, fmt.Errorf("capture %s: %w", seg.Name, res.Err)
	}

	rawSize, err := util.FileSize(seg.RawPath)
	if err != nil {
		c.discard(log, seg.RawPath)
		c.fail(seg, segment.StateCaptureFailed, metrics.OutcomeCaptureFailed)
		return seg, fmt.Errorf("capture %s: stat raw file: %w", seg.Name, err)
	}
	seg.SizeBytes = rawSize
	c.advance(seg, segment.StateCaptured)
	log.Info("capture complete", "frames", res.Frames, "bytes", rawSize)
	if m := metrics.Get(); m != nil {
		m.ObserveSegmentBytes("raw", rawSize)
	}

	c.advance(seg, segment.StateCompressing)
	compressPath := filepath.Join(c.cfg.Dir, c.cfg.Naming.CompressName(seg.ID))
	start := time.Now()
	err = c.compressor.Compress(ctx, seg.RawPath, compressPath)
	if m := metrics.Get(); m != nil {
		m.ObserveCompressDuration(time.Since(start).Seconds())
	}
	if err != nil {
		c.discard(log, compressPath)
		c.discard(log, seg.RawPath)
		c.fail(seg, segment.StateCompressFailed, metrics.OutcomeCompressFailed)
		if !errors.Is(err, transcode.ErrTranscodeFailed) {
			err = fmt.Errorf("%w: %w", transcode.ErrTranscodeFailed, err)
		}
		log.Error("compression failed", "error", err)
		return seg, fmt.Errorf("compress %s: %w", seg.Name, err)
	}

	compressedSize, err := util.FileSize(compressPath)
	if err == nil && compressedSize == 0 {
		err = errors.New("empty output")
	}
	if err != nil {
		c.discard(log, compressPath)
		c.discard(log, seg.RawPath)
		c.fail(seg, segment.StateCompressFailed, metrics.OutcomeCompressFailed)
		return seg, fmt.Errorf("compress %s: %w: %w", seg.Name, transcode.ErrTranscodeFailed, err)
	}
	if m := metrics.Get(); m != nil {
		m.ObserveSegmentBytes("compressed", compressedSize)
	}

	// Size-regression guard.
	if compressedSize >= rawSize {
		c.discard(log, compressPath)
		c.applyRawPolicy(log, seg)
		c.fail(seg, segment.StateCompressFailed, metrics.OutcomeNotSmaller)
		log.Warn("compressed output not smaller than raw",
			"raw_bytes", rawSize,
			"compressed_bytes", compressedSize,
			"raw_policy", string(c.cfg.RawPolicy),
		)
		return seg, fmt.Errorf("%s: %w (raw %d bytes, compressed %d bytes)",
			seg.Name, ErrCompressionNotSmaller, rawSize, compressedSize)
	}

	if err := util.RemoveIfExists(seg.RawPath); err != nil {
		log.Warn("failed to delete raw file", "path", seg.RawPath, "error", err)
	}

	// Never replace a finalized segment that may not have been published.
	if _, err := os.Lstat(seg.FinalPath); err == nil {
		c.discard(log, compressPath)
		c.fail(seg, segment.StateCompressFailed, metrics.OutcomeCompressFailed)
		return seg, fmt.Errorf("finalize %s: %w", seg.Name, ErrSegmentExists)
	}
	if err := os.Rename(compressPath, seg.FinalPath); err != nil {
		c.discard(log, compressPath)
		c.fail(seg, segment.StateCompressFailed, metrics.OutcomeCompressFailed)
		return seg, fmt.Errorf("finalize %s: %w", seg.Name, err)
	}
	if err := util.SyncDir(c.cfg.Dir); err != nil {
		log.Warn("failed to sync output directory", "error", err)
	}

	seg.SizeBytes = compressedSize
	c.advance(seg, segment.StateReady)

	if err := c.recorded.Append(seg.Name); err != nil {
		if m := metrics.Get(); m != nil {
			m.IncLedgerErrors("recorded")
			m.IncSegment(metrics.OutcomeLedgerFailed)
		}
		log.Error("failed to append to recorded ledger", "error", err)
		return seg, fmt.Errorf("record %s: %w", seg.Name, err)
	}

	if m := metrics.Get(); m != nil {
		m.IncSegment(metrics.OutcomeReady)
	}
	log.Info("segment ready",
		"raw_bytes", rawSize,
		"compressed_bytes", compressedSize,
		"ratio", fmt.Sprintf("%.2f", float64(compressedSize)/float64(rawSize)),
	)
	return seg, nil
}

// nextSegment returns a new segment whose final name is neither on disk nor
// in the recorded ledger.
func (c *Controller) nextSegment() (*segment.Segment, error) {
	recorded, err := c.recorded.Load()
	if err != nil {
		c.log.Warn("failed to load recorded ledger, checking the output directory only", "error", err)
		recorded = ledger.NewSet()
	}
	for {
		seg := segment.New(c.ids.Next(), c.cfg.Naming, c.cfg.Dir)
		if recorded.Has(seg.Name) {
			c.log.Warn("segment name already recorded, skipping", "segment", seg.Name)
			continue
		}
		_, err := os.Lstat(seg.FinalPath)
		switch {
		case errors.Is(err, os.ErrNotExist):
			return seg, nil
		case err != nil:
			return nil, fmt.Errorf("check %s: %w", seg.FinalPath, err)
		}
		c.log.Warn("segment file already exists, skipping", "segment", seg.Name)
	}
}

// applyRawPolicy disposes of the raw capture after a size regression.
func (c *Controller) applyRawPolicy(log *slog.Logger, seg *segment.Segment) {
	if c.cfg.RawPolicy != KeepRaw {
		c.discard(log, seg.RawPath)
		return
	}

	dir := filepath.Join(c.cfg.Dir, RejectedDir)
	if err := util.EnsureDir(dir); err != nil {
		log.Warn("cannot create rejected directory, discarding raw", "error", err)
		c.discard(log, seg.RawPath)
		return
	}
	dest := filepath.Join(dir, seg.Name)
	if err := os.Rename(seg.RawPath, dest); err != nil {
		log.Warn("cannot keep raw file, discarding", "error", err)
		c.discard(log, seg.RawPath)
		return
	}
	log.Info("kept raw capture", "path", dest)
}

func (c *Controller) discard(log *slog.Logger, path string) {
	if err := util.RemoveIfExists(path); err != nil {
		log.Warn("failed to delete partial file", "path", path, "error", err)
	}
}

func (c *Controller) advance(seg *segment.Segment, to segment.State) {
	if err := seg.Transition(to); err != nil {
		// Only reachable through a programming error in Run.
		panic(err)
	}
	c.notify(seg)
}

func (c *Controller) fail(seg *segment.Segment, to segment.State, outcome string) {
	c.advance(seg, to)
	if m := metrics.Get(); m != nil {
		m.IncSegment(outcome)
	}
}

func (c *Controller) notify(seg *segment.Segment) {
	for _, fn := range c.observers {
		fn(*seg)
	}
}
