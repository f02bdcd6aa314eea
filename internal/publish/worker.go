// Package publish uploads READY segments to remote storage and removes the
// local copies.
package publish

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/sap-123iit/homevideorecord/internal/audit"
	"github.com/sap-123iit/homevideorecord/internal/checkpoint"
	"github.com/sap-123iit/homevideorecord/internal/ledger"
	"github.com/sap-123iit/homevideorecord/internal/logging"
	"github.com/sap-123iit/homevideorecord/internal/metrics"
	"github.com/sap-123iit/homevideorecord/internal/segment"
	"github.com/sap-123iit/homevideorecord/internal/storage"
	"github.com/sap-123iit/homevideorecord/internal/util"
)

var (
	// ErrCorruptArtifact marks a segment below the minimum size. It is
	// deleted without a ledger entry.
	ErrCorruptArtifact = errors.New("corrupt artifact")

	// ErrUploadFailed is returned when a segment could not be uploaded within
	// the retry budget. The cycle stops and the segment is retried next cycle.
	ErrUploadFailed = errors.New("upload failed")

	// ErrCycleInProgress is returned when another cycle holds the lock.
	ErrCycleInProgress = errors.New("publish cycle already in progress")
)

// Config configures the publish worker.
type Config struct {
	Dir             string
	Naming          segment.Naming
	RootKey         string
	MinSegmentBytes int64
	MaxAttempts     int
	RetryDelay      time.Duration
	Interval        time.Duration
	WorkerID        string
}

// Deps are the collaborators of a Worker. Checkpoints, Audit and Logger are
// optional.
type Deps struct {
	Store       storage.ObjectStore
	Recorded    *ledger.Ledger
	Uploaded    *ledger.Ledger
	Checkpoints checkpoint.Manager
	Audit       audit.Emitter
	Logger      *slog.Logger
}

// CycleResult summarizes one publish cycle.
type CycleResult struct {
	CycleID      string        `json:"cycle_id"`
	StartedAt    time.Time     `json:"started_at"`
	Pending      int           `json:"pending"`
	Uploaded     int           `json:"uploaded"`
	Corrupt      int           `json:"corrupt"`
	Skipped      int           `json:"skipped"`
	Failed       int           `json:"failed"`
	Aborted      bool          `json:"aborted"`
	LastUploaded string        `json:"last_uploaded,omitempty"`
	Duration     time.Duration `json:"duration"`
	Error        string        `json:"error,omitempty"`
}

func (r CycleResult) label() string {
	switch {
	case r.Aborted:
		return "aborted"
	case r.Error != "":
		return "failed"
	default:
		return "ok"
	}
}

// Worker runs publish cycles. It never writes the recorded ledger.
type Worker struct {
	cfg         Config
	store       storage.ObjectStore
	recorded    *ledger.Ledger
	uploaded    *ledger.Ledger
	checkpoints checkpoint.Manager
	audit       audit.Emitter
	lock        *Locker
	log         *slog.Logger
	remove      func(path string) error

	totalUploads atomic.Int64
	last         atomic.Pointer[CycleResult]
	lastUpload   *checkpoint.UploadInfo
}

// New creates a publish worker.
func New(cfg Config, deps Deps) (*Worker, error) {
	if deps.Store == nil || deps.Recorded == nil || deps.Uploaded == nil {
		return nil, errors.New("publish: store and both ledgers are required")
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if deps.Checkpoints == nil {
		deps.Checkpoints, _ = checkpoint.NewManager(checkpoint.Config{Enabled: false})
	}
	if deps.Audit == nil {
		deps.Audit = audit.NoopEmitter{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if err := util.EnsureDir(cfg.Dir); err != nil {
		return nil, fmt.Errorf("create output directory %s: %w", cfg.Dir, err)
	}

	w := &Worker{
		cfg:         cfg,
		store:       deps.Store,
		recorded:    deps.Recorded,
		uploaded:    deps.Uploaded,
		checkpoints: deps.Checkpoints,
		audit:       deps.Audit,
		lock:        NewLocker(filepath.Join(cfg.Dir, LockFileName)),
		log:         deps.Logger,
		remove:      util.RemoveIfExists,
	}

	if cp, err := w.checkpoints.Load(context.Background()); err == nil {
		w.totalUploads.Store(cp.TotalUploads)
		w.lastUpload = cp.LastUploaded
		w.log.Info("resumed from checkpoint",
			"cycle_id", cp.CycleID,
			"total_uploads", cp.TotalUploads,
			"updated_at", cp.UpdatedAt,
		)
	} else if !errors.Is(err, checkpoint.ErrNoCheckpoint) {
		w.log.Warn("failed to load checkpoint", "error", err)
	}

	return w, nil
}

// LastResult returns the most recent cycle result, if any.
func (w *Worker) LastResult() (CycleResult, bool) {
	r := w.last.Load()
	if r == nil {
		return CycleResult{}, false
	}
	return *r, true
}

// Run runs a cycle immediately, then on every interval tick and every
// trigger, until ctx is done.
func (w *Worker) Run(ctx context.Context, triggers <-chan struct{}) error {
	w.log.Info("publish worker started", "interval", w.cfg.Interval.String(), "root", w.cfg.RootKey)

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	w.runLogged(ctx)
	for {
		select {
		case <-ctx.Done():
			w.log.Info("publish worker stopped")
			return nil
		case <-ticker.C:
			w.runLogged(ctx)
		case <-triggers:
			w.runLogged(ctx)
		}
	}
}

func (w *Worker) runLogged(ctx context.Context) {
	res, err := w.RunCycle(ctx)
	switch {
	case err == nil:
		if res.Pending > 0 || res.Corrupt > 0 {
			w.log.Info("publish cycle complete",
				"cycle_id", res.CycleID,
				"uploaded", res.Uploaded,
				"corrupt", res.Corrupt,
				"duration", res.Duration.String(),
			)
		}
	case errors.Is(err, ErrCycleInProgress):
		w.log.Debug("publish cycle skipped, another cycle is running")
	case ctx.Err() != nil:
	default:
		w.log.Error("publish cycle failed", "cycle_id", res.CycleID, "error", err)
	}
}

// RunCycle uploads every pending segment once.
//
// pending = (recorded ∩ local files) − uploaded, in name order. Each pending
// file is either deleted as corrupt, or uploaded then deleted then appended
// to the uploaded ledger, in that order. A failed delete leaves the file
// unlogged so it is uploaded again next cycle. The first upload that
// exhausts its retries stops the cycle.
func (w *Worker) RunCycle(ctx context.Context) (res CycleResult, err error) {
	ok, err := w.lock.TryLock()
	if err != nil {
		return CycleResult{}, err
	}
	if !ok {
		return CycleResult{}, ErrCycleInProgress
	}
	defer w.lock.Unlock()

	res = CycleResult{CycleID: logging.NewCycleID(), StartedAt: time.Now()}
	ctx = logging.WithCycleID(ctx, res.CycleID)
	log := logging.CycleLogger(w.log, res.CycleID)

	defer func() {
		res.Duration = time.Since(res.StartedAt)
		if err != nil {
			res.Error = err.Error()
			if ctx.Err() != nil {
				res.Aborted = true
			}
		}
		w.finish(ctx, log, &res)
	}()

	if err := w.store.Verify(ctx); err != nil {
		res.Aborted = true
		log.Warn("remote root not accessible, skipping cycle", "error", err)
		return res, fmt.Errorf("verify remote root: %w", err)
	}

	recorded, err := w.recorded.Load()
	if err != nil {
		w.ledgerError("recorded")
		return res, err
	}
	uploaded, err := w.uploaded.Load()
	if err != nil {
		w.ledgerError("uploaded")
		return res, err
	}
	local, err := w.listLocal()
	if err != nil {
		return res, err
	}

	pending := recorded.Intersect(local).Difference(uploaded).Sorted()
	res.Pending = len(pending)
	res.Skipped = recorded.Difference(local).Difference(uploaded).Len()
	if res.Skipped > 0 {
		log.Debug("recorded segments missing locally", "count", res.Skipped)
	}
	if m := metrics.Get(); m != nil {
		m.SetPendingSegments(len(pending))
	}

	for i, name := range pending {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		seg := &segment.Segment{
			Name:      name,
			State:     segment.StateReady,
			FinalPath: filepath.Join(w.cfg.Dir, name),
		}
		segLog := logging.SegmentLogger(log, name)

		size, err := util.FileSize(seg.FinalPath)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				res.Skipped++
				continue
			}
			segLog.Warn("cannot stat segment, skipping", "error", err)
			res.Skipped++
			continue
		}
		seg.SizeBytes = size

		if size < w.cfg.MinSegmentBytes {
			w.purgeCorrupt(segLog, seg)
			res.Corrupt++
			continue
		}

		advance(segLog, seg, segment.StateUploading)
		id, err := w.upload(ctx, segLog, seg)
		if err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			res.Failed++
			if m := metrics.Get(); m != nil {
				m.IncUploads("failed")
			}
			segLog.Error("upload failed, stopping cycle",
				"attempts", w.cfg.MaxAttempts,
				"remaining", len(pending)-i,
				"error", err,
			)
			return res, fmt.Errorf("%w: %s: %w", ErrUploadFailed, name, err)
		}
		advance(segLog, seg, segment.StateUploaded)

		// Delete then log.
		if err := w.remove(seg.FinalPath); err != nil {
			segLog.Error("uploaded but could not delete local copy, will upload again", "error", err)
			continue
		}
		advance(segLog, seg, segment.StatePurged)

		if err := w.uploaded.Append(name); err != nil {
			w.ledgerError("uploaded")
			return res, fmt.Errorf("record upload of %s: %w", name, err)
		}

		res.Uploaded++
		res.LastUploaded = name
		w.totalUploads.Add(1)
		w.lastUpload = &checkpoint.UploadInfo{Name: name, URI: id.URI, Checksum: id.Checksum}
		if m := metrics.Get(); m != nil {
			m.IncUploads("success")
		}
		segLog.Info("segment uploaded", "uri", id.URI, "bytes", id.Size)

		if err := w.audit.EmitUpload(ctx, audit.Upload{
			Root:     w.cfg.RootKey,
			Name:     name,
			Key:      id.Key,
			URI:      id.URI,
			Checksum: id.Checksum,
			ByteSize: id.Size,
		}); err != nil {
			segLog.Warn("failed to emit upload event", "error", err)
		}
	}

	return res, nil
}

// upload sends one segment with retries. Every attempt ensures the date
// folder, uploads and confirms the remote size.
func (w *Worker) upload(ctx context.Context, log *slog.Logger, seg *segment.Segment) (storage.RemoteID, error) {
	date, ok := w.cfg.Naming.Date(seg.Name)
	if !ok {
		return storage.RemoteID{}, fmt.Errorf("cannot derive date folder from %q", seg.Name)
	}

	var (
		id      storage.RemoteID
		attempt int
	)
	op := func() error {
		attempt++
		start := time.Now()

		folder, err := w.store.EnsureFolder(ctx, w.cfg.RootKey, date)
		if err != nil {
			if errors.Is(err, storage.ErrInvalidKey) {
				return backoff.Permanent(err)
			}
			return fmt.Errorf("ensure folder %s: %w", date, err)
		}

		uploaded, err := w.store.UploadFile(ctx, seg.FinalPath, folder)
		if err != nil {
			return err
		}

		info, err := w.store.Head(ctx, uploaded.Key)
		if err != nil {
			return fmt.Errorf("confirm upload: %w", err)
		}
		if info.Size != uploaded.Size {
			return fmt.Errorf("confirm upload: remote size %d, local size %d", info.Size, uploaded.Size)
		}

		if m := metrics.Get(); m != nil {
			m.ObserveUpload(time.Since(start).Seconds(), uploaded.Size)
		}
		id = uploaded
		return nil
	}

	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(w.cfg.RetryDelay), uint64(w.cfg.MaxAttempts-1))
	err := backoff.RetryNotify(op, backoff.WithContext(policy, ctx), func(err error, wait time.Duration) {
		if m := metrics.Get(); m != nil {
			m.IncRetryAttempts("upload")
		}
		log.Warn("upload attempt failed, retrying",
			"attempt", attempt,
			"max_attempts", w.cfg.MaxAttempts,
			"retry_in", wait.String(),
			"error", err,
		)
	})
	return id, err
}

// advance moves seg to the next state. An invalid transition is a bug in the
// cycle; it is logged and the segment keeps its state.
func advance(log *slog.Logger, seg *segment.Segment, to segment.State) {
	if err := seg.Transition(to); err != nil {
		log.Error("unexpected segment transition", "error", err)
	}
}

func (w *Worker) purgeCorrupt(log *slog.Logger, seg *segment.Segment) {
	if err := w.remove(seg.FinalPath); err != nil {
		log.Error("failed to delete corrupt segment", "error", err)
		return
	}
	advance(log, seg, segment.StatePurged)
	if m := metrics.Get(); m != nil {
		m.IncCorruptPurged()
	}
	log.Warn("deleted undersized segment",
		"bytes", seg.SizeBytes,
		"min_bytes", w.cfg.MinSegmentBytes,
		"error", ErrCorruptArtifact,
	)
}

// listLocal returns the final segment files present in the output directory.
func (w *Worker) listLocal() (ledger.Set, error) {
	entries, err := os.ReadDir(w.cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("read output directory %s: %w", w.cfg.Dir, err)
	}
	set := make(ledger.Set, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() && w.cfg.Naming.Match(e.Name()) {
			set[e.Name()] = struct{}{}
		}
	}
	return set, nil
}

// finish checks the ledger invariant, records metrics and saves the
// checkpoint.
func (w *Worker) finish(ctx context.Context, log *slog.Logger, res *CycleResult) {
	if recorded, err := w.recorded.Load(); err == nil {
		if uploaded, err := w.uploaded.Load(); err == nil {
			if ok, missing := uploaded.SubsetOf(recorded); !ok {
				log.Warn("uploaded ledger has entries not in recorded ledger",
					"count", len(missing),
					"first", missing[0],
				)
			}
		}
	}

	if m := metrics.Get(); m != nil {
		m.ObservePublishCycle(res.label(), res.Duration.Seconds())
	}

	result := *res
	w.last.Store(&result)

	cp := &checkpoint.Checkpoint{
		WorkerID:     w.cfg.WorkerID,
		CycleID:      res.CycleID,
		Result:       res.label(),
		Pending:      res.Pending,
		Uploaded:     res.Uploaded,
		Corrupt:      res.Corrupt,
		Failed:       res.Failed,
		LastUploaded: w.lastUpload,
		TotalUploads: w.totalUploads.Load(),
		UpdatedAt:    time.Now().UTC(),
	}
	if err := w.checkpoints.Save(context.WithoutCancel(ctx), cp); err != nil {
		log.Warn("failed to save checkpoint", "error", err)
	}
}

func (w *Worker) ledgerError(name string) {
	if m := metrics.Get(); m != nil {
		m.IncLedgerErrors(name)
	}
}
