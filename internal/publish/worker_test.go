package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocloud.dev/blob/memblob"

	"github.com/sap-123iit/homevideorecord/internal/audit"
	"github.com/sap-123iit/homevideorecord/internal/checkpoint"
	"github.com/sap-123iit/homevideorecord/internal/ledger"
	"github.com/sap-123iit/homevideorecord/internal/logging"
	"github.com/sap-123iit/homevideorecord/internal/segment"
	"github.com/sap-123iit/homevideorecord/internal/storage"
)

const kb = 1024

// flakyStore fails the first failUploads uploads.
type flakyStore struct {
	storage.ObjectStore

	mu          sync.Mutex
	failUploads int
	uploads     int
	verifyErr   error
}

func (s *flakyStore) Verify(ctx context.Context) error {
	if s.verifyErr != nil {
		return s.verifyErr
	}
	return s.ObjectStore.Verify(ctx)
}

func (s *flakyStore) UploadFile(ctx context.Context, localPath, folder string) (storage.RemoteID, error) {
	s.mu.Lock()
	s.uploads++
	fail := s.uploads <= s.failUploads
	s.mu.Unlock()
	if fail {
		return storage.RemoteID{}, errors.New("connection reset by peer")
	}
	return s.ObjectStore.UploadFile(ctx, localPath, folder)
}

func (s *flakyStore) uploadCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uploads
}

type fixture struct {
	t        *testing.T
	dir      string
	naming   segment.Naming
	recorded *ledger.Ledger
	uploaded *ledger.Ledger
	store    *flakyStore
	cfg      Config
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	naming := segment.NewNaming("recording", "mp4")
	base := storage.NewBlobStore(memblob.OpenBucket(nil), "mem://", storage.Options{Prefix: "recordings/"})
	t.Cleanup(func() { base.Close() })

	return &fixture{
		t:        t,
		dir:      dir,
		naming:   naming,
		recorded: ledger.Open(filepath.Join(dir, "recordedvideolist.txt")),
		uploaded: ledger.Open(filepath.Join(dir, "uploaded_files.log")),
		store:    &flakyStore{ObjectStore: base},
		cfg: Config{
			Dir:             dir,
			Naming:          naming,
			RootKey:         "cams",
			MinSegmentBytes: 700 * kb,
			MaxAttempts:     3,
			RetryDelay:      0,
			Interval:        time.Hour,
			WorkerID:        "test",
		},
	}
}

func (f *fixture) worker(deps Deps) *Worker {
	f.t.Helper()
	deps.Store = f.store
	deps.Recorded = f.recorded
	deps.Uploaded = f.uploaded
	if deps.Logger == nil {
		deps.Logger = logging.Discard()
	}
	w, err := New(f.cfg, deps)
	require.NoError(f.t, err)
	return w
}

// addSegment writes a finalized segment of the given size and records it.
func (f *fixture) addSegment(id time.Time, size int64) string {
	f.t.Helper()
	name := f.naming.Name(id)
	file, err := os.Create(filepath.Join(f.dir, name))
	require.NoError(f.t, err)
	require.NoError(f.t, file.Truncate(size))
	require.NoError(f.t, file.Close())
	require.NoError(f.t, f.recorded.Append(name))
	return name
}

func (f *fixture) exists(name string) bool {
	_, err := os.Stat(filepath.Join(f.dir, name))
	return err == nil
}

func (f *fixture) uploadedLines() []string {
	f.t.Helper()
	data, err := os.ReadFile(f.uploaded.Path())
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(f.t, err)
	text := strings.TrimSpace(string(data))
	if text == "" {
		return nil
	}
	return strings.Split(text, "\n")
}

func (f *fixture) remoteExists(name string) bool {
	f.t.Helper()
	date, ok := f.naming.Date(name)
	require.True(f.t, ok)
	exists, err := f.store.Exists(context.Background(), "cams/"+date+"/"+name)
	require.NoError(f.t, err)
	return exists
}

func (f *fixture) assertSubset() {
	f.t.Helper()
	recorded, err := f.recorded.Load()
	require.NoError(f.t, err)
	uploaded, err := f.uploaded.Load()
	require.NoError(f.t, err)
	ok, missing := uploaded.SubsetOf(recorded)
	assert.True(f.t, ok, "uploaded entries missing from recorded: %v", missing)
}

var t0 = time.Date(2024, 1, 1, 12, 0, 0, 0, time.Local)

func TestRunCycleUploadsAndDeletes(t *testing.T) {
	f := newFixture(t)
	first := f.addSegment(t0, 800*kb)
	second := f.addSegment(t0.Add(3*time.Minute), 900*kb)

	res, err := f.worker(Deps{}).RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, res.Pending)
	assert.Equal(t, 2, res.Uploaded)
	assert.Equal(t, second, res.LastUploaded)
	assert.False(t, f.exists(first))
	assert.False(t, f.exists(second))
	assert.True(t, f.remoteExists(first))
	assert.True(t, f.remoteExists(second))
	assert.Equal(t, []string{first, second}, f.uploadedLines(), "uploads happen in name order")
	f.assertSubset()
}

func TestRunCycleDeletesCorruptSegment(t *testing.T) {
	f := newFixture(t)
	name := f.addSegment(t0, 650*kb)

	res, err := f.worker(Deps{}).RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, res.Corrupt)
	assert.Equal(t, 0, res.Uploaded)
	assert.False(t, f.exists(name), "corrupt segment is deleted")
	assert.Zero(t, f.store.uploadCalls(), "corrupt segment is never uploaded")
	assert.Empty(t, f.uploadedLines(), "no ledger write for corrupt segments")

	recorded, err := f.recorded.Load()
	require.NoError(t, err)
	assert.True(t, recorded.Has(name), "recorded ledger is never rewritten")
}

func TestRunCycleRetriesThenSucceeds(t *testing.T) {
	f := newFixture(t)
	f.store.failUploads = 2
	name := f.addSegment(t0, 800*kb)

	res, err := f.worker(Deps{}).RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, f.store.uploadCalls())
	assert.Equal(t, 1, res.Uploaded)
	assert.False(t, f.exists(name))
	assert.Equal(t, []string{name}, f.uploadedLines(), "exactly one ledger line")
}

func TestRunCycleIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.addSegment(t0, 800*kb)
	w := f.worker(Deps{})

	_, err := w.RunCycle(context.Background())
	require.NoError(t, err)
	calls := f.store.uploadCalls()
	lines := f.uploadedLines()

	res, err := w.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Pending)
	assert.Equal(t, calls, f.store.uploadCalls(), "no upload on the second cycle")
	assert.Equal(t, lines, f.uploadedLines(), "ledger unchanged on the second cycle")
}

func TestRunCycleStopsWhenRetriesExhausted(t *testing.T) {
	f := newFixture(t)
	f.store.failUploads = 100
	first := f.addSegment(t0, 800*kb)
	second := f.addSegment(t0.Add(3*time.Minute), 800*kb)

	res, err := f.worker(Deps{}).RunCycle(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUploadFailed)

	assert.Equal(t, 3, f.store.uploadCalls(), "only the first segment is attempted")
	assert.Equal(t, 1, res.Failed)
	assert.True(t, f.exists(first), "failed segment stays local for the next cycle")
	assert.True(t, f.exists(second))
	assert.Empty(t, f.uploadedLines())
	assert.Equal(t, "failed", res.label())
}

func TestRunCycleSkipsUnrecordedAndMissingFiles(t *testing.T) {
	f := newFixture(t)

	// Finalized but never ledgered, e.g. after a crash before the append.
	orphan := f.naming.Name(t0)
	require.NoError(t, os.WriteFile(filepath.Join(f.dir, orphan), make([]byte, 10), 0o644))

	// Ledgered but no longer on disk.
	require.NoError(t, f.recorded.Append(f.naming.Name(t0.Add(time.Minute))))

	// In-progress file never matches.
	require.NoError(t, os.WriteFile(filepath.Join(f.dir, f.naming.CaptureName(t0.Add(2*time.Minute))), []byte("x"), 0o644))

	res, err := f.worker(Deps{}).RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, res.Pending)
	assert.Equal(t, 1, res.Skipped)
	assert.True(t, f.exists(orphan), "unrecorded files are left alone")
	assert.Zero(t, f.store.uploadCalls())
}

func TestRunCycleAbortsWhenRemoteUnavailable(t *testing.T) {
	f := newFixture(t)
	f.store.verifyErr = storage.ErrRemoteUnavailable
	name := f.addSegment(t0, 800*kb)

	res, err := f.worker(Deps{}).RunCycle(context.Background())
	require.ErrorIs(t, err, storage.ErrRemoteUnavailable)
	assert.True(t, res.Aborted)
	assert.True(t, f.exists(name))
	assert.Zero(t, f.store.uploadCalls())
}

func TestRunCycleDeleteFailureSkipsLedger(t *testing.T) {
	f := newFixture(t)
	name := f.addSegment(t0, 800*kb)
	w := f.worker(Deps{})
	w.remove = func(string) error { return errors.New("device busy") }

	res, err := w.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Uploaded)
	assert.True(t, f.remoteExists(name), "upload itself succeeded")
	assert.Empty(t, f.uploadedLines(), "not logged until the local copy is gone")

	// Next cycle uploads again and completes.
	w.remove = os.Remove
	res, err = w.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Uploaded)
	assert.Equal(t, 2, f.store.uploadCalls())
	assert.Equal(t, []string{name}, f.uploadedLines())
}

func TestRunCycleSkipsWhenLocked(t *testing.T) {
	f := newFixture(t)
	f.addSegment(t0, 800*kb)
	w := f.worker(Deps{})

	ok, err := w.lock.TryLock()
	require.NoError(t, err)
	require.True(t, ok)

	_, err = w.RunCycle(context.Background())
	assert.ErrorIs(t, err, ErrCycleInProgress)
	assert.Zero(t, f.store.uploadCalls())

	w.lock.Unlock()
	_, err = w.RunCycle(context.Background())
	assert.NoError(t, err)
}

func TestRunCycleSavesCheckpointAndEmitsAudit(t *testing.T) {
	f := newFixture(t)
	name := f.addSegment(t0, 800*kb)

	cpDir := filepath.Join(f.dir, ".state")
	cps, err := checkpoint.NewManager(checkpoint.Config{Enabled: true, Dir: cpDir})
	require.NoError(t, err)
	auditDir := filepath.Join(cpDir, "audit")
	emitter := audit.NewEmitter(audit.Config{Enabled: true, Dir: auditDir})
	defer emitter.Close()

	w := f.worker(Deps{Checkpoints: cps, Audit: emitter})
	res, err := w.RunCycle(context.Background())
	require.NoError(t, err)

	cp, err := cps.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, res.CycleID, cp.CycleID)
	assert.Equal(t, 1, cp.Uploaded)
	assert.Equal(t, int64(1), cp.TotalUploads)
	require.NotNil(t, cp.LastUploaded)
	assert.Equal(t, name, cp.LastUploaded.Name)

	data, err := os.ReadFile(filepath.Join(auditDir, name+".event.json"))
	require.NoError(t, err, "upload event written")
	var evt audit.Event
	require.NoError(t, json.Unmarshal(data, &evt))
	assert.Equal(t, res.CycleID, evt.CycleID)
	assert.Equal(t, name, evt.Segment.Name)

	last, ok := w.LastResult()
	require.True(t, ok)
	assert.Equal(t, res.CycleID, last.CycleID)

	// A restarted worker continues the running total.
	f.addSegment(t0.Add(3*time.Minute), 800*kb)
	w2 := f.worker(Deps{Checkpoints: cps})
	_, err = w2.RunCycle(context.Background())
	require.NoError(t, err)
	cp, err = cps.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), cp.TotalUploads)
}

func TestRunReactsToTriggers(t *testing.T) {
	f := newFixture(t)
	first := f.addSegment(t0, 800*kb)
	w := f.worker(Deps{})

	ctx, cancel := context.WithCancel(context.Background())
	triggers := make(chan struct{}, 1)
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx, triggers) }()

	require.Eventually(t, func() bool { return !f.exists(first) }, 5*time.Second, 10*time.Millisecond,
		"initial cycle runs immediately")

	second := f.addSegment(t0.Add(3*time.Minute), 800*kb)
	triggers <- struct{}{}
	require.Eventually(t, func() bool { return !f.exists(second) }, 5*time.Second, 10*time.Millisecond,
		"trigger starts a cycle")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, []string{first, second}, f.uploadedLines())
}

func TestRunCycleCancelledDuringRetryWait(t *testing.T) {
	f := newFixture(t)
	f.store.failUploads = 100
	f.cfg.RetryDelay = time.Hour
	name := f.addSegment(t0, 800*kb)
	w := f.worker(Deps{})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	started := time.Now()
	res, err := w.RunCycle(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(started), 5*time.Second)
	assert.True(t, res.Aborted)
	assert.True(t, f.exists(name))
}

func TestAdvanceLogsInvalidTransition(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, nil))
	seg := &segment.Segment{Name: "recording_20240101_120000.mp4", State: segment.StateReady}

	advance(log, seg, segment.StateUploaded)
	assert.Equal(t, segment.StateReady, seg.State)
	assert.Contains(t, buf.String(), "unexpected segment transition")

	buf.Reset()
	advance(log, seg, segment.StateUploading)
	assert.Equal(t, segment.StateUploading, seg.State)
	assert.Empty(t, buf.String())
}
