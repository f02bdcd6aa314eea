package recorder

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sap-123iit/homevideorecord/internal/capture"
	"github.com/sap-123iit/homevideorecord/internal/segment"
	"github.com/sap-123iit/homevideorecord/internal/source"
)

func TestTrackerSegmentCounts(t *testing.T) {
	tr := NewTracker([]string{"rtsp://cam1/stream"})

	tr.ObserveSegment(segment.Segment{Name: "a.mp4", State: segment.StateCapturing})
	assert.True(t, tr.Snapshot().Recording)

	for _, st := range []segment.State{segment.StateCaptured, segment.StateCompressing, segment.StateReady} {
		tr.ObserveSegment(segment.Segment{Name: "a.mp4", State: st})
	}
	tr.ObserveSegment(segment.Segment{Name: "b.mp4", State: segment.StateCapturing})
	tr.ObserveSegment(segment.Segment{Name: "b.mp4", State: segment.StateCaptureFailed})

	s := tr.Snapshot()
	assert.False(t, s.Recording)
	assert.Equal(t, "b.mp4", s.Segment)
	assert.Equal(t, segment.StateCaptureFailed.String(), s.State)
	assert.Equal(t, int64(1), s.Ready)
	assert.Equal(t, int64(1), s.Failed)
}

func TestTrackerSnapshotIsACopy(t *testing.T) {
	tr := NewTracker([]string{"rtsp://cam1/stream", "rtsp://cam2/stream"})
	tr.Cooldown(1, errors.New("boom"), time.Now())

	s := tr.Snapshot()
	s.Sources[0].Connected = true
	*s.NextAttempt = time.Time{}

	again := tr.Snapshot()
	assert.False(t, again.Sources[0].Connected)
	assert.False(t, again.NextAttempt.IsZero())
}

func TestTrackerAttributesSourceErrors(t *testing.T) {
	tr := NewTracker([]string{"rtsp://cam1/stream", "rtsp://cam2/stream"})
	tr.SourcesConnected()

	drop := &capture.SourceDroppedError{Index: 1, Err: errors.New("eof")}
	tr.SourcesReleased(drop)

	s := tr.Snapshot()
	assert.False(t, s.Sources[0].Connected)
	assert.Empty(t, s.Sources[0].LastError)
	assert.Contains(t, s.Sources[1].LastError, "eof")

	tr.SourcesReleased(&source.OpenError{Index: 0, Address: "rtsp://cam1/stream", Err: errors.New("refused")})
	assert.Contains(t, tr.Snapshot().Sources[0].LastError, "refused")

	tr.SourcesConnected()
	for _, src := range tr.Snapshot().Sources {
		assert.True(t, src.Connected)
		assert.Empty(t, src.LastError)
	}

	// A plain release names no source.
	tr.SourcesReleased(nil)
	for _, src := range tr.Snapshot().Sources {
		assert.False(t, src.Connected)
	}
}

func TestTrackerSubscribe(t *testing.T) {
	tr := NewTracker([]string{"rtsp://cam1/stream"})
	ch, unsubscribe := tr.Subscribe(1)

	tr.ObserveSegment(segment.Segment{Name: "a.mp4", State: segment.StateCapturing})
	// Buffer is full; this update is dropped for the slow subscriber.
	tr.ObserveSegment(segment.Segment{Name: "a.mp4", State: segment.StateCaptured})

	select {
	case s := <-ch:
		assert.Equal(t, segment.StateCapturing.String(), s.State)
	case <-time.After(time.Second):
		t.Fatal("no status delivered")
	}
	select {
	case s := <-ch:
		t.Fatalf("unexpected status %+v", s)
	default:
	}

	tr.Recovered()
	s := <-ch
	assert.Zero(t, s.ConsecutiveFailures)

	unsubscribe()
	unsubscribe()
	_, open := <-ch
	require.False(t, open, "channel closed after unsubscribe")

	// Updates after unsubscribe do not block or panic.
	tr.Recovered()
}
