package recorder

import (
	"errors"
	"sync"
	"time"

	"github.com/sap-123iit/homevideorecord/internal/capture"
	"github.com/sap-123iit/homevideorecord/internal/segment"
	"github.com/sap-123iit/homevideorecord/internal/source"
)

// Status is a point-in-time view of the recorder.
type Status struct {
	Recording           bool            `json:"recording"`
	Sources             []source.Stream `json:"sources"`
	Segment             string          `json:"segment,omitempty"`
	State               string          `json:"state,omitempty"`
	Ready               int64           `json:"ready"`
	Failed              int64           `json:"failed"`
	ConsecutiveFailures int             `json:"consecutive_failures"`
	LastError           string          `json:"last_error,omitempty"`
	NextAttempt         *time.Time      `json:"next_attempt,omitempty"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

func (s Status) clone() Status {
	s.Sources = append([]source.Stream(nil), s.Sources...)
	if s.NextAttempt != nil {
		next := *s.NextAttempt
		s.NextAttempt = &next
	}
	return s
}

// Tracker holds the latest Status and fans updates out to subscribers.
type Tracker struct {
	mu     sync.Mutex
	status Status
	subs   map[int]chan Status
	nextID int
	now    func() time.Time
}

// NewTracker creates a tracker for the configured source addresses.
// Credentials are redacted before they are stored.
func NewTracker(addresses []string) *Tracker {
	streams := make([]source.Stream, len(addresses))
	for i, addr := range addresses {
		streams[i] = source.Stream{Index: i, Address: source.Redact(addr)}
	}
	t := &Tracker{
		subs: make(map[int]chan Status),
		now:  time.Now,
	}
	t.status = Status{Sources: streams, UpdatedAt: t.now()}
	return t
}

// Snapshot returns a copy of the current status.
func (t *Tracker) Snapshot() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status.clone()
}

// Subscribe returns a channel that receives every new status. A subscriber
// that falls more than buffer updates behind misses updates. The returned
// func unsubscribes and closes the channel.
func (t *Tracker) Subscribe(buffer int) (<-chan Status, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Status, buffer)

	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.subs[id] = ch
	t.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.subs, id)
			t.mu.Unlock()
			close(ch)
		})
	}
}

func (t *Tracker) update(fn func(*Status)) {
	t.mu.Lock()
	defer t.mu.Unlock()

	fn(&t.status)
	t.status.UpdatedAt = t.now()
	for _, ch := range t.subs {
		select {
		case ch <- t.status.clone():
		default:
		}
	}
}

// ObserveSegment records a segment state change. It is registered with the
// lifecycle controller.
func (t *Tracker) ObserveSegment(seg segment.Segment) {
	t.update(func(s *Status) {
		s.Recording = seg.State == segment.StateCapturing
		s.Segment = seg.Name
		s.State = seg.State.String()
		switch {
		case seg.State == segment.StateReady:
			s.Ready++
		case seg.State.Failed():
			s.Failed++
		}
	})
}

// SourcesConnected marks every source connected.
func (t *Tracker) SourcesConnected() {
	t.update(func(s *Status) {
		for i := range s.Sources {
			s.Sources[i].Connected = true
			s.Sources[i].LastError = ""
		}
	})
}

// SourcesReleased marks every source disconnected. When err names a source
// (an open or read failure), that source carries the error.
func (t *Tracker) SourcesReleased(err error) {
	index := failedSource(err)
	t.update(func(s *Status) {
		s.Recording = false
		for i := range s.Sources {
			s.Sources[i].Connected = false
			if s.Sources[i].Index == index {
				s.Sources[i].LastError = err.Error()
			}
		}
	})
}

// Cooldown records a failed pass and when the next attempt is due.
func (t *Tracker) Cooldown(failures int, err error, next time.Time) {
	t.update(func(s *Status) {
		s.Recording = false
		s.ConsecutiveFailures = failures
		if err != nil {
			s.LastError = err.Error()
		}
		s.NextAttempt = &next
	})
}

// Recovered clears the failure streak after a READY segment.
func (t *Tracker) Recovered() {
	t.update(func(s *Status) {
		s.ConsecutiveFailures = 0
		s.NextAttempt = nil
	})
}

func failedSource(err error) int {
	var openErr *source.OpenError
	if errors.As(err, &openErr) {
		return openErr.Index
	}
	var dropErr *capture.SourceDroppedError
	if errors.As(err, &dropErr) {
		return dropErr.Index
	}
	return -1
}
