package segment

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"
)

// Segment is one bounded-duration recording moving through the pipeline.
type Segment struct {
	ID        time.Time
	Name      string // final file name, also the ledger entry
	State     State
	RawPath   string
	FinalPath string
	SizeBytes int64
}

// New returns a segment in the CAPTURING state.
func New(id time.Time, naming Naming, dir string) *Segment {
	return &Segment{
		ID:        id,
		Name:      naming.Name(id),
		State:     StateCapturing,
		RawPath:   filepath.Join(dir, naming.CaptureName(id)),
		FinalPath: filepath.Join(dir, naming.Name(id)),
	}
}

// Transition moves the segment to the next state.
func (s *Segment) Transition(to State) error {
	if !CanTransition(s.State, to) {
		return fmt.Errorf("%w: %s -> %s (%s)", ErrInvalidTransition, s.State, to, s.Name)
	}
	s.State = to
	return nil
}

// IDSource issues segment IDs that are strictly increasing for the lifetime
// of the process. IDs are UTC with one-second resolution to match the file
// naming, so distinct IDs always have distinct names.
type IDSource struct {
	mu   sync.Mutex
	last time.Time
	now  func() time.Time
}

// NewIDSource returns an IDSource backed by now, or the wall clock when now
// is nil.
func NewIDSource(now func() time.Time) *IDSource {
	if now == nil {
		now = time.Now
	}
	return &IDSource{now: now}
}

// Observe records an ID already in use (from disk or the ledger) so that
// later IDs sort after it.
func (g *IDSource) Observe(id time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	id = id.UTC().Truncate(time.Second)
	if id.After(g.last) {
		g.last = id
	}
}

// Next returns a new unique ID.
func (g *IDSource) Next() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	id := g.now().UTC().Truncate(time.Second)
	if !id.After(g.last) {
		id = g.last.Add(time.Second)
	}
	g.last = id
	return id
}
