package audit

import (
	"time"
)

// Event is an audit record for one uploaded segment.
type Event struct {
	Version   string    `json:"version"`
	EventType string    `json:"event_type"`
	EventID   string    `json:"event_id"`
	Timestamp time.Time `json:"timestamp"`
	CycleID   string    `json:"cycle_id,omitempty"`

	Segment  SegmentInfo  `json:"segment"`
	Producer ProducerInfo `json:"producer"`
	Chain    ChainInfo    `json:"chain"`
}

// SegmentInfo identifies the uploaded segment.
type SegmentInfo struct {
	Root     string `json:"root"`
	Name     string `json:"name"`
	Key      string `json:"key"`
	URI      string `json:"uri"`
	Checksum string `json:"checksum"`
	ByteSize int64  `json:"byte_size"`
}

// ProducerInfo identifies the software that uploaded the segment.
type ProducerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	GitSHA  string `json:"git_sha"`
}

// ChainInfo provides hash chaining for tamper-evident audit log.
type ChainInfo struct {
	PrevEventHash string `json:"prev_event_hash"`
	EventHash     string `json:"event_hash"`
}

// ChainKey returns the chain this segment's events are linked into. There is
// one chain per remote root.
func (s SegmentInfo) ChainKey() string {
	if s.Root == "" {
		return "default"
	}
	return s.Root
}

// Link sets the event's predecessor and computes its own hash.
func (e *Event) Link(prevHash string) error {
	e.Chain.PrevEventHash = prevHash
	hash, err := HashEvent(*e)
	if err != nil {
		return err
	}
	e.Chain.EventHash = hash
	return nil
}
