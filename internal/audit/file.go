package audit

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"
)

const eventFileSuffix = ".event.json"

// FileBackup saves events to local files for backup/audit.
type FileBackup struct {
	dir string
}

// NewFileBackup creates a new file backup handler.
func NewFileBackup(dir string) (*FileBackup, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create backup dir: %w", err)
	}
	return &FileBackup{dir: dir}, nil
}

// Path returns the file an event for the named segment is saved to.
func (f *FileBackup) Path(segmentName string) string {
	return filepath.Join(f.dir, segmentName+eventFileSuffix)
}

// Save writes an event to a local JSON file.
func (f *FileBackup) Save(evt *Event) error {
	path := f.Path(evt.Segment.Name)

	data, err := json.MarshalIndent(evt, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write file: %w", err)
	}

	log.Printf("[audit] backed up to %s", path)
	return nil
}

// chain links new events to the head of their chain.
type chain struct {
	heads    *Heads
	producer ProducerInfo
}

// next builds the event for an upload, linked to the current chain head.
func (c *chain) next(u Upload) (*Event, error) {
	evt := &Event{
		Version:   "1.0",
		EventType: "segment_uploaded",
		EventID:   newEventID(),
		Timestamp: time.Now().UTC(),
		CycleID:   u.CycleID,
		Segment: SegmentInfo{
			Root:     u.Root,
			Name:     u.Name,
			Key:      u.Key,
			URI:      u.URI,
			Checksum: u.Checksum,
			ByteSize: u.ByteSize,
		},
		Producer: c.producer,
	}

	// A missing head starts a new chain.
	prevHash, _ := c.heads.Get(evt.Segment.ChainKey())
	if err := evt.Link(prevHash); err != nil {
		return nil, err
	}
	return evt, nil
}

func (c *chain) advance(evt *Event) {
	if err := c.heads.Advance(evt.Segment.ChainKey(), evt.Chain.EventHash); err != nil {
		log.Printf("[audit] warning: failed to update chain head: %v", err)
	}
}

// FileOnlyEmitter writes events to files only (no HTTP).
type FileOnlyEmitter struct {
	chain  chain
	backup *FileBackup
}

// NewFileOnlyEmitter creates an emitter that only writes to local files.
func NewFileOnlyEmitter(dir string, producer ProducerInfo) (*FileOnlyEmitter, error) {
	heads, err := OpenHeads(dir)
	if err != nil {
		return nil, err
	}

	backup, err := NewFileBackup(dir)
	if err != nil {
		return nil, fmt.Errorf("create file backup: %w", err)
	}

	return &FileOnlyEmitter{
		chain:  chain{heads: heads, producer: producer},
		backup: backup,
	}, nil
}

// Emit writes an upload event to a local file.
func (e *FileOnlyEmitter) Emit(u Upload) (*Event, error) {
	evt, err := e.chain.next(u)
	if err != nil {
		return nil, err
	}

	log.Printf("[audit] file-only emit for %s in %s", u.Name, evt.Segment.ChainKey())

	if err := e.backup.Save(evt); err != nil {
		return nil, err
	}
	e.chain.advance(evt)
	return evt, nil
}

// Close releases resources.
func (e *FileOnlyEmitter) Close() error {
	return nil
}
