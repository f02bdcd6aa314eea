package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sap-123iit/homevideorecord/internal/util"
)

var (
	// ErrNoCheckpoint is returned when no checkpoint exists.
	ErrNoCheckpoint = errors.New("no checkpoint found")
)

// FileName is the checkpoint file inside the checkpoint directory.
const FileName = "checkpoint_publish.json"

// Checkpoint records the outcome of the most recent publish cycle.
type Checkpoint struct {
	WorkerID     string      `json:"worker_id"`
	CycleID      string      `json:"cycle_id"`
	Result       string      `json:"result"`
	Pending      int         `json:"pending"`
	Uploaded     int         `json:"uploaded"`
	Corrupt      int         `json:"corrupt"`
	Failed       int         `json:"failed"`
	LastUploaded *UploadInfo `json:"last_uploaded,omitempty"`
	TotalUploads int64       `json:"total_uploads"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// UploadInfo describes the last segment confirmed uploaded.
type UploadInfo struct {
	Name     string `json:"name"`
	URI      string `json:"uri"`
	Checksum string `json:"checksum,omitempty"`
}

// Manager handles checkpoint persistence and retrieval.
type Manager interface {
	// Load reads the current checkpoint.
	Load(ctx context.Context) (*Checkpoint, error)

	// Save persists the checkpoint.
	Save(ctx context.Context, cp *Checkpoint) error
}

// Config configures the checkpoint manager.
type Config struct {
	Enabled bool
	Dir     string // Directory for checkpoint files
}

// NewManager creates a checkpoint manager based on configuration.
func NewManager(cfg Config) (Manager, error) {
	if !cfg.Enabled {
		return &noopManager{}, nil
	}

	if err := util.EnsureDir(cfg.Dir); err != nil {
		return nil, fmt.Errorf("create checkpoint directory %s: %w", cfg.Dir, err)
	}

	return &fileManager{path: filepath.Join(cfg.Dir, FileName)}, nil
}

// fileManager keeps the checkpoint in a single JSON file, replaced whole on
// every save.
type fileManager struct {
	path string
}

func (m *fileManager) Load(ctx context.Context) (*Checkpoint, error) {
	data, err := os.ReadFile(m.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoCheckpoint
	}
	if err != nil {
		return nil, fmt.Errorf("read checkpoint %s: %w", m.path, err)
	}

	cp := new(Checkpoint)
	if err := json.Unmarshal(data, cp); err != nil {
		return nil, fmt.Errorf("parse checkpoint %s: %w", m.path, err)
	}
	return cp, nil
}

// Save writes a synced temp file next to the checkpoint and renames it into
// place, so a crash leaves either the old or the new checkpoint.
func (m *fileManager) Save(ctx context.Context, cp *Checkpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	tmp := m.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("create checkpoint temp file: %w", err)
	}
	_, werr := f.Write(data)
	if werr == nil {
		werr = f.Sync()
	}
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		os.Remove(tmp)
		return fmt.Errorf("write checkpoint temp file: %w", werr)
	}

	if err := os.Rename(tmp, m.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("commit checkpoint: %w", err)
	}
	return util.SyncDir(filepath.Dir(m.path))
}

// noopManager is a no-op checkpoint manager for when checkpointing is disabled.
type noopManager struct{}

func (m *noopManager) Load(ctx context.Context) (*Checkpoint, error) {
	return nil, ErrNoCheckpoint
}

func (m *noopManager) Save(ctx context.Context, cp *Checkpoint) error {
	return nil
}
