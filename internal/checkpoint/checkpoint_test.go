package checkpoint

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFileManagerRoundTrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state")
	m, err := NewManager(Config{Enabled: true, Dir: dir})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	ctx := context.Background()
	if _, err := m.Load(ctx); !errors.Is(err, ErrNoCheckpoint) {
		t.Fatalf("expected ErrNoCheckpoint before first save, got %v", err)
	}

	cp := &Checkpoint{
		WorkerID: "worker-1",
		CycleID:  "cycle-1",
		Result:   "ok",
		Pending:  2,
		Uploaded: 2,
		LastUploaded: &UploadInfo{
			Name:     "recording_20240101_120000.mp4",
			URI:      "mem://recordings/20240101/recording_20240101_120000.mp4",
			Checksum: "sha256:abc",
		},
		TotalUploads: 7,
		UpdatedAt:    time.Date(2024, 1, 1, 12, 5, 0, 0, time.UTC),
	}
	if err := m.Save(ctx, cp); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, FileName+".tmp")); !os.IsNotExist(err) {
		t.Error("temp file should not remain after save")
	}

	got, err := m.Load(ctx)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got.CycleID != "cycle-1" || got.Uploaded != 2 || got.TotalUploads != 7 {
		t.Errorf("loaded checkpoint mismatch: %+v", got)
	}
	if got.LastUploaded == nil || got.LastUploaded.Name != "recording_20240101_120000.mp4" {
		t.Errorf("LastUploaded mismatch: %+v", got.LastUploaded)
	}
	if !got.UpdatedAt.Equal(cp.UpdatedAt) {
		t.Errorf("UpdatedAt = %v, want %v", got.UpdatedAt, cp.UpdatedAt)
	}
}

func TestFileManagerCorruptFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}
	m, err := NewManager(Config{Enabled: true, Dir: dir})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	_, err = m.Load(context.Background())
	if err == nil || errors.Is(err, ErrNoCheckpoint) {
		t.Errorf("expected parse error, got %v", err)
	}
}

func TestNoopManager(t *testing.T) {
	m, err := NewManager(Config{Enabled: false})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	if err := m.Save(context.Background(), &Checkpoint{CycleID: "x"}); err != nil {
		t.Errorf("noop Save should succeed: %v", err)
	}
	if _, err := m.Load(context.Background()); !errors.Is(err, ErrNoCheckpoint) {
		t.Errorf("noop Load should return ErrNoCheckpoint, got %v", err)
	}
}
