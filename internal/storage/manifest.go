package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"
)

// Manifest describes one uploaded segment. It is written next to the video
// object as <name>.json.
type Manifest struct {
	File        string       `json:"file"`
	Key         string       `json:"key"`
	Checksum    string       `json:"checksum"`
	ByteSize    int64        `json:"byte_size"`
	ContentType string       `json:"content_type"`
	Producer    ProducerInfo `json:"producer"`
	CreatedAt   time.Time    `json:"created_at"`
}

// ProducerInfo describes the software that uploaded the segment.
type ProducerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	GitSHA  string `json:"git_sha,omitempty"`
}

// MarshalJSON returns the manifest as JSON bytes.
func (m *Manifest) MarshalJSON() ([]byte, error) {
	type Alias Manifest
	return json.MarshalIndent((*Alias)(m), "", "  ")
}

// ManifestKey returns the sidecar key for an object key.
func ManifestKey(key string) string {
	return key + ".json"
}

func newManifest(id RemoteID, name string, producer ProducerInfo) *Manifest {
	return &Manifest{
		File:        name,
		Key:         id.Key,
		Checksum:    id.Checksum,
		ByteSize:    id.Size,
		ContentType: ContentType(name),
		Producer:    producer,
		CreatedAt:   time.Now().UTC(),
	}
}

// ComputeChecksum computes a SHA256 checksum for the given data.
func ComputeChecksum(data []byte) string {
	hash := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(hash[:])
}

// FileChecksum streams a file through SHA256 and returns the checksum and
// the number of bytes read.
func FileChecksum(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, fmt.Errorf("hash %s: %w", path, err)
	}
	return "sha256:" + hex.EncodeToString(h.Sum(nil)), n, nil
}
