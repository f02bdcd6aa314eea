package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
)

// LocalStore publishes segments to a directory on the local filesystem,
// typically a mounted network share.
type LocalStore struct {
	baseDir   string
	prefix    string
	manifests bool
	producer  ProducerInfo
}

// NewLocalStore creates a new local filesystem store.
func NewLocalStore(baseDir string, opts Options) (*LocalStore, error) {
	// Ensure base directory exists
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("create base directory %s: %w", baseDir, err)
	}

	return &LocalStore{
		baseDir:   baseDir,
		prefix:    opts.Prefix,
		manifests: opts.Manifests,
		producer:  opts.Producer,
	}, nil
}

func (s *LocalStore) path(key string) string {
	return filepath.Join(s.baseDir, filepath.FromSlash(s.prefix+key))
}

// Verify checks that the base directory exists and is a directory.
func (s *LocalStore) Verify(ctx context.Context) error {
	info, err := os.Stat(s.baseDir)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRemoteUnavailable, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", ErrRemoteUnavailable, s.baseDir)
	}
	return nil
}

// EnsureFolder creates the folder if it does not exist.
func (s *LocalStore) EnsureFolder(ctx context.Context, parentKey, name string) (string, error) {
	key, err := folderKey(parentKey, name)
	if err != nil {
		return "", err
	}
	dir := s.path(key)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create directory %s: %w", dir, err)
	}
	return key, nil
}

// UploadFile copies the file into the folder.
func (s *LocalStore) UploadFile(ctx context.Context, localPath, folder string) (RemoteID, error) {
	if err := ctx.Err(); err != nil {
		return RemoteID{}, err
	}

	key := objectKey(folder, localPath)
	dest := s.path(key)

	// Ensure directory exists
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return RemoteID{}, fmt.Errorf("create directory %s: %w", dir, err)
	}

	src, err := os.Open(localPath)
	if err != nil {
		return RemoteID{}, fmt.Errorf("open %s: %w", localPath, err)
	}
	defer src.Close()

	// Write atomically using temp file + rename
	tempPath := dest + ".tmp"
	tmp, err := os.OpenFile(tempPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return RemoteID{}, fmt.Errorf("create temp file %s: %w", tempPath, err)
	}

	h := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmp, h), src)
	if err == nil {
		err = tmp.Sync()
	}
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempPath)
		return RemoteID{}, fmt.Errorf("write temp file %s: %w", tempPath, err)
	}

	if err := ctx.Err(); err != nil {
		os.Remove(tempPath)
		return RemoteID{}, err
	}

	if err := os.Rename(tempPath, dest); err != nil {
		// Clean up temp file on rename failure
		os.Remove(tempPath)
		return RemoteID{}, fmt.Errorf("rename %s to %s: %w", tempPath, dest, err)
	}

	id := RemoteID{
		Key:      key,
		URI:      s.URI(key),
		Size:     size,
		Checksum: "sha256:" + hex.EncodeToString(h.Sum(nil)),
	}

	if s.manifests {
		if err := s.writeManifest(newManifest(id, path.Base(key), s.producer)); err != nil {
			return RemoteID{}, err
		}
	}
	return id, nil
}

// writeManifest writes a manifest file to the local filesystem.
func (s *LocalStore) writeManifest(manifest *Manifest) error {
	dest := s.path(ManifestKey(manifest.Key))

	data, err := manifest.MarshalJSON()
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}

	// Write atomically
	tempPath := dest + ".tmp"

	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("write temp file %s: %w", tempPath, err)
	}

	if err := os.Rename(tempPath, dest); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename %s to %s: %w", tempPath, dest, err)
	}

	return nil
}

// Head returns metadata about a stored object.
func (s *LocalStore) Head(ctx context.Context, key string) (*ObjectInfo, error) {
	info, err := os.Stat(s.path(key))
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", key, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("stat %s: is a directory", key)
	}
	return &ObjectInfo{
		Key:     key,
		Size:    info.Size(),
		ModTime: info.ModTime(),
	}, nil
}

// Exists checks if an object already exists.
func (s *LocalStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := os.Stat(s.path(key))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// URI returns the canonical URI for the given key.
func (s *LocalStore) URI(key string) string {
	absPath, err := filepath.Abs(s.path(key))
	if err != nil {
		absPath = s.path(key)
	}
	return "file://" + filepath.ToSlash(absPath)
}

// Close is a no-op for local storage.
func (s *LocalStore) Close() error {
	return nil
}

// Verify LocalStore implements ObjectStore.
var _ ObjectStore = (*LocalStore)(nil)
