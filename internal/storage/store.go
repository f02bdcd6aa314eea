package storage

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"path"
	"path/filepath"
	"strings"
	"time"
)

var (
	// ErrRemoteUnavailable is returned by Verify when the remote root cannot
	// be reached.
	ErrRemoteUnavailable = errors.New("remote storage unavailable")

	// ErrInvalidKey is returned for empty folder names or names containing a
	// path separator.
	ErrInvalidKey = errors.New("invalid object key")
)

// RemoteID identifies an uploaded object.
type RemoteID struct {
	Key      string // logical key, relative to the store prefix
	URI      string
	Size     int64
	Checksum string // "sha256:<hex>"
}

func (r RemoteID) String() string {
	return r.URI
}

// ObjectInfo contains metadata about a stored object.
type ObjectInfo struct {
	Key      string
	Size     int64
	Checksum string // empty when the backend does not record one
	ModTime  time.Time
}

// ObjectStore is the remote object store segments are published to. Keys are
// slash separated and relative to the configured prefix.
type ObjectStore interface {
	// Verify checks that the remote root is reachable.
	Verify(ctx context.Context) error

	// EnsureFolder makes sure the folder name exists under parentKey and
	// returns its key.
	EnsureFolder(ctx context.Context, parentKey, name string) (string, error)

	// UploadFile copies the local file into folderKey under its base name.
	// Uploading the same file twice overwrites the first copy.
	UploadFile(ctx context.Context, localPath, folderKey string) (RemoteID, error)

	// Head returns metadata about a stored object.
	Head(ctx context.Context, key string) (*ObjectInfo, error)

	// Exists checks if an object exists.
	Exists(ctx context.Context, key string) (bool, error)

	// URI returns the canonical URI for the given key.
	// For local: file:///path, GCS: gs://bucket/path, S3: s3://bucket/path
	URI(key string) string

	// Close releases any resources.
	Close() error
}

// Config configures the storage backend.
type Config struct {
	Backend string // "local" | "file" | "mem" | "gcs" | "s3"

	// Local filesystem ("local" and "file")
	LocalDir string

	// GCS and S3
	Bucket string

	// S3 (also works for B2, R2, MinIO)
	S3Endpoint string // custom endpoint for B2/MinIO/R2
	S3Region   string

	// Common
	Prefix    string // "recordings/" (path prefix within bucket or local dir)
	Manifests bool   // write a <name>.json sidecar after each upload
	Producer  ProducerInfo
}

// NewObjectStore creates a storage backend based on configuration.
func NewObjectStore(ctx context.Context, cfg Config) (ObjectStore, error) {
	opts := Options{Prefix: cfg.Prefix, Manifests: cfg.Manifests, Producer: cfg.Producer}

	switch cfg.Backend {
	case "local":
		if cfg.LocalDir == "" {
			return nil, fmt.Errorf("LocalDir required for local backend")
		}
		return NewLocalStore(cfg.LocalDir, opts)
	case "file":
		if cfg.LocalDir == "" {
			return nil, fmt.Errorf("LocalDir required for file backend")
		}
		return OpenBlobStore(ctx, FileURL(cfg.LocalDir), opts)
	case "mem":
		return OpenBlobStore(ctx, "mem://", opts)
	case "gcs":
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("Bucket required for gcs backend")
		}
		return OpenBlobStore(ctx, GCSURL(cfg.Bucket), opts)
	case "s3":
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("Bucket required for s3 backend")
		}
		return OpenBlobStore(ctx, S3URL(cfg.Bucket, cfg.S3Endpoint, cfg.S3Region), opts)
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Backend)
	}
}

// Options are shared by every backend.
type Options struct {
	Prefix    string
	Manifests bool
	Producer  ProducerInfo
}

// folderKey joins parent and name after validating name.
func folderKey(parentKey, name string) (string, error) {
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return "", fmt.Errorf("%w: folder %q", ErrInvalidKey, name)
	}
	if parentKey == "" {
		return name, nil
	}
	return path.Join(parentKey, name), nil
}

// objectKey returns the key a local file is uploaded to.
func objectKey(folderKey, localPath string) string {
	name := filepath.Base(localPath)
	if folderKey == "" {
		return name
	}
	return path.Join(folderKey, name)
}

var videoTypes = map[string]string{
	".mp4":  "video/mp4",
	".avi":  "video/x-msvideo",
	".mkv":  "video/x-matroska",
	".mov":  "video/quicktime",
	".webm": "video/webm",
}

// ContentType returns the MIME type for a segment file name.
func ContentType(name string) string {
	ext := strings.ToLower(path.Ext(name))
	if t, ok := videoTypes[ext]; ok {
		return t
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return "application/octet-stream"
}
