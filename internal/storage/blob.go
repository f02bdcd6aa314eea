package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob" // local directory driver
	_ "gocloud.dev/blob/memblob"  // in-memory driver
	"gocloud.dev/gcerrors"
)

// BlobStore publishes segments to any gocloud.dev bucket (GCS, S3, fileblob,
// memblob). Object stores have no real folders, so EnsureFolder only
// validates and joins the key.
type BlobStore struct {
	bucket    *blob.Bucket
	base      string // URI prefix, e.g. gs://bucket
	prefix    string
	manifests bool
	producer  ProducerInfo
}

// OpenBlobStore opens the bucket at bucketURL.
func OpenBlobStore(ctx context.Context, bucketURL string, opts Options) (*BlobStore, error) {
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", bucketURL, err)
	}
	return NewBlobStore(bucket, baseURI(bucketURL), opts), nil
}

// FileURL builds a fileblob URL for dir, creating the directory on open.
func FileURL(dir string) string {
	abs, err := filepath.Abs(dir)
	if err != nil {
		abs = dir
	}
	return "file://" + filepath.ToSlash(abs) + "?create_dir=true"
}

// NewBlobStore wraps an already opened bucket. base is the URI prefix used
// by URI.
func NewBlobStore(bucket *blob.Bucket, base string, opts Options) *BlobStore {
	return &BlobStore{
		bucket:    bucket,
		base:      base,
		prefix:    opts.Prefix,
		manifests: opts.Manifests,
		producer:  opts.Producer,
	}
}

// baseURI strips query parameters from a bucket URL.
func baseURI(bucketURL string) string {
	if i := strings.IndexByte(bucketURL, '?'); i >= 0 {
		return bucketURL[:i]
	}
	return bucketURL
}

func (s *BlobStore) fullKey(key string) string {
	return s.prefix + key
}

// Verify checks that the bucket is reachable.
func (s *BlobStore) Verify(ctx context.Context) error {
	ok, err := s.bucket.IsAccessible(ctx)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrRemoteUnavailable, s.base, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s is not accessible", ErrRemoteUnavailable, s.base)
	}
	return nil
}

// EnsureFolder returns the key of name under parentKey.
func (s *BlobStore) EnsureFolder(ctx context.Context, parentKey, name string) (string, error) {
	return folderKey(parentKey, name)
}

// UploadFile streams the local file into the bucket. The checksum is stored
// as the "sha256" metadata attribute.
func (s *BlobStore) UploadFile(ctx context.Context, localPath, folder string) (RemoteID, error) {
	key := objectKey(folder, localPath)
	name := path.Base(key)

	checksum, size, err := FileChecksum(localPath)
	if err != nil {
		return RemoteID{}, fmt.Errorf("checksum %s: %w", localPath, err)
	}

	f, err := os.Open(localPath)
	if err != nil {
		return RemoteID{}, fmt.Errorf("open %s: %w", localPath, err)
	}
	defer f.Close()

	// Cancelling the writer context discards a partial upload.
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w, err := s.bucket.NewWriter(wctx, s.fullKey(key), &blob.WriterOptions{
		ContentType: ContentType(name),
		Metadata:    map[string]string{"sha256": checksum},
	})
	if err != nil {
		return RemoteID{}, fmt.Errorf("create writer for %s: %w", key, err)
	}

	written, err := io.Copy(w, f)
	if err != nil {
		cancel()
		w.Close()
		return RemoteID{}, fmt.Errorf("write data to %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return RemoteID{}, fmt.Errorf("close writer for %s: %w", key, err)
	}
	if written != size {
		return RemoteID{}, fmt.Errorf("write data to %s: file changed during upload (%d of %d bytes)", key, written, size)
	}

	id := RemoteID{Key: key, URI: s.URI(key), Size: size, Checksum: checksum}

	if s.manifests {
		if err := s.writeManifest(ctx, newManifest(id, name, s.producer)); err != nil {
			return RemoteID{}, err
		}
	}
	return id, nil
}

// writeManifest writes a manifest file next to its object.
func (s *BlobStore) writeManifest(ctx context.Context, manifest *Manifest) error {
	key := s.fullKey(ManifestKey(manifest.Key))

	data, err := manifest.MarshalJSON()
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}

	if err := s.bucket.WriteAll(ctx, key, data, &blob.WriterOptions{ContentType: "application/json"}); err != nil {
		return fmt.Errorf("write manifest to %s: %w", key, err)
	}
	return nil
}

// Head returns metadata about a stored object.
func (s *BlobStore) Head(ctx context.Context, key string) (*ObjectInfo, error) {
	attrs, err := s.bucket.Attributes(ctx, s.fullKey(key))
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, fmt.Errorf("get attributes for %s: %w", key, os.ErrNotExist)
		}
		return nil, fmt.Errorf("get attributes for %s: %w", key, err)
	}

	return &ObjectInfo{
		Key:      key,
		Size:     attrs.Size,
		Checksum: attrs.Metadata["sha256"],
		ModTime:  attrs.ModTime,
	}, nil
}

// Exists checks if an object exists.
func (s *BlobStore) Exists(ctx context.Context, key string) (bool, error) {
	return s.bucket.Exists(ctx, s.fullKey(key))
}

// URI returns the canonical URI for the given key.
func (s *BlobStore) URI(key string) string {
	if strings.HasSuffix(s.base, "/") {
		return s.base + s.fullKey(key)
	}
	return s.base + "/" + s.fullKey(key)
}

// Close releases the bucket connection.
func (s *BlobStore) Close() error {
	if s.bucket != nil {
		return s.bucket.Close()
	}
	return nil
}

// Verify BlobStore implements ObjectStore.
var _ ObjectStore = (*BlobStore)(nil)
