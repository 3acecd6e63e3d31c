// Package objstore stores evidence files in S3-compatible object
// storage. Object keys are date-prefixed so buckets stay browsable and
// lifecycle rules can expire by prefix.
package objstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ErrNotFound is returned when the requested object does not exist.
var ErrNotFound = errors.New("object not found")

// maxNameLen bounds the sanitized file name inside an object key.
const maxNameLen = 100

// Config carries the connection settings for a Store.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// Store wraps a MinIO client for one bucket.
//
// Store is safe for concurrent use by multiple goroutines.
type Store struct {
	client *minio.Client
	bucket string
	logger *slog.Logger
}

// New connects to the object store and ensures the bucket exists.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Store, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("endpoint is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("creating object store client: %w", err)
	}

	s := &Store{client: client, bucket: cfg.Bucket, logger: logger}
	if err := s.ensureBucket(ctx); err != nil {
		return nil, fmt.Errorf("ensuring bucket %q: %w", cfg.Bucket, err)
	}
	return s, nil
}

func (s *Store) ensureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return err
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
			return err
		}
		s.logger.Info("bucket created", "bucket", s.bucket)
	}
	return nil
}

// Put streams r into the bucket under a fresh date-prefixed key and
// returns that key. Pass size -1 when the length is unknown.
func (s *Store) Put(ctx context.Context, fileName, contentType string, r io.Reader, size int64) (string, error) {
	key := ObjectKey(time.Now().UTC(), fileName)
	_, err := s.client.PutObject(ctx, s.bucket, key, r, size,
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return "", fmt.Errorf("storing object: %w", err)
	}
	s.logger.Info("object stored", "key", key, "size", size)
	return key, nil
}

// Get opens the object for reading. The caller closes it.
func (s *Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("opening object %q: %w", key, err)
	}
	// GetObject is lazy; a Stat forces the existence check now.
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		return nil, wrapMinioErr(key, err)
	}
	return obj, nil
}

// Stream copies the object into w and returns the object's size and
// content type, for handlers that set headers before the body.
func (s *Store) Stream(ctx context.Context, key string, w io.Writer) (int64, string, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return 0, "", fmt.Errorf("opening object %q: %w", key, err)
	}
	defer obj.Close()

	info, err := obj.Stat()
	if err != nil {
		return 0, "", wrapMinioErr(key, err)
	}
	n, err := io.Copy(w, obj)
	if err != nil {
		return n, info.ContentType, fmt.Errorf("streaming object %q: %w", key, err)
	}
	return n, info.ContentType, nil
}

// Delete removes the object. Deleting a missing object is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if key == "" {
		return nil
	}
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("deleting object %q: %w", key, err)
	}
	s.logger.Info("object deleted", "key", key)
	return nil
}

// Presign returns a time-limited GET URL for the object, for handing
// downloads off to the browser without proxying the bytes.
func (s *Store) Presign(ctx context.Context, key string, ttl time.Duration) (string, error) {
	u, err := s.client.PresignedGetObject(ctx, s.bucket, key, ttl, url.Values{})
	if err != nil {
		return "", fmt.Errorf("presigning object %q: %w", key, err)
	}
	return u.String(), nil
}

// Healthy reports whether the bucket is reachable.
func (s *Store) Healthy(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("object store unreachable: %w", err)
	}
	if !exists {
		return fmt.Errorf("bucket %q missing", s.bucket)
	}
	return nil
}

// ObjectKey builds the storage key for a file uploaded at t:
// 2006/01/02/<uuid>_<sanitized-name>.
func ObjectKey(t time.Time, fileName string) string {
	return fmt.Sprintf("%s/%s_%s",
		t.Format("2006/01/02"), uuid.NewString(), sanitizeName(fileName))
}

// sanitizeName reduces a client-supplied file name to a safe key
// segment: path separators and control characters cannot survive into
// object keys.
func sanitizeName(name string) string {
	name = strings.TrimSpace(name)
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}

	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.' || r == '-' || r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := strings.Trim(b.String(), "._")
	if out == "" {
		return "file"
	}
	if len(out) > maxNameLen {
		out = out[len(out)-maxNameLen:]
	}
	return out
}

func wrapMinioErr(key string, err error) error {
	resp := minio.ToErrorResponse(err)
	if resp.Code == "NoSuchKey" {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return fmt.Errorf("statting object %q: %w", key, err)
}
