package downloader

import (
	"context"
	"fmt"
	"io"
	"mime"
	"path"
	"strings"
	"sync"

	"go-photo-finder/internal/models"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	log "github.com/sirupsen/logrus"
)

// BucketSaver uploads downloads to an S3-compatible bucket.
type BucketSaver struct {
	client *minio.Client
	bucket string
	region string
	prefix string // key prefix, may be empty

	mu      sync.Mutex
	ensured bool

	// keysMu guards reserved, the keys chosen by in-flight uploads.
	keysMu   sync.Mutex
	reserved map[string]struct{}
}

// NewBucketSaver creates a MinIO client from the S3 settings of cfg.
func NewBucketSaver(cfg models.Config) (*BucketSaver, error) {
	client, err := minio.New(cfg.S3Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.S3AccessKey, cfg.S3SecretKey, ""),
		Secure: cfg.S3UseSSL,
		Region: cfg.S3Region,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: init minio: %v", ErrObjectStore, err)
	}
	return &BucketSaver{
		client:   client,
		bucket:   cfg.S3Bucket,
		region:   cfg.S3Region,
		prefix:   strings.Trim(cfg.SavePath, "/"),
		reserved: make(map[string]struct{}),
	}, nil
}

func (s *BucketSaver) ensureBucket(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ensured {
		return nil
	}
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if !exists {
		log.Infof("Creating bucket %s", s.bucket)
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
			return fmt.Errorf("make bucket %s: %w", s.bucket, err)
		}
	}
	s.ensured = true
	return nil
}

func (s *BucketSaver) objectKey(name string) string {
	if s.prefix == "" {
		return name
	}
	return path.Join(s.prefix, name)
}

// freeKey finds a key that does not exist yet and is not held by another
// upload, adding _1, _2 ... as needed. The key stays reserved until release.
func (s *BucketSaver) freeKey(ctx context.Context, name string) (string, error) {
	s.keysMu.Lock()
	defer s.keysMu.Unlock()

	ext := path.Ext(name)
	base := strings.TrimSuffix(name, ext)
	for i := 0; i < maxNameAttempts; i++ {
		candidate := name
		if i > 0 {
			candidate = fmt.Sprintf("%s_%d%s", base, i, ext)
		}
		key := s.objectKey(candidate)
		if _, taken := s.reserved[key]; taken {
			continue
		}
		_, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
		if err == nil {
			continue
		}
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			s.reserved[key] = struct{}{}
			return key, nil
		}
		return "", fmt.Errorf("stat object %s: %w", key, err)
	}
	return "", fmt.Errorf("no free object key for %s after %d attempts", name, maxNameAttempts)
}

func (s *BucketSaver) release(key string) {
	s.keysMu.Lock()
	delete(s.reserved, key)
	s.keysMu.Unlock()
}

// Save uploads r and returns an s3://bucket/key location.
func (s *BucketSaver) Save(ctx context.Context, name string, r io.Reader, size int64) (string, error) {
	if err := s.ensureBucket(ctx); err != nil {
		return "", fmt.Errorf("%w: %v", ErrObjectStore, err)
	}
	key, err := s.freeKey(ctx, path.Base(name))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrObjectStore, err)
	}
	// Once uploaded the object itself keeps the key taken.
	defer s.release(key)

	contentType := mime.TypeByExtension(path.Ext(name))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	info, err := s.client.PutObject(ctx, s.bucket, key, r, size, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return "", fmt.Errorf("%w: upload %s: %v", ErrObjectStore, key, err)
	}
	log.Debugf("Uploaded %s/%s (%d bytes)", s.bucket, key, info.Size)
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
