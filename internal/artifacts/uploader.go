// Package artifacts stores the files produced by drained actions: project
// snapshots, backups, exports, rendered videos and scene thumbnails.
package artifacts

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"storyboard-sync/internal/apperr"
)

// Uploader stores a blob under key and returns its location.
type Uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// Backend names.
const (
	BackendLocal = "local"
	BackendS3    = "s3"
	BackendMinIO = "minio"
)

// Options selects and configures the artifact backend.
type Options struct {
	Backend string
	Dir     string

	S3Bucket    string
	S3Region    string
	S3Endpoint  string
	S3PathStyle bool

	MinIOEndpoint  string
	MinIOAccessKey string
	MinIOSecretKey string
	MinIOBucket    string
	MinIOUseSSL    bool
}

// New builds the uploader for opts.Backend, defaulting to the local directory.
func New(ctx context.Context, opts Options) (Uploader, error) {
	switch strings.ToLower(opts.Backend) {
	case BackendS3:
		if opts.S3Bucket == "" {
			return nil, fmt.Errorf("artifact backend s3 requires S3_BUCKET")
		}
		client, err := newS3Client(ctx, opts)
		if err != nil {
			return nil, err
		}
		return &S3Uploader{client: client, bucket: opts.S3Bucket}, nil
	case BackendMinIO:
		return NewMinIOUploader(ctx, opts)
	case BackendLocal, "":
		return NewLocalUploader(opts.Dir), nil
	}
	return nil, fmt.Errorf("unknown artifact backend %q", opts.Backend)
}

func sanitizeKey(key string) string {
	key = filepath.ToSlash(filepath.Clean("/" + key))
	return strings.TrimPrefix(key, "/")
}

// LocalUploader writes artifacts below a base directory.
type LocalUploader struct {
	baseDir string
}

// NewLocalUploader returns an uploader rooted at dir ("./artifacts" when empty).
func NewLocalUploader(dir string) *LocalUploader {
	if dir == "" {
		dir = "./artifacts"
	}
	return &LocalUploader{baseDir: dir}
}

func (l *LocalUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.baseDir, filepath.FromSlash(sanitizeKey(key)))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

func newS3Client(ctx context.Context, opts Options) (*s3.Client, error) {
	region := opts.S3Region
	if region == "" {
		region = "us-east-1"
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if opts.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.S3Endpoint)
		}
		o.UsePathStyle = opts.S3PathStyle
	}), nil
}

// S3Uploader puts artifacts into an S3 bucket.
type S3Uploader struct {
	client *s3.Client
	bucket string
}

func (s *S3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	key = sanitizeKey(key)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", apperr.Wrap(apperr.KindNetwork, "put object", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

// MinIOUploader puts artifacts into a MinIO bucket, creating it on first use.
type MinIOUploader struct {
	client *minio.Client
	bucket string
}

// NewMinIOUploader connects to MinIO and makes sure the bucket exists.
func NewMinIOUploader(ctx context.Context, opts Options) (*MinIOUploader, error) {
	if opts.MinIOEndpoint == "" || opts.MinIOBucket == "" {
		return nil, fmt.Errorf("artifact backend minio requires MINIO_ENDPOINT and MINIO_BUCKET")
	}
	client, err := minio.New(opts.MinIOEndpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.MinIOAccessKey, opts.MinIOSecretKey, ""),
		Secure: opts.MinIOUseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, opts.MinIOBucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, opts.MinIOBucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket: %w", err)
		}
	}
	return &MinIOUploader{client: client, bucket: opts.MinIOBucket}, nil
}

func (m *MinIOUploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	key = sanitizeKey(key)
	_, err := m.client.PutObject(ctx, m.bucket, key, bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", apperr.Wrap(apperr.KindNetwork, "put object", err)
	}
	return fmt.Sprintf("minio://%s/%s", m.bucket, key), nil
}
