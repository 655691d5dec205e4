package minioctrl

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"hybridrag/src/core/retrieval"
)

const SourcesBucket = "sources"

type Config struct {
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key"`
	SecretAccessKey string `mapstructure:"secret_key"`
	UseSSL          bool   `mapstructure:"use_ssl"`
	Bucket          string `mapstructure:"bucket"`
}

// SourceArchive keeps the raw text of sources queued for asynchronous
// indexing. Job payloads carry an object reference instead of the text.
type SourceArchive struct {
	client *minio.Client
	bucket string
}

func NewSourceArchive(cfg Config) (*SourceArchive, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}
	bucket := cfg.Bucket
	if bucket == "" {
		bucket = SourcesBucket
	}
	return &SourceArchive{client: client, bucket: bucket}, nil
}

func (s *SourceArchive) EnsureBucketExists(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket existence: %w", err)
	}

	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
	}
	return nil
}

// PutSource stores text under a fresh object name for key and returns its
// reference in the "bucket/object" form.
func (s *SourceArchive) PutSource(ctx context.Context, key retrieval.SourceKey, text string) (string, error) {
	object := ObjectName(key, uuid.NewString())
	data := []byte(text)
	_, err := s.client.PutObject(ctx, s.bucket, object, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "text/plain; charset=utf-8",
	})
	if err != nil {
		return "", fmt.Errorf("failed to put object: %w", err)
	}
	return s.bucket + "/" + object, nil
}

func (s *SourceArchive) GetSource(ctx context.Context, ref string) (string, error) {
	bucket, object := SplitRef(ref)
	if bucket == "" {
		return "", fmt.Errorf("invalid object reference %q", ref)
	}
	obj, err := s.client.GetObject(ctx, bucket, object, minio.GetObjectOptions{})
	if err != nil {
		return "", fmt.Errorf("failed to get object: %w", err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return "", fmt.Errorf("failed to read object data: %w", err)
	}
	return string(data), nil
}

func (s *SourceArchive) DeleteSource(ctx context.Context, ref string) error {
	bucket, object := SplitRef(ref)
	if bucket == "" {
		return fmt.Errorf("invalid object reference %q", ref)
	}
	if err := s.client.RemoveObject(ctx, bucket, object, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("failed to delete object: %w", err)
	}
	return nil
}

// ObjectName lays objects out as <type>/<source id>/<revision>.txt.
func ObjectName(key retrieval.SourceKey, revision string) string {
	return path.Join(string(key.SourceType), key.SourceID, revision+".txt")
}

// SplitRef splits "bucket/object"; both parts are empty when ref is malformed.
func SplitRef(ref string) (string, string) {
	parts := strings.SplitN(ref, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", ""
	}
	return parts[0], parts[1]
}
