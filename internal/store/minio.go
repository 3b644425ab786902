package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/forgelabs/indexforge/internal/models"
)

// MinIO is an object-storage backed Store. The pointer CAS uses
// conditional puts keyed on the record's ETag, so concurrent promotions
// across processes resolve to a single winner.
type MinIO struct {
	client *minio.Client
	bucket string
}

// MinIOConfig holds connection settings for the object store.
type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// NewMinIO connects to the object store and ensures the bucket exists.
func NewMinIO(ctx context.Context, cfg MinIOConfig) (*MinIO, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
	}

	return &MinIO{client: client, bucket: cfg.Bucket}, nil
}

func (m *MinIO) Put(ctx context.Context, key string, data []byte) error {
	_, err := m.client.PutObject(ctx, m.bucket, key,
		bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (m *MinIO) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := m.client.GetObject(ctx, m.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	defer func() { _ = obj.Close() }()

	data, err := io.ReadAll(obj)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, fmt.Errorf("get %s: %w", key, ErrNotFound)
		}
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return data, nil
}

func (m *MinIO) Delete(ctx context.Context, key string) error {
	_, err := m.client.StatObject(ctx, m.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return fmt.Errorf("delete %s: %w", key, ErrNotFound)
		}
		return fmt.Errorf("delete %s: %w", key, err)
	}
	if err := m.client.RemoveObject(ctx, m.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (m *MinIO) Exists(ctx context.Context, key string) (bool, error) {
	_, err := m.client.StatObject(ctx, m.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return false, nil
		}
		return false, fmt.Errorf("stat %s: %w", key, err)
	}
	return true, nil
}

func (m *MinIO) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var infos []ObjectInfo
	opts := minio.ListObjectsOptions{Prefix: prefix, Recursive: true}
	for obj := range m.client.ListObjects(ctx, m.bucket, opts) {
		if obj.Err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, obj.Err)
		}
		infos = append(infos, ObjectInfo{Key: obj.Key, Size: obj.Size})
	}
	return infos, nil
}

func (m *MinIO) Pointer(ctx context.Context) (*models.Pointer, error) {
	ptr, _, err := m.pointerWithETag(ctx)
	return ptr, err
}

func (m *MinIO) pointerWithETag(ctx context.Context) (*models.Pointer, string, error) {
	obj, err := m.client.GetObject(ctx, m.bucket, models.PointerKey, minio.GetObjectOptions{})
	if err != nil {
		return nil, "", fmt.Errorf("get pointer: %w", err)
	}
	defer func() { _ = obj.Close() }()

	stat, err := obj.Stat()
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, "", ErrNotFound
		}
		return nil, "", fmt.Errorf("stat pointer: %w", err)
	}
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, "", fmt.Errorf("read pointer: %w", err)
	}
	var ptr models.Pointer
	if err := json.Unmarshal(data, &ptr); err != nil {
		return nil, "", fmt.Errorf("decode pointer: %w", err)
	}
	return &ptr, stat.ETag, nil
}

func (m *MinIO) SwapPointer(ctx context.Context, expect, next *models.Pointer) error {
	stored, etag, err := m.pointerWithETag(ctx)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if !pointerMatches(stored, expect) {
		return ErrPointerConflict
	}

	ptr := *next
	if ptr.UpdatedAt.IsZero() {
		ptr.UpdatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(&ptr)
	if err != nil {
		return fmt.Errorf("marshal pointer: %w", err)
	}

	opts := minio.PutObjectOptions{ContentType: "application/json"}
	if stored == nil {
		// Create-if-absent: fail if any object appeared meanwhile.
		opts.SetMatchETagExcept("*")
	} else {
		opts.SetMatchETag(etag)
	}
	_, err = m.client.PutObject(ctx, m.bucket, models.PointerKey,
		bytes.NewReader(data), int64(len(data)), opts)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "PreconditionFailed" {
			return ErrPointerConflict
		}
		return fmt.Errorf("write pointer: %w", err)
	}
	return nil
}

var _ Store = (*MinIO)(nil)
