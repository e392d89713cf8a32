// Package storage archives rendered consultation reports in object storage.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Object is one upload.
type Object struct {
	Key         string
	Body        io.Reader
	Size        int64
	ContentType string
	// Metadata is stored as user metadata next to the object.
	Metadata map[string]string
}

type ObjectStore interface {
	Put(ctx context.Context, obj Object) error
	PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error)
}

// ReportKey is the object key of a consultation's archived report. The key
// is stable, so re-archiving overwrites the previous copy.
func ReportKey(consultationID int64) string {
	return fmt.Sprintf("reports/consultation-%d.pdf", consultationID)
}

type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// MinioStore implements ObjectStore on MinIO or any S3 compatible endpoint.
type MinioStore struct {
	client *minio.Client
	bucket string
}

// NewMinioStore connects and creates the bucket when it is missing.
func NewMinioStore(ctx context.Context, cfg MinioConfig) (*MinioStore, error) {
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, errors.New("minio bucket required")
	}
	client, err := minio.New(strings.TrimSpace(cfg.Endpoint), &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio client: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	switch exists, err := client.BucketExists(ctx, bucket); {
	case err != nil:
		return nil, fmt.Errorf("check bucket %s: %w", bucket, err)
	case !exists:
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", bucket, err)
		}
	}
	return &MinioStore{client: client, bucket: bucket}, nil
}

func (m *MinioStore) Put(ctx context.Context, obj Object) error {
	_, err := m.client.PutObject(ctx, m.bucket, obj.Key, obj.Body, obj.Size, minio.PutObjectOptions{
		ContentType:  obj.ContentType,
		UserMetadata: obj.Metadata,
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", obj.Key, err)
	}
	return nil
}

func (m *MinioStore) PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error) {
	u, err := m.client.PresignedGetObject(ctx, m.bucket, key, expiry, nil)
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", key, err)
	}
	return u.String(), nil
}

type storedObject struct {
	body        []byte
	contentType string
	metadata    map[string]string
}

// MemoryObjectStore is the in-process ObjectStore used by tests and local
// runs without MinIO.
type MemoryObjectStore struct {
	mu      sync.Mutex
	objects map[string]storedObject
}

func NewMemoryObjectStore() *MemoryObjectStore {
	return &MemoryObjectStore{objects: make(map[string]storedObject)}
}

func (m *MemoryObjectStore) Put(_ context.Context, obj Object) error {
	body, err := io.ReadAll(obj.Body)
	if err != nil {
		return fmt.Errorf("put %s: %w", obj.Key, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[obj.Key] = storedObject{body: body, contentType: obj.ContentType, metadata: maps.Clone(obj.Metadata)}
	return nil
}

func (m *MemoryObjectStore) PresignGet(_ context.Context, key string, expiry time.Duration) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[key]; !ok {
		return "", fmt.Errorf("presign %s: object not found", key)
	}
	return fmt.Sprintf("memory://%s?expires=%d", key, int64(expiry.Seconds())), nil
}

// Get returns a copy of a stored body.
func (m *MemoryObjectStore) Get(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.objects[key]
	return bytes.Clone(o.body), ok
}

// Metadata returns the user metadata stored with key.
func (m *MemoryObjectStore) Metadata(key string) map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return maps.Clone(m.objects[key].metadata)
}
