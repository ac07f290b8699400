package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type ObjectConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Prefix    string
	UseSSL    bool
	// Region skips the bucket location lookup when set.
	Region string
}

// ObjectStore keeps namespace snapshots as objects in an S3 compatible bucket.
type ObjectStore struct {
	client *minio.Client
	bucket string
	prefix string
}

func NewObjectStore(cfg ObjectConfig) (*ObjectStore, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, errors.New("cache: object endpoint required")
	}
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, errors.New("cache: object bucket required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: strings.TrimSpace(cfg.Region),
	})
	if err != nil {
		return nil, fmt.Errorf("cache: object client: %w", err)
	}
	return &ObjectStore{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

// ObjectName returns the object key holding the namespace snapshot.
func (s *ObjectStore) ObjectName(ns Namespace) string {
	if s.prefix == "" {
		return ns.SnapshotName()
	}
	return path.Join(s.prefix, ns.SnapshotName())
}

func (s *ObjectStore) Load(ctx context.Context, ns Namespace) (Snapshot, error) {
	name := s.ObjectName(ns)
	obj, err := s.client.GetObject(ctx, s.bucket, name, minio.GetObjectOptions{})
	if err != nil {
		return nil, s.wrapReadError(name, err)
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, s.wrapReadError(name, err)
	}
	return decodeSnapshot(data)
}

func (s *ObjectStore) Save(ctx context.Context, ns Namespace, snap Snapshot) error {
	payload, err := encodeSnapshot(snap)
	if err != nil {
		return err
	}
	name := s.ObjectName(ns)
	_, err = s.client.PutObject(ctx, s.bucket, name, bytes.NewReader(payload), int64(len(payload)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return fmt.Errorf("cache: put object %s/%s: %w", s.bucket, name, err)
	}
	return nil
}

func (s *ObjectStore) Close(context.Context) error {
	return nil
}

func (s *ObjectStore) wrapReadError(name string, err error) error {
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return fmt.Errorf("%w: %s/%s", ErrSnapshotNotFound, s.bucket, name)
	}
	return fmt.Errorf("cache: get object %s/%s: %w", s.bucket, name, err)
}
