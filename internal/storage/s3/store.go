// Package s3 keeps audit batches in an S3-compatible bucket through minio-go.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"sort"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/edunexus/edunexus/internal/storage"
)

// MaxObjectBytes bounds a single Get. Audit batches are a few hundred turns.
const MaxObjectBytes = 32 << 20

type Config struct {
	Endpoint         string
	Region           string
	Bucket           string
	AccessKeyID      string
	SecretAccessKey  string
	UseSSL           bool
	Prefix           string
	AutoCreateBucket bool
}

// minioAPI is the part of minio.Client the store drives.
type minioAPI interface {
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	ListObjects(ctx context.Context, bucketName string, opts minio.ListObjectsOptions) <-chan minio.ObjectInfo
	GetObject(ctx context.Context, bucketName, objectName string, opts minio.GetObjectOptions) (*minio.Object, error)
	BucketExists(ctx context.Context, bucketName string) (bool, error)
	MakeBucket(ctx context.Context, bucketName string, opts minio.MakeBucketOptions) error
}

type Store struct {
	client minioAPI
	bucket string
	prefix string
	read   func(ctx context.Context, object string) ([]byte, error)
}

func New(ctx context.Context, cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	endpoint, secure, err := parseEndpoint(cfg.Endpoint, cfg.UseSSL)
	if err != nil {
		return nil, err
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: secure,
		Region: strings.TrimSpace(cfg.Region),
	})
	if err != nil {
		return nil, fmt.Errorf("create s3 client: %w", err)
	}

	store := newStore(client, cfg.Bucket, cfg.Prefix)
	if cfg.AutoCreateBucket {
		if err := store.ensureBucket(ctx, strings.TrimSpace(cfg.Region)); err != nil {
			return nil, err
		}
	}
	return store, nil
}

func newStore(client minioAPI, bucketName, prefix string) *Store {
	s := &Store{client: client, bucket: strings.TrimSpace(bucketName), prefix: cleanPrefix(prefix)}
	s.read = s.readObject
	return s
}

func (s *Store) Put(ctx context.Context, key string, body []byte, contentType string) (storage.ObjectInfo, error) {
	object, err := s.objectName(key)
	if err != nil {
		return storage.ObjectInfo{}, err
	}
	info, err := s.client.PutObject(ctx, s.bucket, object, bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return storage.ObjectInfo{}, fmt.Errorf("put object %q: %w", object, mapMinioErr(err))
	}
	return storage.ObjectInfo{Key: s.relative(object), Size: info.Size, LastModified: info.LastModified}, nil
}

// List returns every object under prefix ordered by key. Keys come back
// relative to the store prefix, ready to pass to Get.
func (s *Store) List(ctx context.Context, prefix string) ([]storage.ObjectInfo, error) {
	listPrefix := s.prefixed(strings.TrimPrefix(strings.TrimSpace(prefix), "/"))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var out []storage.ObjectInfo
	for object := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: listPrefix, Recursive: true}) {
		if object.Err != nil {
			return nil, fmt.Errorf("list objects under %q: %w", listPrefix, mapMinioErr(object.Err))
		}
		out = append(out, storage.ObjectInfo{
			Key:          s.relative(object.Key),
			Size:         object.Size,
			LastModified: object.LastModified,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	object, err := s.objectName(key)
	if err != nil {
		return nil, err
	}
	return s.read(ctx, object)
}

func (s *Store) readObject(ctx context.Context, object string) ([]byte, error) {
	reader, err := s.client.GetObject(ctx, s.bucket, object, minio.GetObjectOptions{})
	if err != nil {
		return nil, s.getErr(object, err)
	}
	defer func() { _ = reader.Close() }()

	body, err := io.ReadAll(io.LimitReader(reader, MaxObjectBytes+1))
	if err != nil {
		return nil, s.getErr(object, err)
	}
	if len(body) > MaxObjectBytes {
		return nil, fmt.Errorf("object %q exceeds %d bytes", object, MaxObjectBytes)
	}
	return body, nil
}

func (s *Store) getErr(object string, err error) error {
	if mapped := mapMinioErr(err); errors.Is(mapped, storage.ErrObjectNotFound) {
		return storage.ErrObjectNotFound
	}
	return fmt.Errorf("get object %q: %w", object, err)
}

func (s *Store) ensureBucket(ctx context.Context, region string) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %q: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: region}); err != nil {
		return fmt.Errorf("create bucket %q: %w", s.bucket, err)
	}
	return nil
}

// objectName validates key and places it under the store prefix.
func (s *Store) objectName(key string) (string, error) {
	key = strings.TrimSpace(strings.TrimPrefix(key, "/"))
	if key == "" {
		return "", fmt.Errorf("object key is required")
	}
	cleaned := path.Clean(key)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("invalid object key: %q", key)
	}
	return s.prefixed(cleaned), nil
}

func (s *Store) prefixed(key string) string {
	if s.prefix == "" {
		return key
	}
	if key == "" {
		return s.prefix + "/"
	}
	return s.prefix + "/" + key
}

func (s *Store) relative(object string) string {
	if s.prefix == "" {
		return object
	}
	return strings.TrimPrefix(object, s.prefix+"/")
}

func cleanPrefix(prefix string) string {
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		return ""
	}
	if prefix = path.Clean(prefix); prefix == "." {
		return ""
	}
	return prefix
}

func parseEndpoint(raw string, useSSL bool) (string, bool, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false, fmt.Errorf("s3 endpoint is required")
	}
	if !strings.Contains(raw, "://") {
		return raw, useSSL, nil
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", false, fmt.Errorf("parse endpoint URL: %w", err)
	}
	switch {
	case parsed.Host == "":
		return "", false, fmt.Errorf("endpoint host is required")
	case parsed.Scheme == "https":
		return parsed.Host, true, nil
	case parsed.Scheme == "http":
		return parsed.Host, useSSL, nil
	default:
		return "", false, fmt.Errorf("unsupported endpoint scheme %q", parsed.Scheme)
	}
}

func mapMinioErr(err error) error {
	if err == nil {
		return nil
	}
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchBucket", "NotFound":
		return storage.ErrObjectNotFound
	}
	return err
}
