//go:build integration

package s3

import (
	"bytes"
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/edunexus/edunexus/internal/storage"
)

func TestStoreRoundTripAgainstMinIO(t *testing.T) {
	endpoint := envOr("EDUNEXUS_TEST_S3_ENDPOINT", "")
	if endpoint == "" {
		t.Skip("EDUNEXUS_TEST_S3_ENDPOINT is not set")
	}

	cfg := Config{
		Endpoint:         endpoint,
		Region:           envOr("EDUNEXUS_TEST_S3_REGION", "us-east-1"),
		Bucket:           envOr("EDUNEXUS_TEST_S3_BUCKET", "edunexus-it"),
		AccessKeyID:      envOr("EDUNEXUS_TEST_S3_ACCESS_KEY", "minio"),
		SecretAccessKey:  envOr("EDUNEXUS_TEST_S3_SECRET_KEY", "miniostorage"),
		UseSSL:           false,
		Prefix:           "integration-tests",
		AutoCreateBucket: true,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	store, err := New(ctx, cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	key := "audit/date=2025-03-10/hour=09/roundtrip.parquet"
	payload := []byte("edunexus-integration")

	info, err := store.Put(ctx, key, payload, "application/octet-stream")
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if info.Key != key {
		t.Fatalf("Put().Key = %q, want %q", info.Key, key)
	}

	objects, err := store.List(ctx, "audit/date=2025-03-10/")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	found := false
	for _, object := range objects {
		if object.Key == key && object.Size == int64(len(payload)) {
			found = true
		}
	}
	if !found {
		t.Fatalf("List() = %+v, missing %q", objects, key)
	}

	body, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !bytes.Equal(body, payload) {
		t.Fatalf("Get() payload = %q, want %q", body, payload)
	}
	if _, err := store.Get(ctx, "audit/date=2025-03-10/hour=09/missing.parquet"); !errors.Is(err, storage.ErrObjectNotFound) {
		t.Fatalf("Get() missing error = %v, want ErrObjectNotFound", err)
	}
}

func envOr(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}
