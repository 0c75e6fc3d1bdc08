package s3

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"

	"github.com/edunexus/edunexus/internal/storage"
)

type fakeMinio struct {
	puts        map[string][]byte
	contentType string
	listPrefix  string
	listed      []minio.ObjectInfo
	exists      bool
	made        bool
}

func (f *fakeMinio) PutObject(_ context.Context, _, objectName string, reader io.Reader, _ int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	body, err := io.ReadAll(reader)
	if err != nil {
		return minio.UploadInfo{}, err
	}
	if f.puts == nil {
		f.puts = map[string][]byte{}
	}
	f.puts[objectName] = body
	f.contentType = opts.ContentType
	return minio.UploadInfo{Key: objectName, Size: int64(len(body))}, nil
}

func (f *fakeMinio) ListObjects(_ context.Context, _ string, opts minio.ListObjectsOptions) <-chan minio.ObjectInfo {
	f.listPrefix = opts.Prefix
	ch := make(chan minio.ObjectInfo, len(f.listed))
	for _, object := range f.listed {
		ch <- object
	}
	close(ch)
	return ch
}

func (f *fakeMinio) GetObject(context.Context, string, string, minio.GetObjectOptions) (*minio.Object, error) {
	return nil, minio.ErrorResponse{Code: "NoSuchKey"}
}

func (f *fakeMinio) BucketExists(context.Context, string) (bool, error) { return f.exists, nil }

func (f *fakeMinio) MakeBucket(context.Context, string, minio.MakeBucketOptions) error {
	f.made = true
	return nil
}

func TestPutPlacesKeyUnderPrefix(t *testing.T) {
	fake := &fakeMinio{}
	store := newStore(fake, "bucket-a", "/edunexus/prod/")

	info, err := store.Put(context.Background(), "/audit/date=2025-03-10/hour=09/turns.parquet", []byte("abc"), "application/vnd.apache.parquet")
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if string(fake.puts["edunexus/prod/audit/date=2025-03-10/hour=09/turns.parquet"]) != "abc" {
		t.Fatalf("puts = %v", fake.puts)
	}
	if info.Key != "audit/date=2025-03-10/hour=09/turns.parquet" {
		t.Fatalf("info.Key = %q", info.Key)
	}
	if info.Size != 3 || fake.contentType != "application/vnd.apache.parquet" {
		t.Fatalf("info = %+v content type = %q", info, fake.contentType)
	}
}

func TestObjectKeysRejectTraversal(t *testing.T) {
	store := newStore(&fakeMinio{}, "bucket-a", "")
	for _, key := range []string{"", "../secrets.txt", "audit/../../x", ".."} {
		if _, err := store.Put(context.Background(), key, []byte("x"), ""); err == nil {
			t.Fatalf("Put(%q) error = nil", key)
		}
		if _, err := store.Get(context.Background(), key); err == nil {
			t.Fatalf("Get(%q) error = nil", key)
		}
	}
}

func TestListStripsStorePrefixAndSorts(t *testing.T) {
	at := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	fake := &fakeMinio{listed: []minio.ObjectInfo{
		{Key: "edunexus/audit/date=2025-03-10/hour=10/b.parquet", Size: 20, LastModified: at},
		{Key: "edunexus/audit/date=2025-03-10/hour=09/a.parquet", Size: 10, LastModified: at},
	}}
	store := newStore(fake, "bucket-a", "edunexus")

	objects, err := store.List(context.Background(), "audit/date=2025-03-10/")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if fake.listPrefix != "edunexus/audit/date=2025-03-10/" {
		t.Fatalf("list prefix = %q", fake.listPrefix)
	}
	if len(objects) != 2 || objects[0].Key != "audit/date=2025-03-10/hour=09/a.parquet" || objects[1].Size != 20 {
		t.Fatalf("objects = %+v", objects)
	}
}

func TestListSurfacesStreamErrors(t *testing.T) {
	fake := &fakeMinio{listed: []minio.ObjectInfo{{Err: minio.ErrorResponse{Code: "NoSuchBucket"}}}}
	store := newStore(fake, "bucket-a", "")
	if _, err := store.List(context.Background(), "audit/"); !errors.Is(err, storage.ErrObjectNotFound) {
		t.Fatalf("List() error = %v, want ErrObjectNotFound", err)
	}
}

func TestGetMapsMissingObjects(t *testing.T) {
	store := newStore(&fakeMinio{}, "bucket-a", "edunexus")
	if _, err := store.Get(context.Background(), "audit/missing.parquet"); !errors.Is(err, storage.ErrObjectNotFound) {
		t.Fatalf("Get() error = %v, want ErrObjectNotFound", err)
	}

	var requested string
	store.read = func(_ context.Context, object string) ([]byte, error) {
		requested = object
		return []byte("parquet"), nil
	}
	body, err := store.Get(context.Background(), "audit/a.parquet")
	if err != nil || string(body) != "parquet" || requested != "edunexus/audit/a.parquet" {
		t.Fatalf("Get() = %q, %v (object %q)", body, err, requested)
	}
}

func TestEnsureBucketCreatesWhenMissing(t *testing.T) {
	fake := &fakeMinio{}
	if err := newStore(fake, "bucket-a", "").ensureBucket(context.Background(), "us-east-1"); err != nil {
		t.Fatalf("ensureBucket() error = %v", err)
	}
	if !fake.made {
		t.Fatal("expected MakeBucket to be called")
	}
}

func TestParseEndpoint(t *testing.T) {
	tests := []struct {
		raw    string
		host   string
		secure bool
		fails  bool
	}{
		{raw: "https://minio.example.com", host: "minio.example.com", secure: true},
		{raw: "http://localhost:9000", host: "localhost:9000"},
		{raw: "localhost:9000", host: "localhost:9000"},
		{raw: "ftp://minio", fails: true},
		{raw: "", fails: true},
	}
	for _, tt := range tests {
		host, secure, err := parseEndpoint(tt.raw, false)
		if tt.fails {
			if err == nil {
				t.Fatalf("parseEndpoint(%q) error = nil", tt.raw)
			}
			continue
		}
		if err != nil || host != tt.host || secure != tt.secure {
			t.Fatalf("parseEndpoint(%q) = %q, %v, %v", tt.raw, host, secure, err)
		}
	}
}
