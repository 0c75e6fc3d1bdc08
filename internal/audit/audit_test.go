package audit

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/edunexus/edunexus/internal/storage"
)

type fakeObjectStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	putErr  error
}

func newFakeObjectStore() *fakeObjectStore {
	return &fakeObjectStore{objects: map[string][]byte{}}
}

func (f *fakeObjectStore) Put(_ context.Context, key string, body []byte, _ string) (storage.ObjectInfo, error) {
	if f.putErr != nil {
		return storage.ObjectInfo{}, f.putErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = append([]byte(nil), body...)
	return storage.ObjectInfo{Key: key, Size: int64(len(body))}, nil
}

func (f *fakeObjectStore) List(_ context.Context, prefix string) ([]storage.ObjectInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []storage.ObjectInfo
	for key, data := range f.objects {
		if strings.HasPrefix(key, prefix) {
			out = append(out, storage.ObjectInfo{Key: key, Size: int64(len(data))})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (f *fakeObjectStore) Get(_ context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[key]
	if !ok {
		return nil, storage.ErrObjectNotFound
	}
	return data, nil
}

func (f *fakeObjectStore) keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.objects))
	for key := range f.objects {
		out = append(out, key)
	}
	return out
}

func sampleEntry(i int) Entry {
	return Entry{
		TurnID:      "turn-" + string(rune('a'+i)),
		SessionID:   "s1",
		Role:        "student",
		Question:    "my attendance",
		Model:       "gemini-2.0-flash",
		Code:        "result = Attendance:count()",
		DisplayType: "stat",
		Outcome:     "ok",
		Duration:    120 * time.Millisecond,
		At:          time.Date(2025, 3, 10, 9, 30, 0, 0, time.UTC),
	}
}

func TestEncodeTurnsRoundTrip(t *testing.T) {
	data, err := EncodeTurns([]Entry{sampleEntry(0), sampleEntry(1)})
	if err != nil {
		t.Fatalf("EncodeTurns() error = %v", err)
	}
	rows, err := parquet.Read[parquetTurn](bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("parquet.Read() error = %v", err)
	}
	if len(rows) != 2 || rows[1].TurnID != "turn-b" || rows[0].DurationMs != 120 {
		t.Fatalf("rows = %+v", rows)
	}
	if _, err := EncodeTurns(nil); err == nil {
		t.Fatalf("EncodeTurns(nil) succeeded")
	}
}

func TestArchiverFlushesFullBatches(t *testing.T) {
	store := newFakeObjectStore()
	archiver := NewArchiver(store, ArchiverConfig{BatchSize: 3}, nil)
	archiver.now = func() time.Time { return time.Date(2025, 3, 10, 9, 45, 0, 0, time.UTC) }
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		archiver.Record(ctx, sampleEntry(i))
	}
	if len(store.keys()) != 0 {
		t.Fatalf("archiver flushed before the batch filled")
	}
	archiver.Record(ctx, sampleEntry(2))

	keys := store.keys()
	if len(keys) != 1 {
		t.Fatalf("objects = %v, want one batch", keys)
	}
	if !strings.HasPrefix(keys[0], "audit/date=2025-03-10/hour=09/turns-") || !strings.HasSuffix(keys[0], ".parquet") {
		t.Fatalf("key = %q", keys[0])
	}
	if archiver.Pending() != 0 {
		t.Fatalf("Pending() = %d, want 0", archiver.Pending())
	}
}

func TestArchiverFlushesOnClose(t *testing.T) {
	store := newFakeObjectStore()
	archiver := NewArchiver(store, ArchiverConfig{}, nil)
	ctx := context.Background()

	archiver.Record(ctx, sampleEntry(0))
	if err := archiver.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if len(store.keys()) != 1 {
		t.Fatalf("objects = %v, want one batch", store.keys())
	}
	if err := archiver.Close(ctx); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	if len(store.keys()) != 1 {
		t.Fatalf("empty Close wrote an object")
	}
}

func TestArchiverUploadFailureIsReportedOnFlush(t *testing.T) {
	store := newFakeObjectStore()
	store.putErr = errors.New("bucket unavailable")
	archiver := NewArchiver(store, ArchiverConfig{BatchSize: 1}, nil)

	// Record swallows the failure so the turn is unaffected.
	archiver.Record(context.Background(), sampleEntry(0))

	archiver.Record(context.Background(), sampleEntry(1))
	if archiver.Pending() != 0 {
		t.Fatalf("Pending() = %d", archiver.Pending())
	}

	archiver = NewArchiver(store, ArchiverConfig{BatchSize: 10}, nil)
	archiver.Record(context.Background(), sampleEntry(2))
	err := archiver.Flush(context.Background())
	if err == nil || !strings.Contains(err.Error(), "upload audit batch") {
		t.Fatalf("Flush() error = %v", err)
	}
}

type countingRecorder struct {
	records int
	closed  bool
}

func (c *countingRecorder) Record(context.Context, Entry) { c.records++ }
func (c *countingRecorder) Close(context.Context) error {
	c.closed = true
	return errors.New("close failed")
}

func TestMultiFansOut(t *testing.T) {
	a, b := &countingRecorder{}, &countingRecorder{}
	recorder := Multi(a, nil, b, NewLogRecorder(nil), Nop{})
	recorder.Record(context.Background(), sampleEntry(0))
	if a.records != 1 || b.records != 1 {
		t.Fatalf("records = %d, %d", a.records, b.records)
	}
	if err := recorder.Close(context.Background()); err == nil {
		t.Fatalf("Close() error = nil, want joined errors")
	}
	if !a.closed || !b.closed {
		t.Fatalf("recorders not closed")
	}
}
