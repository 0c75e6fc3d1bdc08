package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/edunexus/edunexus/internal/storage"
)

// ErrInvalidKey marks a key the archiver could not have written.
var ErrInvalidKey = errors.New("invalid audit key")

// Batch is one archived Parquet object.
type Batch struct {
	Key       string    `json:"key"`
	FlushedAt time.Time `json:"flushed_at"`
	Size      int64     `json:"size"`
}

// Reader lists and decodes the batches an Archiver with the same prefix wrote.
type Reader struct {
	store  storage.ObjectStore
	prefix string
}

func NewReader(store storage.ObjectStore, prefix string) *Reader {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Reader{store: store, prefix: prefix}
}

// Batches returns the batches flushed on day (UTC), oldest first. Objects
// under the day that do not look like audit batches are skipped.
func (r *Reader) Batches(ctx context.Context, day time.Time) ([]Batch, error) {
	prefix, err := storage.AuditDayPrefix(r.prefix, day)
	if err != nil {
		return nil, err
	}
	objects, err := r.store.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("list audit batches: %w", err)
	}
	out := make([]Batch, 0, len(objects))
	for _, object := range objects {
		parsed, err := storage.ParseAuditPath(r.prefix, object.Key)
		if err != nil {
			continue
		}
		out = append(out, Batch{Key: parsed.Key, FlushedAt: parsed.FlushedAt, Size: object.Size})
	}
	return out, nil
}

// Turns decodes one batch. Only keys under the reader's prefix are read.
func (r *Reader) Turns(ctx context.Context, key string) ([]Entry, error) {
	if _, err := storage.ParseAuditPath(r.prefix, key); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	data, err := r.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	return DecodeTurns(data)
}
