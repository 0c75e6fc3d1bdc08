// Package storage is the object store surface the audit trail archives to.
package storage

import (
	"context"
	"errors"
	"time"
)

var ErrObjectNotFound = errors.New("object not found")

type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// ObjectStore writes audit batches, lists a partition of them and reads one
// back. Keys are relative to the store's own prefix.
type ObjectStore interface {
	Put(ctx context.Context, key string, body []byte, contentType string) (ObjectInfo, error)
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
	Get(ctx context.Context, key string) ([]byte, error)
}
