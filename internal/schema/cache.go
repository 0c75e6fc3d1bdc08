package schema

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/edunexus/edunexus/internal/observability"
)

// Loader produces a fresh snapshot.
type Loader interface {
	Introspect(ctx context.Context) (*Snapshot, error)
}

// Cache holds the current snapshot and regenerates it once it is older than
// its TTL. Concurrent refreshes collapse into a single load.
type Cache struct {
	loader  Loader
	current atomic.Pointer[Snapshot]
	group   singleflight.Group
	now     func() time.Time
}

func NewCache(loader Loader) *Cache {
	return &Cache{loader: loader, now: time.Now}
}

func (c *Cache) Get(ctx context.Context) (*Snapshot, error) {
	if snapshot := c.current.Load(); snapshot != nil && !snapshot.Stale(c.now()) {
		observability.ObserveSchemaCache(true)
		return snapshot, nil
	}

	observability.ObserveSchemaCache(false)
	value, err, _ := c.group.Do("snapshot", func() (any, error) {
		if snapshot := c.current.Load(); snapshot != nil && !snapshot.Stale(c.now()) {
			return snapshot, nil
		}
		snapshot, err := c.loader.Introspect(ctx)
		if err != nil {
			return nil, err
		}
		c.current.Store(snapshot)
		return snapshot, nil
	})
	if err != nil {
		return nil, err
	}
	return value.(*Snapshot), nil
}

// Invalidate drops the current snapshot so the next Get reloads.
func (c *Cache) Invalidate() {
	c.current.Store(nil)
}
