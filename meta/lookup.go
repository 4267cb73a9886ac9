package meta

import (
	"context"

	"github.com/blackhillsinfosec/cryptproxy/log"
	"golang.org/x/sync/singleflight"
)

// Fetcher retrieves a record from the backend. A missing resource is
// reported as an errs.NotFound error.
type Fetcher interface {
	Stat(ctx context.Context, backendPath, authorization string) (FileRecord, error)
}

// Lookup answers metadata queries from the cache, falling back to a
// Fetcher. Concurrent misses for one path and credential share a
// single fetch.
type Lookup struct {
	Cache   *Cache
	Fetcher Fetcher

	group singleflight.Group
}

// NewLookup wires a cache to a fetcher.
func NewLookup(cache *Cache, f Fetcher) *Lookup {
	return &Lookup{Cache: cache, Fetcher: f}
}

// Stat returns the record for backendPath.
func (l *Lookup) Stat(ctx context.Context, backendPath, authorization string) (FileRecord, error) {
	key := Key(backendPath)
	if rec, ok := l.Cache.Get(key); ok {
		log.DEBUG.Printf("Metadata cache hit: %s", key)
		return rec, nil
	}

	// The fetch outlives a caller that gives up; the others still
	// wait on it.
	ch := l.group.DoChan(key+"\x00"+authorization, func() (interface{}, error) {
		rec, err := l.Fetcher.Stat(context.WithoutCancel(ctx), key, authorization)
		if err != nil {
			return FileRecord{}, err
		}
		rec.BackendPath = key
		l.Cache.Put(rec)
		return rec, nil
	})
	select {
	case <-ctx.Done():
		return FileRecord{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return FileRecord{}, res.Err
		}
		return res.Val.(FileRecord), nil
	}
}
