package meta

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/blackhillsinfosec/cryptproxy/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCachePutGetOverwrite(t *testing.T) {
	c := NewCache(0)
	c.Put(FileRecord{BackendPath: "a/b.txt", DisplayName: "b.txt", Size: 1})
	c.Put(FileRecord{BackendPath: "/a/b.txt", DisplayName: "b.txt", Size: 2})

	rec, ok := c.Get("/a//b.txt")
	require.True(t, ok)
	assert.Equal(t, int64(2), rec.Size)
	assert.Equal(t, "/a/b.txt", rec.BackendPath)
	assert.Equal(t, 1, c.Len())

	assert.True(t, c.Invalidate("/a/b.txt"))
	assert.False(t, c.Invalidate("/a/b.txt"))
	_, ok = c.Get("/a/b.txt")
	assert.False(t, ok)
}

func TestCacheTTLAndSweep(t *testing.T) {
	now := time.Unix(1000, 0)
	c := NewCache(time.Minute)
	c.now = func() time.Time { return now }

	c.Put(FileRecord{BackendPath: "/old"})
	now = now.Add(30 * time.Second)
	c.Put(FileRecord{BackendPath: "/new"})
	now = now.Add(45 * time.Second)

	_, ok := c.Get("/old")
	assert.False(t, ok)
	_, ok = c.Get("/new")
	assert.True(t, ok)

	assert.Equal(t, 1, c.Sweep())
	assert.Equal(t, 1, c.Len())
	assert.Len(t, c.Snapshot(), 1)
	assert.Equal(t, 1, c.Flush())
}

func TestCacheSweeperStopsWithContext(t *testing.T) {
	c := NewCache(10 * time.Millisecond)
	c.Put(FileRecord{BackendPath: "/a"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.RunSweeper(ctx, 5*time.Millisecond)
		close(done)
	}()

	assert.Eventually(t, func() bool { return c.Len() == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}

func TestCacheConcurrentAccess(t *testing.T) {
	c := NewCache(time.Hour)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				c.Put(FileRecord{BackendPath: "/shared", DisplayName: fmt.Sprint(i), Size: int64(i)})
				if rec, ok := c.Get("/shared"); ok {
					// A record is always one writer's complete value.
					assert.Equal(t, fmt.Sprint(rec.Size), rec.DisplayName)
				}
			}
		}(i)
	}
	wg.Wait()
}

type countingFetcher struct {
	calls atomic.Int32
	recs  map[string]FileRecord
}

func (f *countingFetcher) Stat(_ context.Context, p, _ string) (FileRecord, error) {
	f.calls.Add(1)
	if rec, ok := f.recs[p]; ok {
		return rec, nil
	}
	return FileRecord{}, errs.NewNotFound("stat", p)
}

func TestLookupHitAvoidsRefetch(t *testing.T) {
	f := &countingFetcher{recs: map[string]FileRecord{
		"/secret/x.bin": {DisplayName: "x.bin", Size: 42},
	}}
	l := NewLookup(NewCache(0), f)

	for i := 0; i < 2; i++ {
		rec, err := l.Stat(context.Background(), "/secret/x.bin", "")
		require.NoError(t, err)
		assert.Equal(t, int64(42), rec.Size)
		assert.Equal(t, "/secret/x.bin", rec.BackendPath)
	}
	assert.Equal(t, int32(1), f.calls.Load())
}

func TestLookupMissIsNotCached(t *testing.T) {
	f := &countingFetcher{recs: map[string]FileRecord{}}
	l := NewLookup(NewCache(0), f)

	for i := 0; i < 2; i++ {
		_, err := l.Stat(context.Background(), "/nope", "")
		assert.True(t, errs.Is(err, errs.NotFound))
	}
	assert.Equal(t, int32(2), f.calls.Load())
}

type blockingFetcher struct {
	started chan struct{}
	release chan struct{}
	calls   atomic.Int32
}

func (f *blockingFetcher) Stat(ctx context.Context, p, _ string) (FileRecord, error) {
	f.calls.Add(1)
	close(f.started)
	<-f.release
	if err := ctx.Err(); err != nil {
		return FileRecord{}, err
	}
	return FileRecord{DisplayName: "x.bin", Size: 7}, nil
}

func TestLookupSharedFetchSurvivesCanceledCaller(t *testing.T) {
	f := &blockingFetcher{started: make(chan struct{}), release: make(chan struct{})}
	l := NewLookup(NewCache(0), f)

	first, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := l.Stat(first, "/secret/x.bin", "")
		firstErr <- err
	}()
	<-f.started

	type result struct {
		rec FileRecord
		err error
	}
	second := make(chan result, 1)
	go func() {
		rec, err := l.Stat(context.Background(), "/secret/x.bin", "")
		second <- result{rec, err}
	}()

	cancel()
	assert.ErrorIs(t, <-firstErr, context.Canceled)

	// Give the second caller time to join the in-flight fetch.
	time.Sleep(20 * time.Millisecond)
	close(f.release)

	res := <-second
	require.NoError(t, res.err)
	assert.Equal(t, int64(7), res.rec.Size)
	assert.Equal(t, int32(1), f.calls.Load())
}
