package sessioncache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type failingBackend struct{}

var errBackendDown = errors.New("backend down")

func (failingBackend) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, errBackendDown
}
func (failingBackend) Set(context.Context, string, []byte, time.Duration) error {
	return errBackendDown
}
func (failingBackend) Delete(context.Context, ...string) error { return errBackendDown }
func (failingBackend) Take(context.Context, string) ([]byte, bool, error) {
	return nil, false, errBackendDown
}

type countingRecorder struct {
	mu      sync.Mutex
	lookups map[string]int
	errors  int
}

func (r *countingRecorder) CacheLookup(result string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lookups == nil {
		r.lookups = map[string]int{}
	}
	r.lookups[result]++
}

func (r *countingRecorder) CacheError() {
	r.mu.Lock()
	r.errors++
	r.mu.Unlock()
}

func activeInfo(now time.Time) SessionTokenInfo {
	return SessionTokenInfo{
		SessionID:             "01J0000000000000000000SESS",
		UserID:                "01J0000000000000000000USER",
		Status:                StatusActive,
		RefreshTokenExpiresAt: now.Add(24 * time.Hour),
		LastActivityAt:        now,
	}
}

func TestSessionTokenInfo_ValidAndStale(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	info := activeInfo(now)

	cases := []struct {
		name   string
		mutate func(*SessionTokenInfo)
		at     time.Time
		valid  bool
		stale  bool
	}{
		{name: "fresh", at: now, valid: true},
		{name: "revoked", mutate: func(i *SessionTokenInfo) { i.Status = "revoked" }, at: now},
		{name: "refresh expired", at: now.Add(25 * time.Hour), stale: true},
		{name: "stale activity", at: now.Add(31 * time.Minute), valid: true, stale: true},
		{name: "exactly at threshold", at: now.Add(30 * time.Minute), valid: true, stale: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			i := info
			if tc.mutate != nil {
				tc.mutate(&i)
			}
			if got := i.IsValid(tc.at); got != tc.valid {
				t.Fatalf("IsValid=%v want %v", got, tc.valid)
			}
			if got := i.IsStale(tc.at, 0); got != tc.stale {
				t.Fatalf("IsStale=%v want %v", got, tc.stale)
			}
		})
	}
}

func TestCache_GetOrLoad_CachesResult(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	rec := &countingRecorder{}
	c := New(NewMemoryBackend(), Options{Metrics: rec})

	var loads atomic.Int32
	load := func(context.Context) (SessionTokenInfo, error) {
		loads.Add(1)
		return activeInfo(now), nil
	}

	ctx := context.Background()
	for range 3 {
		info, err := c.GetOrLoad(ctx, activeInfo(now).SessionID, load)
		if err != nil {
			t.Fatalf("GetOrLoad: %v", err)
		}
		if !info.IsValid(now) {
			t.Fatalf("expected valid info")
		}
	}
	if got := loads.Load(); got != 1 {
		t.Fatalf("loads=%d want 1", got)
	}
	if rec.lookups["hit"] != 2 || rec.lookups["miss"] != 1 {
		t.Fatalf("lookups=%v", rec.lookups)
	}
}

func TestCache_GetOrLoad_DeduplicatesConcurrentMisses(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	c := New(NewMemoryBackend(), Options{})

	release := make(chan struct{})
	var loads atomic.Int32
	load := func(context.Context) (SessionTokenInfo, error) {
		loads.Add(1)
		<-release
		return activeInfo(now), nil
	}

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.GetOrLoad(context.Background(), "sid", load); err != nil {
				t.Errorf("GetOrLoad: %v", err)
			}
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := loads.Load(); got > 2 {
		t.Fatalf("loads=%d, expected concurrent misses to share a load", got)
	}
}

func TestCache_Invalidate(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	_, backend := newRedisBackendForTest(t)
	c := New(backend, Options{})
	ctx := context.Background()

	info := activeInfo(now)
	c.Set(ctx, info)
	if _, ok := c.Get(ctx, info.SessionID); !ok {
		t.Fatalf("expected entry after Set")
	}
	c.Invalidate(ctx, info.SessionID)
	if _, ok := c.Get(ctx, info.SessionID); ok {
		t.Fatalf("expected miss after Invalidate")
	}
}

func TestCache_TTLCappedAtRefreshExpiry(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	server, backend := newRedisBackendForTest(t)
	c := New(backend, Options{TTL: time.Hour})

	info := activeInfo(now)
	info.RefreshTokenExpiresAt = now.Add(10 * time.Minute)
	c.Set(context.Background(), info)

	ttl := server.TTL(sessionKey(info.SessionID))
	if ttl <= 0 || ttl > 10*time.Minute {
		t.Fatalf("ttl=%v, want capped at refresh expiry", ttl)
	}
}

func TestCache_TTLCappedAtStaleThreshold(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	server, backend := newRedisBackendForTest(t)
	c := New(backend, Options{TTL: time.Hour, StaleThreshold: 5 * time.Minute})

	info := activeInfo(now)
	c.Set(context.Background(), info)

	ttl := server.TTL(sessionKey(info.SessionID))
	if ttl <= 0 || ttl > 5*time.Minute {
		t.Fatalf("ttl=%v, want capped at stale threshold", ttl)
	}
}

func TestCache_GetOrLoad_SkipsWriteBackAfterInvalidate(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	c := New(NewMemoryBackend(), Options{})
	ctx := context.Background()
	id := activeInfo(now).SessionID

	// The session is revoked while its active state is being read.
	load := func(ctx context.Context) (SessionTokenInfo, error) {
		info := activeInfo(now)
		c.Invalidate(ctx, id)
		return info, nil
	}
	info, err := c.GetOrLoad(ctx, id, load)
	if err != nil {
		t.Fatalf("GetOrLoad: %v", err)
	}
	if !info.IsValid(now) {
		t.Fatalf("loaded info should be returned as read")
	}
	if _, ok := c.Get(ctx, id); ok {
		t.Fatalf("entry loaded across an Invalidate must not be cached")
	}

	if _, err := c.GetOrLoad(ctx, id, func(context.Context) (SessionTokenInfo, error) {
		return activeInfo(now), nil
	}); err != nil {
		t.Fatalf("GetOrLoad: %v", err)
	}
	if _, ok := c.Get(ctx, id); !ok {
		t.Fatalf("undisturbed load should be cached")
	}
}

func TestCache_BackendFailureDegradesToLoader(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	rec := &countingRecorder{}
	c := New(failingBackend{}, Options{Metrics: rec})

	info, err := c.GetOrLoad(context.Background(), "sid", func(context.Context) (SessionTokenInfo, error) {
		return activeInfo(now), nil
	})
	if err != nil {
		t.Fatalf("GetOrLoad must not surface backend errors: %v", err)
	}
	if !info.IsValid(now) {
		t.Fatalf("expected loader result")
	}
	if rec.errors == 0 {
		t.Fatalf("expected backend errors to be recorded")
	}
}

func TestCache_LoaderErrorPropagates(t *testing.T) {
	t.Parallel()

	c := New(NewMemoryBackend(), Options{})
	wantErr := errors.New("not found")
	_, err := c.GetOrLoad(context.Background(), "sid", func(context.Context) (SessionTokenInfo, error) {
		return SessionTokenInfo{}, wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("err=%v want %v", err, wantErr)
	}
}

func TestCache_NilIsUsable(t *testing.T) {
	t.Parallel()

	var c *Cache
	now := time.Now().UTC()
	c.Set(context.Background(), activeInfo(now))
	c.Invalidate(context.Background(), "sid")
	info, err := c.GetOrLoad(context.Background(), "sid", func(context.Context) (SessionTokenInfo, error) {
		return activeInfo(now), nil
	})
	if err != nil || info.SessionID == "" {
		t.Fatalf("nil cache must delegate to loader: %+v %v", info, err)
	}
}
