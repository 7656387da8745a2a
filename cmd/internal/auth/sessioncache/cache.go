package sessioncache

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultTTL bounds how long an entry may live regardless of refresh expiry.
const DefaultTTL = time.Hour

// Recorder receives cache telemetry. *metrics.Metrics satisfies it.
type Recorder interface {
	CacheLookup(result string)
	CacheError()
}

// Loader rebuilds an entry from the source of truth.
type Loader func(ctx context.Context) (SessionTokenInfo, error)

// Options configures a Cache.
type Options struct {
	TTL            time.Duration
	StaleThreshold time.Duration
	Logger         *slog.Logger
	Metrics        Recorder
	Now            func() time.Time
}

// Cache fronts the session store with SessionTokenInfo entries.
//
// Backend failures never surface to callers: reads degrade to the loader and
// writes are dropped after logging. A nil *Cache is valid and always loads.
type Cache struct {
	backend Backend
	ttl     time.Duration
	stale   time.Duration
	log     *slog.Logger
	metrics Recorder
	now     func() time.Time

	group singleflight.Group
	// gen advances on every Invalidate so a load that raced an eviction is
	// not written back.
	gen atomic.Uint64
}

// New returns a Cache over backend.
func New(backend Backend, opts Options) *Cache {
	c := &Cache{
		backend: backend,
		ttl:     opts.TTL,
		stale:   opts.StaleThreshold,
		log:     opts.Logger,
		metrics: opts.Metrics,
		now:     opts.Now,
	}
	if c.ttl <= 0 {
		c.ttl = DefaultTTL
	}
	if c.stale <= 0 {
		c.stale = DefaultStaleThreshold
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// StaleThreshold returns the configured activity staleness threshold.
func (c *Cache) StaleThreshold() time.Duration {
	if c == nil {
		return DefaultStaleThreshold
	}
	return c.stale
}

// Get returns the cached entry for sessionID, if present.
func (c *Cache) Get(ctx context.Context, sessionID string) (SessionTokenInfo, bool) {
	if c == nil {
		return SessionTokenInfo{}, false
	}
	raw, ok, err := c.backend.Get(ctx, sessionKey(sessionID))
	if err != nil {
		c.fail("get", sessionID, err)
		return SessionTokenInfo{}, false
	}
	if !ok {
		c.record("miss")
		return SessionTokenInfo{}, false
	}
	var info SessionTokenInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		c.fail("decode", sessionID, err)
		_ = c.backend.Delete(ctx, sessionKey(sessionID))
		return SessionTokenInfo{}, false
	}
	c.record("hit")
	return info, true
}

// Set stores info. Entries for invalid sessions are still written so that
// repeated lookups of a revoked session stay cheap.
//
// An entry lives no longer than the staleness threshold, the cache TTL or
// the refresh expiry, whichever is shortest.
func (c *Cache) Set(ctx context.Context, info SessionTokenInfo) {
	if c == nil || info.SessionID == "" {
		return
	}
	now := c.now()
	if info.CachedAt.IsZero() {
		info.CachedAt = now
	}
	ttl := min(c.ttl, c.stale)
	if until := info.RefreshTokenExpiresAt.Sub(now); until > 0 && until < ttl {
		ttl = until
	}
	raw, err := json.Marshal(info)
	if err != nil {
		c.fail("encode", info.SessionID, err)
		return
	}
	if err := c.backend.Set(ctx, sessionKey(info.SessionID), raw, ttl); err != nil {
		c.fail("set", info.SessionID, err)
	}
}

// Invalidate evicts the given sessions.
func (c *Cache) Invalidate(ctx context.Context, sessionIDs ...string) {
	if c == nil || len(sessionIDs) == 0 {
		return
	}
	keys := make([]string, 0, len(sessionIDs))
	for _, id := range sessionIDs {
		if id != "" {
			keys = append(keys, sessionKey(id))
		}
	}
	if len(keys) == 0 {
		return
	}
	c.gen.Add(1)
	if err := c.backend.Delete(ctx, keys...); err != nil {
		c.fail("delete", sessionIDs[0], err)
	}
}

// GetOrLoad returns the cached entry or calls load once per concurrent miss
// and caches its result. A result loaded while an Invalidate ran is returned
// but not cached.
func (c *Cache) GetOrLoad(ctx context.Context, sessionID string, load Loader) (SessionTokenInfo, error) {
	if c == nil {
		return load(ctx)
	}
	if info, ok := c.Get(ctx, sessionID); ok {
		return info, nil
	}
	v, err, _ := c.group.Do(sessionID, func() (any, error) {
		gen := c.gen.Load()
		info, err := load(ctx)
		if err != nil {
			return SessionTokenInfo{}, err
		}
		info.CachedAt = c.now()
		if c.gen.Load() == gen {
			c.Set(ctx, info)
		}
		return info, nil
	})
	if err != nil {
		return SessionTokenInfo{}, err
	}
	return v.(SessionTokenInfo), nil
}

func (c *Cache) record(result string) {
	if c.metrics != nil {
		c.metrics.CacheLookup(result)
	}
}

func (c *Cache) fail(op, sessionID string, err error) {
	if c.metrics != nil {
		c.metrics.CacheError()
	}
	c.log.Warn("session.cache.error", "op", op, "session_id", sessionID, "err", err)
}
