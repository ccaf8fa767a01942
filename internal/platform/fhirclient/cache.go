package fhirclient

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	cache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
)

// DefaultPartition is the in-memory partition used when no cache name is
// given. It is never persisted.
const DefaultPartition = ""

// ErrCacheMiss is returned by Store.Load when no live entry exists.
var ErrCacheMiss = errors.New("fhirclient: cache miss")

// Entry is one cached response. Entries are never mutated after Set.
type Entry struct {
	URL       string
	Status    int
	Body      json.RawMessage
	CreatedAt time.Time
	ExpiresAt time.Time
}

func (e *Entry) expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// response rebuilds what the original request returned.
func (e *Entry) response() (*Response, error) {
	if isSuccess(e.Status) {
		return &Response{Status: e.Status, Data: e.Body}, nil
	}
	return nil, newHTTPError(e.Status, e.URL, e.Body)
}

// Store persists named partitions across process restarts.
type Store interface {
	Load(ctx context.Context, partition, url string) (*Entry, error)
	Save(ctx context.Context, partition string, e *Entry) error
	Clear(ctx context.Context, partition string) error
}

// ResponseCache maps absolute URLs to responses, one go-cache instance per
// named partition. Safe for concurrent use; the last Set for a URL wins.
type ResponseCache struct {
	mu     sync.RWMutex
	parts  map[string]*cache.Cache
	ttl    time.Duration
	ttls   map[string]time.Duration
	store  Store
	logger zerolog.Logger
}

// NewResponseCache creates a cache whose entries live for ttl (0 = until
// cleared). store may be nil.
func NewResponseCache(ttl time.Duration, store Store, logger zerolog.Logger) *ResponseCache {
	return &ResponseCache{
		parts:  make(map[string]*cache.Cache),
		ttl:    ttl,
		ttls:   make(map[string]time.Duration),
		store:  store,
		logger: logger.With().Str("component", "response_cache").Logger(),
	}
}

// SetTTL overrides the entry lifetime of one partition (0 = until cleared).
// Entries already stored keep the expiry they were written with.
func (rc *ResponseCache) SetTTL(name string, ttl time.Duration) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.ttls[name] = ttl
	if p := rc.parts[name]; p != nil && ttl > 0 {
		// go-cache cannot change its default expiry; start the partition over
		rc.parts[name] = cache.New(ttl, 2*ttl)
	}
}

// TTL returns the entry lifetime of the named partition.
func (rc *ResponseCache) TTL(name string) time.Duration {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.ttlLocked(name)
}

func (rc *ResponseCache) ttlLocked(name string) time.Duration {
	if ttl, ok := rc.ttls[name]; ok {
		return ttl
	}
	return rc.ttl
}

func (rc *ResponseCache) partition(name string, create bool) *cache.Cache {
	rc.mu.RLock()
	p := rc.parts[name]
	rc.mu.RUnlock()
	if p != nil || !create {
		return p
	}

	rc.mu.Lock()
	defer rc.mu.Unlock()
	if p = rc.parts[name]; p == nil {
		exp, cleanup := cache.NoExpiration, time.Duration(0)
		if ttl := rc.ttlLocked(name); ttl > 0 {
			exp, cleanup = ttl, 2*ttl
		}
		p = cache.New(exp, cleanup)
		rc.parts[name] = p
	}
	return p
}

// Get looks url up in the named partition, falling back to the store for
// persisted partitions.
func (rc *ResponseCache) Get(ctx context.Context, name, url string) (*Entry, bool) {
	if p := rc.partition(name, false); p != nil {
		if v, ok := p.Get(url); ok {
			return v.(*Entry), true
		}
	}
	if name == DefaultPartition || rc.store == nil {
		return nil, false
	}

	e, err := rc.store.Load(ctx, name, url)
	if err != nil {
		if !errors.Is(err, ErrCacheMiss) {
			rc.logger.Warn().Err(err).Str("partition", name).Msg("cache store load failed")
		}
		return nil, false
	}
	if e.expired(time.Now()) {
		return nil, false
	}
	rc.remember(name, e)
	return e, true
}

// Set stores e in the named partition and, for persisted partitions, in the
// store. Store failures are logged; the in-memory entry is kept regardless.
func (rc *ResponseCache) Set(ctx context.Context, name string, e *Entry) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	if ttl := rc.TTL(name); e.ExpiresAt.IsZero() && ttl > 0 {
		e.ExpiresAt = e.CreatedAt.Add(ttl)
	}
	rc.remember(name, e)

	if name == DefaultPartition || rc.store == nil {
		return
	}
	if err := rc.store.Save(ctx, name, e); err != nil {
		rc.logger.Warn().Err(err).Str("partition", name).Str("url", e.URL).Msg("cache store save failed")
	}
}

func (rc *ResponseCache) remember(name string, e *Entry) {
	d := cache.DefaultExpiration
	if !e.ExpiresAt.IsZero() {
		if d = time.Until(e.ExpiresAt); d <= 0 {
			return
		}
	}
	rc.partition(name, true).Set(e.URL, e, d)
}

// Clear drops every entry of the named partition, persisted ones included.
func (rc *ResponseCache) Clear(ctx context.Context, name string) error {
	if p := rc.partition(name, false); p != nil {
		p.Flush()
	}
	if name == DefaultPartition || rc.store == nil {
		return nil
	}
	return rc.store.Clear(ctx, name)
}

// Len returns the number of in-memory entries in a partition, including
// expired ones the janitor has not collected yet.
func (rc *ResponseCache) Len(name string) int {
	if p := rc.partition(name, false); p != nil {
		return p.ItemCount()
	}
	return 0
}
