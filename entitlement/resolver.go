/*
resolver.go - Entitlement resolution with TTL/LRU caching

PURPOSE:
  Translates a user identity into the set of securities that user may see
  (the upstream SHOW_POSITIONS = 1 mapping) and caches the result.
  Entitlements rarely change intraday, so a slightly stale set beats a
  failed request: on fetch failure a cached value within the staleness
  ceiling is served with Stale=true; only when nothing usable is cached does
  the caller see ErrUnavailable.

CACHING:
  - Fresh within TTL: served directly.
  - Past TTL: refetched; concurrent misses for the same user are collapsed
    through singleflight, so one user's slow fetch never blocks another
    user's hit (the cache lock is never held across a fetch).
  - LRU eviction at MaxEntries, plus explicit Invalidate() driven by push
    notifications from the entitlement source.

TIMEOUTS AND RETRY:
  Each upstream attempt carries FetchTimeout; one retry after a short
  backoff covers transient blips. The fallback-to-stale decision is made
  only after both attempts fail, whatever the cause.

SEE ALSO:
  - source.go: The external source contract
  - api/handlers.go: Maps resolver errors to HTTP statuses
*/
package entitlement

import (
	"container/list"
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/warp/date-engine/dateindex"
)

// Defaults chosen for an entitlement set that changes at most a few times a
// day.
const (
	DefaultTTL          = 15 * time.Minute
	DefaultStaleCeiling = 12 * time.Hour
	DefaultFetchTimeout = 3 * time.Second
	DefaultMaxEntries   = 10000
)

// retryBackoff separates the two fetch attempts.
const retryBackoff = 100 * time.Millisecond

// Set is a resolved entitlement set for one user.
type Set struct {
	UserID    string
	Keys      []dateindex.SecurityKey
	FetchedAt time.Time

	// Stale marks a set served past its fresh TTL because the source was
	// unreachable. Degraded, not an error.
	Stale bool
}

// Resolver caches per-user entitlement sets over an external Source.
type Resolver struct {
	source       Source
	ttl          time.Duration
	staleCeiling time.Duration
	fetchTimeout time.Duration
	maxEntries   int

	mu        sync.Mutex
	items     map[string]*list.Element
	evictList *list.List

	group singleflight.Group
}

type cacheEntry struct {
	userID    string
	keys      []dateindex.SecurityKey
	fetchedAt time.Time
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithTTL sets how long a cached set is considered fresh.
func WithTTL(d time.Duration) Option { return func(r *Resolver) { r.ttl = d } }

// WithStaleCeiling sets how old a cached set may be and still be served
// when the source is unreachable.
func WithStaleCeiling(d time.Duration) Option { return func(r *Resolver) { r.staleCeiling = d } }

// WithFetchTimeout bounds each upstream fetch.
func WithFetchTimeout(d time.Duration) Option { return func(r *Resolver) { r.fetchTimeout = d } }

// WithMaxEntries bounds the cache size (LRU eviction).
func WithMaxEntries(n int) Option { return func(r *Resolver) { r.maxEntries = n } }

// NewResolver creates a resolver over the given source.
func NewResolver(source Source, opts ...Option) *Resolver {
	r := &Resolver{
		source:       source,
		ttl:          DefaultTTL,
		staleCeiling: DefaultStaleCeiling,
		fetchTimeout: DefaultFetchTimeout,
		maxEntries:   DefaultMaxEntries,
		items:        make(map[string]*list.Element),
		evictList:    list.New(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the entitlement set for userID. A user unknown to the
// source resolves to an empty set, which is cached like any other value.
func (r *Resolver) Resolve(ctx context.Context, userID string) (*Set, error) {
	if userID == "" {
		return nil, fmt.Errorf("empty user id")
	}

	now := time.Now()
	if ent, ok := r.lookup(userID); ok && now.Sub(ent.fetchedAt) < r.ttl {
		return &Set{UserID: userID, Keys: ent.keys, FetchedAt: ent.fetchedAt}, nil
	}

	// Miss or expired: fetch, collapsing concurrent fetches for the same
	// user. The winner's result is shared by all waiters.
	v, err, _ := r.group.Do(userID, func() (any, error) {
		// Another waiter may have filled the cache while we queued.
		if ent, ok := r.lookup(userID); ok && time.Since(ent.fetchedAt) < r.ttl {
			return &Set{UserID: userID, Keys: ent.keys, FetchedAt: ent.fetchedAt}, nil
		}

		keys, ferr := r.fetch(ctx, userID)
		if ferr == nil {
			fetched := time.Now()
			r.store(userID, keys, fetched)
			return &Set{UserID: userID, Keys: keys, FetchedAt: fetched}, nil
		}

		// Fetch failed: fall back to a stale entry within the ceiling.
		if ent, ok := r.lookup(userID); ok && time.Since(ent.fetchedAt) < r.staleCeiling {
			log.Printf("[Resolver] Serving stale entitlements for %s (age %v): %v",
				userID, time.Since(ent.fetchedAt).Round(time.Second), ferr)
			return &Set{UserID: userID, Keys: ent.keys, FetchedAt: ent.fetchedAt, Stale: true}, nil
		}
		return nil, &UnavailableError{UserID: userID, Err: ferr}
	})
	if err != nil {
		return nil, err
	}
	return v.(*Set), nil
}

// fetch calls the source with a bounded timeout per attempt and one retry
// after a short backoff for transient failures. A context already past its
// deadline is not retried.
func (r *Resolver) fetch(ctx context.Context, userID string) ([]dateindex.SecurityKey, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(retryBackoff):
			case <-ctx.Done():
				return nil, lastErr
			}
		}
		fctx, cancel := context.WithTimeout(ctx, r.fetchTimeout)
		keys, err := r.source.FetchSecurities(fctx, userID)
		cancel()
		if err == nil {
			return keys, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// Invalidate drops a user's cached entitlements. Called when the
// entitlement source pushes an access-change notification.
func (r *Resolver) Invalidate(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if el, ok := r.items[userID]; ok {
		r.evictList.Remove(el)
		delete(r.items, userID)
		log.Printf("[Resolver] Invalidated entitlements for %s", userID)
	}
}

// Len returns the number of cached entitlement sets.
func (r *Resolver) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}

// lookup snapshots a cache entry under the lock. The returned slice header
// is safe to share: store replaces the slice wholesale, never mutates it in
// place.
func (r *Resolver) lookup(userID string) (cacheEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	el, ok := r.items[userID]
	if !ok {
		return cacheEntry{}, false
	}
	r.evictList.MoveToFront(el)
	return *el.Value.(*cacheEntry), true
}

func (r *Resolver) store(userID string, keys []dateindex.SecurityKey, fetchedAt time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if el, ok := r.items[userID]; ok {
		ent := el.Value.(*cacheEntry)
		ent.keys = keys
		ent.fetchedAt = fetchedAt
		r.evictList.MoveToFront(el)
		return
	}

	el := r.evictList.PushFront(&cacheEntry{userID: userID, keys: keys, fetchedAt: fetchedAt})
	r.items[userID] = el

	for r.maxEntries > 0 && len(r.items) > r.maxEntries {
		oldest := r.evictList.Back()
		if oldest == nil {
			break
		}
		ent := oldest.Value.(*cacheEntry)
		r.evictList.Remove(oldest)
		delete(r.items, ent.userID)
	}
}
