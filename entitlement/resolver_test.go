/*
resolver_test.go - Unit tests for the entitlement resolver

Tests for:
- Fresh cache hits and TTL expiry
- Stale fallback within the ceiling, unavailability beyond it
- Push invalidation, LRU eviction, singleflight collapsing
*/
package entitlement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/date-engine/dateindex"
)

// fakeSource is a controllable entitlement source.
type fakeSource struct {
	mu    sync.Mutex
	sets  map[string][]dateindex.SecurityKey
	err   error
	calls atomic.Int64
	delay time.Duration
}

func (f *fakeSource) FetchSecurities(ctx context.Context, userID string) ([]dateindex.SecurityKey, error) {
	f.calls.Add(1)
	f.mu.Lock()
	delay := f.delay
	f.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.sets[userID], nil
}

func (f *fakeSource) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func TestResolver_FetchesAndCaches(t *testing.T) {
	src := &fakeSource{sets: map[string][]dateindex.SecurityKey{
		"alice": {"S1", "S2"},
	}}
	r := NewResolver(src)

	set, err := r.Resolve(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, []dateindex.SecurityKey{"S1", "S2"}, set.Keys)
	assert.False(t, set.Stale)

	// Second resolve within TTL is a cache hit.
	_, err = r.Resolve(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(1), src.calls.Load())
}

func TestResolver_UnknownUserIsEmptySetNotError(t *testing.T) {
	src := &fakeSource{sets: map[string][]dateindex.SecurityKey{}}
	r := NewResolver(src)

	set, err := r.Resolve(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Empty(t, set.Keys)
}

func TestResolver_EmptyUserIDRejected(t *testing.T) {
	r := NewResolver(&fakeSource{})
	_, err := r.Resolve(context.Background(), "")
	require.Error(t, err)
}

func TestResolver_TTLExpiryRefetches(t *testing.T) {
	src := &fakeSource{sets: map[string][]dateindex.SecurityKey{
		"alice": {"S1"},
	}}
	r := NewResolver(src, WithTTL(10*time.Millisecond))

	_, err := r.Resolve(context.Background(), "alice")
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	_, err = r.Resolve(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(2), src.calls.Load())
}

func TestResolver_ServesStaleWithinCeiling(t *testing.T) {
	// GIVEN: A cached set whose TTL has expired
	src := &fakeSource{sets: map[string][]dateindex.SecurityKey{
		"alice": {"S1"},
	}}
	r := NewResolver(src, WithTTL(10*time.Millisecond), WithStaleCeiling(time.Hour))

	_, err := r.Resolve(context.Background(), "alice")
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)

	// WHEN: The source goes down
	src.setErr(errors.New("connection refused"))
	set, err := r.Resolve(context.Background(), "alice")

	// THEN: The stale set is served, flagged as degraded
	require.NoError(t, err)
	assert.True(t, set.Stale)
	assert.Equal(t, []dateindex.SecurityKey{"S1"}, set.Keys)
}

func TestResolver_UnavailableBeyondCeiling(t *testing.T) {
	src := &fakeSource{sets: map[string][]dateindex.SecurityKey{
		"alice": {"S1"},
	}}
	r := NewResolver(src,
		WithTTL(5*time.Millisecond),
		WithStaleCeiling(10*time.Millisecond))

	_, err := r.Resolve(context.Background(), "alice")
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)

	cause := errors.New("connection refused")
	src.setErr(cause)
	_, err = r.Resolve(context.Background(), "alice")
	require.True(t, IsUnavailable(err))

	// The underlying fetch failure stays reachable through the wrapper.
	require.ErrorIs(t, err, cause)

	var ue *UnavailableError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, "alice", ue.UserID)
}

func TestResolver_UnavailableWithNoCache(t *testing.T) {
	src := &fakeSource{}
	src.setErr(errors.New("connection refused"))
	r := NewResolver(src)

	_, err := r.Resolve(context.Background(), "alice")
	require.True(t, IsUnavailable(err))
}

func TestResolver_InvalidateDropsEntry(t *testing.T) {
	src := &fakeSource{sets: map[string][]dateindex.SecurityKey{
		"alice": {"S1"},
	}}
	r := NewResolver(src)

	_, err := r.Resolve(context.Background(), "alice")
	require.NoError(t, err)
	require.Equal(t, 1, r.Len())

	// Access change pushed from the entitlement source.
	src.mu.Lock()
	src.sets["alice"] = []dateindex.SecurityKey{"S1", "S2"}
	src.mu.Unlock()
	r.Invalidate("alice")
	assert.Equal(t, 0, r.Len())

	set, err := r.Resolve(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, []dateindex.SecurityKey{"S1", "S2"}, set.Keys)
	assert.Equal(t, int64(2), src.calls.Load())
}

func TestResolver_LRUEviction(t *testing.T) {
	src := &fakeSource{sets: map[string][]dateindex.SecurityKey{}}
	for i := 0; i < 5; i++ {
		src.sets[fmt.Sprintf("user-%d", i)] = []dateindex.SecurityKey{"S1"}
	}
	r := NewResolver(src, WithMaxEntries(3))

	for i := 0; i < 5; i++ {
		_, err := r.Resolve(context.Background(), fmt.Sprintf("user-%d", i))
		require.NoError(t, err)
	}

	assert.Equal(t, 3, r.Len())

	// The oldest users were evicted; resolving them again hits the source.
	before := src.calls.Load()
	_, err := r.Resolve(context.Background(), "user-0")
	require.NoError(t, err)
	assert.Equal(t, before+1, src.calls.Load())
}

func TestResolver_SingleflightCollapsesConcurrentMisses(t *testing.T) {
	// GIVEN: A slow source and many concurrent requests for the same user
	src := &fakeSource{
		sets:  map[string][]dateindex.SecurityKey{"alice": {"S1"}},
		delay: 50 * time.Millisecond,
	}
	r := NewResolver(src)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			set, err := r.Resolve(context.Background(), "alice")
			assert.NoError(t, err)
			assert.Equal(t, []dateindex.SecurityKey{"S1"}, set.Keys)
		}()
	}
	wg.Wait()

	// THEN: The source saw one fetch, not sixteen
	assert.Equal(t, int64(1), src.calls.Load())
}

func TestResolver_OneUsersMissDoesNotBlockAnothersHit(t *testing.T) {
	// GIVEN: bob is cached, alice's fetch is slow
	src := &fakeSource{sets: map[string][]dateindex.SecurityKey{
		"alice": {"S1"},
		"bob":   {"S2"},
	}}
	r := NewResolver(src)
	_, err := r.Resolve(context.Background(), "bob")
	require.NoError(t, err)

	src.mu.Lock()
	src.delay = 200 * time.Millisecond
	src.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := r.Resolve(context.Background(), "alice")
		assert.NoError(t, err)
	}()

	// WHEN: bob resolves while alice's fetch is in flight
	start := time.Now()
	_, err = r.Resolve(context.Background(), "bob")
	require.NoError(t, err)

	// THEN: bob's hit returned immediately, unblocked by alice's miss
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	<-done
}
