/*
generation.go - Immutable index generations and the atomic swap manager

PURPOSE:
  A Generation is a frozen snapshot of the whole index: a registry snapshot
  plus one roaring bitmap per security. Readers acquire the current
  generation, use it lock-free, and release it. The Manager swaps in a new
  generation with a single atomic pointer store after each successful
  rebuild.

LIFECYCLE:
  - Built by the Builder, published via Manager.Publish.
  - The Manager holds one reference on whichever generation is current.
  - Readers hold one reference per in-flight request (Handle).
  - A superseded generation is retired once its refcount reaches zero; its
    bitmap map is dropped so memory is reclaimed promptly even if something
    else still points at the struct.

GUARANTEES:
  - Readers never observe a torn generation: a Handle pins exactly the
    generation that was current at acquire time, even across a publish.
  - At most one rebuild runs at a time (BeginRebuild latch); a trigger
    arriving mid-rebuild gets ErrRebuildInProgress.

SEE ALSO:
  - builder.go: Produces generations
  - query.go: Consumes them via Handle
*/
package dateindex

import (
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RoaringBitmap/roaring/v2"
)

// SecurityKey identifies a parent security, the key entitlements join on.
type SecurityKey string

// Generation is an immutable index snapshot. All fields are frozen at
// publish time; concurrent readers need no locking.
type Generation struct {
	Version  int64
	BuiltAt  time.Time
	Registry *RegistrySnapshot

	bitmaps map[SecurityKey]*roaring.Bitmap

	// securities is captured at build time so metadata readers (status,
	// rebuild results) stay valid after retire drops the bitmap map.
	securities int

	refs    atomic.Int64
	retired atomic.Bool
}

// Bitmap returns the date bitmap for a security, or nil if the generation
// has never seen that security. Absent securities simply contribute no
// dates; they are not an error (the security may legitimately have no data
// yet).
func (g *Generation) Bitmap(key SecurityKey) *roaring.Bitmap {
	return g.bitmaps[key]
}

// Securities returns the number of securities indexed by this generation.
// Valid even after retirement; it never touches the bitmap map.
func (g *Generation) Securities() int {
	return g.securities
}

func (g *Generation) acquire() {
	g.refs.Add(1)
}

func (g *Generation) release() {
	if g.refs.Add(-1) == 0 {
		g.retire()
	}
}

// retire drops the bitmap map once nothing references the generation.
// Idempotent; the map is the bulk of the memory. Metadata (version, build
// time, registry snapshot, security count) stays readable.
func (g *Generation) retire() {
	if g.retired.CompareAndSwap(false, true) {
		g.bitmaps = nil
		log.Printf("[Generation] Retired generation v%d", g.Version)
	}
}

// Handle pins a generation for the duration of one reader's use.
type Handle struct {
	gen      *Generation
	released atomic.Bool
}

// Generation returns the pinned generation.
func (h *Handle) Generation() *Generation {
	return h.gen
}

// Release drops the reader's reference. Safe to call more than once; only
// the first call counts, so a deferred Release alongside an explicit one
// cannot double-free.
func (h *Handle) Release() {
	if h.released.CompareAndSwap(false, true) {
		h.gen.release()
	}
}

// =============================================================================
// MANAGER - Atomically swappable "current generation" pointer
// =============================================================================

// Manager owns the current-generation pointer and the single-rebuild latch.
type Manager struct {
	current   atomic.Pointer[Generation]
	rebuildMu sync.Mutex
	version   atomic.Int64
}

// NewManager creates a Manager with no current generation. Queries against
// an empty manager see no dates; the first successful rebuild publishes one.
func NewManager() *Manager {
	return &Manager{}
}

// AcquireCurrent pins the current generation and returns a handle for it.
// Returns nil if no generation has been published yet.
func (m *Manager) AcquireCurrent() *Handle {
	for {
		gen := m.current.Load()
		if gen == nil {
			return nil
		}
		gen.acquire()
		// Re-check: a publish may have swapped the pointer between Load and
		// acquire. If so, undo and retry against the new current.
		if m.current.Load() == gen {
			return &Handle{gen: gen}
		}
		gen.release()
	}
}

// Publish makes gen the current generation. Called only by the rebuild path
// on success. The manager's reference on the previous generation is
// released; the previous generation survives until its last in-flight
// reader releases it.
func (m *Manager) Publish(gen *Generation) {
	gen.Version = m.version.Add(1)
	gen.acquire() // manager's own reference
	prev := m.current.Swap(gen)
	log.Printf("[Generation] Published generation v%d (%d securities, %d dates)",
		gen.Version, gen.Securities(), gen.Registry.Size())
	if prev != nil {
		prev.release()
	}
}

// Current returns the current generation without pinning it. Metadata reads
// only (version, counts); anything touching bitmaps must go through
// AcquireCurrent.
func (m *Manager) Current() *Generation {
	return m.current.Load()
}

// BeginRebuild takes the single-rebuild latch. Returns ErrRebuildInProgress
// if another rebuild holds it.
func (m *Manager) BeginRebuild() error {
	if !m.rebuildMu.TryLock() {
		return ErrRebuildInProgress
	}
	return nil
}

// EndRebuild releases the latch taken by BeginRebuild.
func (m *Manager) EndRebuild() {
	m.rebuildMu.Unlock()
}
