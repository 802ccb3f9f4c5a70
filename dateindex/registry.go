/*
registry.go - Reporting-date registry (date <-> ordinal bijection)

PURPOSE:
  Assigns every distinct reporting date a stable, dense, zero-based ordinal.
  Ordinals index the per-security bitmaps, so their stability is what lets a
  rebuild extend existing bitmaps instead of reconstructing the world.

INVARIANTS:
  - Two-way, collision-free, order-preserving bijection: ordinal order is
    chronological order, always.
  - Append-only: a date's ordinal never changes and is never reused.
  - Monotonic: a new date must sort after every known date. The upstream
    load only ever appends new trading days; anything else indicates a
    corrupt load and aborts the rebuild that observed it.

CONCURRENCY:
  The live Registry is owned by the rebuild path (single writer). The read
  path never touches it; queries go through the immutable RegistrySnapshot
  embedded in each Generation.

SEE ALSO:
  - builder.go: Sole caller of OrdinalOf
  - generation.go: Carries RegistrySnapshot
  - persist.go: On-disk persistence across restarts
*/
package dateindex

import (
	"fmt"
	"time"
)

// DateLayout is the canonical wire format for reporting dates.
const DateLayout = "2006-01-02"

// Registry maps reporting dates to dense ordinals and back.
type Registry struct {
	ordinals map[string]uint32 // DateLayout-formatted date -> ordinal
	dates    []time.Time       // ordinal -> date, ascending
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{ordinals: make(map[string]uint32)}
}

// OrdinalOf returns the ordinal for date, assigning the next ordinal if the
// date is unseen. Only the rebuild path may call this. A previously unseen
// date that does not sort after the latest known date is rejected.
func (r *Registry) OrdinalOf(date time.Time) (uint32, error) {
	date = normalizeDate(date)
	key := date.Format(DateLayout)
	if ord, ok := r.ordinals[key]; ok {
		return ord, nil
	}
	if n := len(r.dates); n > 0 && !date.After(r.dates[n-1]) {
		return 0, fmt.Errorf("%w: %s precedes latest known date %s",
			ErrNonChronologicalDate, key, r.dates[len(r.dates)-1].Format(DateLayout))
	}
	ord := uint32(len(r.dates))
	r.ordinals[key] = ord
	r.dates = append(r.dates, date)
	return ord, nil
}

// DateOf returns the date for a known ordinal.
func (r *Registry) DateOf(ordinal uint32) (time.Time, bool) {
	if int(ordinal) >= len(r.dates) {
		return time.Time{}, false
	}
	return r.dates[ordinal], true
}

// Size returns the number of known reporting dates.
func (r *Registry) Size() int {
	return len(r.dates)
}

// Snapshot returns an immutable view of the registry for embedding in a
// Generation. The returned snapshot shares no mutable state with the
// registry; later appends do not affect it.
func (r *Registry) Snapshot() *RegistrySnapshot {
	dates := make([]time.Time, len(r.dates))
	copy(dates, r.dates)
	return &RegistrySnapshot{dates: dates}
}

// RegistrySnapshot is a frozen, read-only registry view. Safe for concurrent
// use without locking.
type RegistrySnapshot struct {
	dates []time.Time
}

// DateOf returns the date for a known ordinal.
func (s *RegistrySnapshot) DateOf(ordinal uint32) (time.Time, bool) {
	if int(ordinal) >= len(s.dates) {
		return time.Time{}, false
	}
	return s.dates[ordinal], true
}

// Size returns the number of dates covered by this snapshot.
func (s *RegistrySnapshot) Size() int {
	return len(s.dates)
}

// normalizeDate truncates to midnight UTC so the registry only ever holds
// calendar dates, regardless of what the source handed us.
func normalizeDate(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
