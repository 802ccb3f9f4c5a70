/*
builder.go - Nightly security/date index rebuild

PURPOSE:
  Scans the fact source once and materializes a complete new Generation:
  one roaring bitmap per security, one bit per known reporting-date ordinal.
  Runs once per day after the upstream load, or on an explicit admin
  trigger.

ALGORITHM:
  1. Distinct-date pass: pull all distinct reporting dates ascending and
     register any new ones, extending the registry in chronological order.
     This keeps ordinal order == date order even though the pair scan below
     visits dates grouped by security, not globally sorted.
  2. Pair pass: stream (security, date) in security-then-date order and set
     bits incrementally, finalizing each security's bitmap when the key
     changes.

FAILURE POLICY:
  Any scan error, a non-chronological new date, or an implausible result
  (drastically fewer securities than the previous generation - the signature
  of a partial load) aborts the rebuild with RebuildFailedError. The
  previous generation is never touched; live traffic is unaffected. Rebuild
  is idempotent and safe to retry.

SEE ALSO:
  - registry.go: Ordinal assignment
  - generation.go: The product, and Manager.Publish
  - api/scheduler.go: The daily trigger
*/
package dateindex

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/RoaringBitmap/roaring/v2"
)

// DefaultMinSecurityRatio is the plausibility floor: a rebuild that sees
// fewer than this fraction of the previous generation's securities is
// treated as a failed upstream load and aborted.
const DefaultMinSecurityRatio = 0.5

// Builder produces new generations from the fact source.
type Builder struct {
	Source   FactSource
	Registry *Registry

	// MinSecurityRatio overrides DefaultMinSecurityRatio when > 0.
	MinSecurityRatio float64
}

// NewBuilder creates a builder over the given source and registry.
func NewBuilder(source FactSource, registry *Registry) *Builder {
	return &Builder{Source: source, Registry: registry}
}

// Rebuild scans the fact source and returns a new, unpublished Generation.
// prev is the currently published generation (nil on first run) and is used
// only for the plausibility check; it is never mutated.
func (b *Builder) Rebuild(ctx context.Context, prev *Generation) (*Generation, error) {
	start := time.Now()
	log.Printf("[Builder] Rebuild starting (registry has %d dates)", b.Registry.Size())

	// Pass 1: extend the registry chronologically.
	dates, err := b.Source.ScanDistinctDates(ctx)
	if err != nil {
		return nil, &RebuildFailedError{Reason: "distinct-date scan failed", Err: err}
	}
	before := b.Registry.Size()
	for _, d := range dates {
		if _, err := b.Registry.OrdinalOf(d); err != nil {
			return nil, &RebuildFailedError{Reason: "registry extension rejected", Err: err}
		}
	}
	afterDates := b.Registry.Size()
	newDates := afterDates - before

	// Pass 2: stream pairs and fill bitmaps, one security at a time.
	bitmaps := make(map[SecurityKey]*roaring.Bitmap)
	var (
		currentKey SecurityKey
		currentBm  *roaring.Bitmap
		pairs      int
	)
	err = b.Source.ScanSecurityDates(ctx, func(key SecurityKey, date time.Time) error {
		if key != currentKey || currentBm == nil {
			if currentBm != nil {
				currentBm.RunOptimize()
			}
			if _, dup := bitmaps[key]; dup {
				return fmt.Errorf("source not ordered by security key: %q seen twice", key)
			}
			currentBm = roaring.New()
			currentKey = key
			bitmaps[key] = currentBm
		}
		ord, err := b.Registry.OrdinalOf(date)
		if err != nil {
			// An out-of-order date the distinct scan never saw. Later dates
			// that only this scan saw are caught after the scan completes.
			return err
		}
		currentBm.Add(ord)
		pairs++
		return nil
	})
	if err != nil {
		return nil, &RebuildFailedError{Reason: "security/date scan failed", Err: err}
	}
	if currentBm != nil {
		currentBm.RunOptimize()
	}

	// The pair scan must not see dates the distinct scan missed; both read
	// the same table, so a mismatch means it changed mid-rebuild.
	if grew := b.Registry.Size() - afterDates; grew > 0 {
		return nil, &RebuildFailedError{
			Reason: fmt.Sprintf("scans disagree: %d dates appeared only in the security/date scan", grew),
		}
	}

	if err := b.checkPlausibility(len(bitmaps), prev); err != nil {
		return nil, err
	}

	gen := &Generation{
		BuiltAt:    time.Now(),
		Registry:   b.Registry.Snapshot(),
		bitmaps:    bitmaps,
		securities: len(bitmaps),
	}
	log.Printf("[Builder] Rebuild complete: %d securities, %d pairs, %d new dates, %v elapsed",
		len(bitmaps), pairs, newDates, time.Since(start).Round(time.Millisecond))
	return gen, nil
}

// checkPlausibility rejects results that look like a partial or failed
// upstream load rather than a genuine shrink of the universe.
func (b *Builder) checkPlausibility(securities int, prev *Generation) error {
	if prev == nil {
		return nil
	}
	prevCount := prev.Securities()
	if prevCount == 0 {
		return nil
	}
	if securities == 0 {
		return &RebuildFailedError{
			Reason:         "scan returned no securities",
			Securities:     0,
			PrevSecurities: prevCount,
		}
	}
	ratio := b.MinSecurityRatio
	if ratio <= 0 {
		ratio = DefaultMinSecurityRatio
	}
	if float64(securities) < ratio*float64(prevCount) {
		return &RebuildFailedError{
			Reason:         "implausible security count",
			Securities:     securities,
			PrevSecurities: prevCount,
		}
	}
	return nil
}
