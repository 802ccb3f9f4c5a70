/*
query.go - Bitmap-union visibility query

PURPOSE:
  Given a user's entitled securities and a pinned generation, compute the
  sorted list of reporting dates visible to that user. This is the whole
  point of the index: O(entitled securities x bitmap words), independent of
  fact-table row count.

ALGORITHM:
  OR every entitled security's bitmap into an accumulator (a security the
  generation has never seen contributes nothing), then walk the set bits in
  ascending ordinal order and translate each to its calendar date. Ordinal
  order is chronological order by registry invariant, so the output is
  ascending by date with no extra sort.

CANCELLATION:
  The context is checked between securities so a caller that disconnected
  stops burning CPU. Releasing the generation handle stays with the caller.

SEE ALSO:
  - generation.go: Handle/Generation
  - registry.go: Ordinal -> date translation
*/
package dateindex

import (
	"context"
	"fmt"
	"time"

	"github.com/RoaringBitmap/roaring/v2"
)

// ctxCheckStride is how many securities are unioned between context checks.
const ctxCheckStride = 64

// VisibleDates returns the reporting dates visible through the given
// entitled securities, ascending. An empty entitlement set yields an empty
// slice, never an error. Union is order-independent: any permutation of
// keys produces the same result.
func VisibleDates(ctx context.Context, gen *Generation, keys []SecurityKey) ([]time.Time, error) {
	if gen == nil || len(keys) == 0 {
		return []time.Time{}, nil
	}

	acc := roaring.New()
	for i, key := range keys {
		if i%ctxCheckStride == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		if bm := gen.Bitmap(key); bm != nil {
			acc.Or(bm)
		}
	}

	dates := make([]time.Time, 0, acc.GetCardinality())
	it := acc.Iterator()
	for it.HasNext() {
		ord := it.Next()
		d, ok := gen.Registry.DateOf(ord)
		if !ok {
			// A generation's bitmaps are built against its own registry
			// snapshot, so every set bit must resolve.
			return nil, fmt.Errorf("ordinal %d has no date in generation v%d", ord, gen.Version)
		}
		dates = append(dates, d)
	}
	return dates, nil
}
