/*
source.go - Fact data source contract consumed by the rebuild

PURPOSE:
  The builder reads the risk fact table through this interface. The real
  implementation lives in store/sqlite; tests use in-memory fakes.

CONTRACT:
  Both scans see the same already-filtered view of the fact table (the fixed
  risk-engine filter is the source's concern, not the builder's).
  ScanSecurityDates must stream rows grouped by security key, dates ascending
  within each security - the physical index order of the source table - so the builder
  can fill one bitmap at a time without materializing the row set.

SEE ALSO:
  - builder.go: Sole consumer
  - store/sqlite/sqlite.go: Production implementation
*/
package dateindex

import (
	"context"
	"time"
)

// FactSource is the bulk-read view of the fact table used by rebuilds.
type FactSource interface {
	// ScanDistinctDates returns every distinct reporting date in ascending
	// order.
	ScanDistinctDates(ctx context.Context) ([]time.Time, error)

	// ScanSecurityDates streams distinct (security, date) pairs ordered by
	// security key, then date. The callback returning an error aborts the
	// scan with that error.
	ScanSecurityDates(ctx context.Context, fn func(key SecurityKey, date time.Time) error) error
}
