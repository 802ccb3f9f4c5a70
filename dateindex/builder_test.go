/*
builder_test.go - Unit tests for the index builder

Tests for:
- Building bitmaps from an ordered pair stream
- Registry extension across rebuilds without ordinal churn
- Plausibility gate and scan-failure aborts
*/
package dateindex

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSource is an in-memory FactSource fed by (security, date) pairs.
type fakeSource struct {
	pairs    map[SecurityKey][]time.Time
	distinct []time.Time // overrides the derived distinct-date scan when set
	datesErr error
	pairsErr error
}

func (f *fakeSource) ScanDistinctDates(ctx context.Context) ([]time.Time, error) {
	if f.datesErr != nil {
		return nil, f.datesErr
	}
	if f.distinct != nil {
		return f.distinct, nil
	}
	seen := make(map[time.Time]bool)
	var dates []time.Time
	for _, ds := range f.pairs {
		for _, d := range ds {
			if !seen[d] {
				seen[d] = true
				dates = append(dates, d)
			}
		}
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })
	return dates, nil
}

func (f *fakeSource) ScanSecurityDates(ctx context.Context, fn func(key SecurityKey, date time.Time) error) error {
	if f.pairsErr != nil {
		return f.pairsErr
	}
	keys := make([]SecurityKey, 0, len(f.pairs))
	for k := range f.pairs {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	for _, k := range keys {
		ds := append([]time.Time(nil), f.pairs[k]...)
		sort.Slice(ds, func(i, j int) bool { return ds[i].Before(ds[j]) })
		for _, d := range ds {
			if err := fn(k, d); err != nil {
				return err
			}
		}
	}
	return nil
}

func TestBuilder_BuildsBitmapsPerSecurity(t *testing.T) {
	src := &fakeSource{pairs: map[SecurityKey][]time.Time{
		"S1": {date(2025, 8, 5), date(2025, 8, 6)},
		"S2": {date(2025, 8, 5)},
	}}
	b := NewBuilder(src, NewRegistry())

	gen, err := b.Rebuild(context.Background(), nil)
	require.NoError(t, err)

	assert.Equal(t, 2, gen.Securities())
	assert.Equal(t, 2, gen.Registry.Size())

	s1 := gen.Bitmap("S1")
	require.NotNil(t, s1)
	assert.Equal(t, uint64(2), s1.GetCardinality())

	s2 := gen.Bitmap("S2")
	require.NotNil(t, s2)
	assert.Equal(t, uint64(1), s2.GetCardinality())
	assert.True(t, s2.Contains(0))
	assert.False(t, s2.Contains(1))

	assert.Nil(t, gen.Bitmap("S3"))
}

func TestBuilder_SecondRebuildExtendsRegistry(t *testing.T) {
	// GIVEN: A generation built from two dates
	reg := NewRegistry()
	src := &fakeSource{pairs: map[SecurityKey][]time.Time{
		"S1": {date(2025, 8, 5), date(2025, 8, 6)},
	}}
	b := NewBuilder(src, reg)
	gen1, err := b.Rebuild(context.Background(), nil)
	require.NoError(t, err)

	// WHEN: A new trading day appears and the index is rebuilt
	src.pairs["S1"] = append(src.pairs["S1"], date(2025, 8, 7))
	gen2, err := b.Rebuild(context.Background(), gen1)
	require.NoError(t, err)

	// THEN: Old ordinals are unchanged and the new date got the next one
	ord, err := reg.OrdinalOf(date(2025, 8, 5))
	require.NoError(t, err)
	assert.Equal(t, uint32(0), ord)
	ord, err = reg.OrdinalOf(date(2025, 8, 7))
	require.NoError(t, err)
	assert.Equal(t, uint32(2), ord)

	assert.Equal(t, 3, gen2.Registry.Size())
	assert.True(t, gen2.Bitmap("S1").Contains(2))

	// The first generation is untouched by the rebuild.
	assert.Equal(t, 2, gen1.Registry.Size())
	assert.Equal(t, uint64(2), gen1.Bitmap("S1").GetCardinality())
}

func TestBuilder_AbortsOnScanError(t *testing.T) {
	scanErr := errors.New("connection reset")
	b := NewBuilder(&fakeSource{datesErr: scanErr}, NewRegistry())

	_, err := b.Rebuild(context.Background(), nil)
	require.ErrorIs(t, err, ErrRebuildFailed)
	require.ErrorIs(t, err, scanErr)
}

func TestBuilder_AbortsOnPairScanError(t *testing.T) {
	scanErr := errors.New("disk I/O error")
	b := NewBuilder(&fakeSource{pairsErr: scanErr}, NewRegistry())

	_, err := b.Rebuild(context.Background(), nil)
	require.ErrorIs(t, err, ErrRebuildFailed)
}

func TestBuilder_AbortsWhenScansDisagree(t *testing.T) {
	// The pair scan carries a date the distinct scan never returned, as if
	// the table changed between the two passes.
	src := &fakeSource{
		pairs: map[SecurityKey][]time.Time{
			"S1": {date(2025, 8, 5), date(2025, 8, 6)},
		},
		distinct: []time.Time{date(2025, 8, 5)},
	}
	b := NewBuilder(src, NewRegistry())

	_, err := b.Rebuild(context.Background(), nil)
	require.ErrorIs(t, err, ErrRebuildFailed)
	assert.ErrorContains(t, err, "scans disagree")
}

func TestBuilder_AbortsOnImplausibleShrink(t *testing.T) {
	// GIVEN: A previous generation with four securities
	reg := NewRegistry()
	src := &fakeSource{pairs: map[SecurityKey][]time.Time{
		"S1": {date(2025, 8, 5)},
		"S2": {date(2025, 8, 5)},
		"S3": {date(2025, 8, 5)},
		"S4": {date(2025, 8, 5)},
	}}
	b := NewBuilder(src, reg)
	prev, err := b.Rebuild(context.Background(), nil)
	require.NoError(t, err)

	// WHEN: The next load only carries one security (partial load)
	src.pairs = map[SecurityKey][]time.Time{"S1": {date(2025, 8, 5)}}
	_, err = b.Rebuild(context.Background(), prev)

	// THEN: The rebuild aborts; the previous generation is untouched
	require.ErrorIs(t, err, ErrRebuildFailed)
	var rfe *RebuildFailedError
	require.ErrorAs(t, err, &rfe)
	assert.Equal(t, 1, rfe.Securities)
	assert.Equal(t, 4, rfe.PrevSecurities)
	assert.Equal(t, 4, prev.Securities())
}

func TestBuilder_AbortsOnEmptyScanWithHistory(t *testing.T) {
	reg := NewRegistry()
	src := &fakeSource{pairs: map[SecurityKey][]time.Time{
		"S1": {date(2025, 8, 5)},
	}}
	b := NewBuilder(src, reg)
	prev, err := b.Rebuild(context.Background(), nil)
	require.NoError(t, err)

	src.pairs = map[SecurityKey][]time.Time{}
	_, err = b.Rebuild(context.Background(), prev)
	require.ErrorIs(t, err, ErrRebuildFailed)
}

func TestBuilder_EmptySourceFirstRunIsValid(t *testing.T) {
	// An empty store on first boot is an acceptable empty start, not a
	// failed load.
	b := NewBuilder(&fakeSource{pairs: map[SecurityKey][]time.Time{}}, NewRegistry())
	gen, err := b.Rebuild(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 0, gen.Securities())
}

func TestBuilder_RetryAfterFailureSucceeds(t *testing.T) {
	// GIVEN: A rebuild that failed on a scan error
	reg := NewRegistry()
	src := &fakeSource{
		pairs:    map[SecurityKey][]time.Time{"S1": {date(2025, 8, 5)}},
		pairsErr: errors.New("timeout"),
	}
	b := NewBuilder(src, reg)
	_, err := b.Rebuild(context.Background(), nil)
	require.Error(t, err)

	// WHEN: The source recovers and the rebuild is retried
	src.pairsErr = nil
	gen, err := b.Rebuild(context.Background(), nil)

	// THEN: The retry succeeds (rebuild is idempotent)
	require.NoError(t, err)
	assert.Equal(t, 1, gen.Securities())
}
