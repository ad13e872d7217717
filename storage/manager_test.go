package storage

import (
	"sync"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestAllocateRoundsToSlots(t *testing.T) {
	m := NewManager(WithSlotSize(4096))
	r, err := m.AllocateRegion(5000)
	require.NoError(t, err)
	require.Equal(t, 8192, r.Size())
	require.Len(t, r.Bytes(), 8192)
	for _, b := range r.Bytes() {
		if b != 0 {
			t.Fatalf("region is not zeroed")
		}
	}
	require.Equal(t, 2, m.SlotsNeededForBytes(4097))
	require.Equal(t, 1, m.LiveRegions())
	require.Equal(t, 8192, m.AllocatedBytes())

	m.ReleaseRegion(r.ID())
	require.Equal(t, 0, m.LiveRegions())
	require.Equal(t, 0, m.AllocatedBytes())
	// Double release is ignored.
	m.ReleaseRegion(r.ID())
	require.Equal(t, 0, m.LiveRegions())
}

func TestAllocateExceedsMaximum(t *testing.T) {
	m := NewManager(WithSlotSize(1024), WithMaxAllocation(4096))
	_, err := m.AllocateRegion(4097)
	require.True(t, errors.Is(err, ErrAllocationExceedsMaximum), "%v", err)
	r, err := m.AllocateRegion(4096)
	require.NoError(t, err)
	require.Equal(t, 4096, r.Size())
}

func TestInvalidSlotSizeIgnored(t *testing.T) {
	m := NewManager(WithSlotSize(13))
	require.Equal(t, DefaultSlotSizeBytes, m.SlotSizeBytes())
}

func TestMetrics(t *testing.T) {
	metrics := NewMetrics("chainht")
	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(metrics))

	m := NewManager(WithSlotSize(1024), WithMetrics(metrics))
	var wg sync.WaitGroup
	ids := make([]RegionID, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := m.AllocateRegion(100)
			if err != nil {
				t.Errorf("allocate: %v", err)
				return
			}
			ids[i] = r.ID()
		}(i)
	}
	wg.Wait()
	require.Equal(t, 8.0, testutil.ToFloat64(metrics.Allocations))
	require.Equal(t, 8.0, testutil.ToFloat64(metrics.LiveRegions))
	require.Equal(t, 8.0*1024, testutil.ToFloat64(metrics.AllocatedBytes))

	for _, id := range ids[:3] {
		m.ReleaseRegion(id)
	}
	require.Equal(t, 3.0, testutil.ToFloat64(metrics.Releases))
	require.Equal(t, 5.0, testutil.ToFloat64(metrics.LiveRegions))
	require.Equal(t, 5.0*1024, testutil.ToFloat64(metrics.AllocatedBytes))
}
