package chainht

import (
	"github.com/llxisdsh/chainht/bloom"
	"github.com/llxisdsh/chainht/types"
)

// probeFilter is a Bloom filter checked before probing, together with the
// probe row attributes that form its key.
type probeFilter struct {
	filter *bloom.Filter
	attrs  []int
}

// identityAttrs returns [0, n).
func identityAttrs(n int) []int {
	attrs := make([]int, n)
	for i := range attrs {
		attrs[i] = i
	}
	return attrs
}

func (e *engine) enableBuildSideBloomFilter(f *bloom.Filter) {
	e.mu.Lock()
	e.buildFilter = f
	e.mu.Unlock()
}

func (e *engine) addProbeSideBloomFilter(f *bloom.Filter, attrs []int) {
	e.mu.Lock()
	e.probeFilters = append(e.probeFilters, probeFilter{filter: f, attrs: append([]int(nil), attrs...)})
	e.mu.Unlock()
}

// insertBuildFilter adds key to the shared build-side filter. Single-entry
// inserts take the filter lock; bulk inserts fill a private filter instead
// and merge it once.
func (e *engine) insertBuildFilter(key []types.Value) {
	if e.buildFilter == nil {
		return
	}
	var buf [64]byte
	e.buildFilter.InsertSync(bloomKey(buf[:0], key, e.codec.allAttrs()))
}

// newLocalBuildFilter returns a private filter shaped like the build-side
// filter, or nil when none is enabled.
func (e *engine) newLocalBuildFilter() *bloom.Filter {
	if e.buildFilter == nil {
		return nil
	}
	return e.buildFilter.NewEmptyLike()
}

func (e *engine) mergeLocalBuildFilter(local *bloom.Filter) error {
	if local == nil {
		return nil
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.buildFilter.BitwiseOr(local)
}

// passesProbeFilters reports whether every attached probe filter may
// contain the row. A false result means the row has no match.
func (e *engine) passesProbeFilters(row []types.Value, scratch []byte) ([]byte, bool) {
	for i := range e.probeFilters {
		pf := &e.probeFilters[i]
		scratch = bloomKey(scratch[:0], row, pf.attrs)
		if !pf.filter.Contains(scratch) {
			return scratch, false
		}
	}
	return scratch, true
}
