package chainht

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/golang/glog"
)

// minBucketsPerGoroutine is the rebuild chunk below which chain rebuilding
// stays on the resizing goroutine.
const minBucketsPerGoroutine = 1 << 14

// resize grows the table so that it can take extraBuckets more buckets and
// extraVarBytes more variable-length key bytes. Callers must not hold mu.
// The fullness check is repeated under the exclusive lock, so concurrent
// callers that all saw a full table grow it only once.
func (e *engine) resize(extraBuckets, extraVarBytes uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	old := e.storage.Load()
	if !old.needsGrowth(extraBuckets, extraVarBytes) {
		return nil
	}

	growth := uint64(e.cfg.growthFactor)
	numBuckets := (old.numBuckets + extraBuckets/2) * growth
	numBuckets = max(numBuckets, old.bucketsAllocated.Load()+extraBuckets)
	numSlots := nextPrime(numBuckets * loadFactor)

	varUsed := old.keys.allocated.Load()
	varBytes := numBuckets * uint64(e.codec.estimatedVariableSize())
	if varUsed+extraVarBytes > old.keys.size() {
		// An oversized key triggered the resize; make sure it fits.
		varBytes = max(varBytes, (varUsed+extraVarBytes)*growth)
	}
	varBytes = max(varBytes, varUsed+extraVarBytes)

	st, err := newTableStorage(e.provider, &e.layout, numSlots, numBuckets, varBytes, old.numRefs)
	if err != nil {
		return err
	}

	used := old.numEntries()
	copy(st.buckets, old.buckets[:used*uint64(e.layout.size)])
	copy(st.refs, old.refs[:used*uint64(old.numRefs)])
	st.bucketsAllocated.Store(used)
	st.keys.copyFrom(&old.keys)

	rebuildChainsParallel(st, used)

	e.storage.Store(st)
	old.release(e.provider)
	e.totalResizes.Add(1)

	if glog.V(1) {
		glog.Infof("hash table resized: %d -> %d buckets, %d slots, %s key bytes, %s region",
			old.numBuckets, numBuckets, numSlots,
			humanize.IBytes(st.keys.size()), humanize.IBytes(uint64(st.region.Size())))
	}
	return nil
}

// rebuildChainsParallel links buckets [0, n) into the slots of st. Large
// tables split the work across goroutines; chains are built by pushing at
// the head with a CAS, so chunks can run concurrently.
func rebuildChainsParallel(st *tableStorage, n uint64) {
	chunkSize, chunks := calcParallelism(int(n), minBucketsPerGoroutine, runtime.GOMAXPROCS(0))
	if chunks <= 1 {
		rebuildChains(st, 0, n)
		return
	}
	var wg sync.WaitGroup
	wg.Add(chunks)
	for c := 0; c < chunks; c++ {
		start := uint64(c * chunkSize)
		end := min(start+uint64(chunkSize), n)
		go func() {
			defer wg.Done()
			rebuildChains(st, start, end)
		}()
	}
	wg.Wait()
}

func rebuildChains(st *tableStorage, start, end uint64) {
	for idx := start; idx < end; idx++ {
		slot := &st.slots[st.hashOf(idx)%st.numSlots]
		next := st.nextLink(idx)
		for {
			head := atomic.LoadUint64(slot)
			atomic.StoreUint64(next, head)
			if atomic.CompareAndSwapUint64(slot, head, idx+1) {
				break
			}
		}
	}
}

// calcParallelism calculates the number of goroutines for parallel
// processing.
//
// Parameters:
//   - items: Number of items to process.
//   - threshold: Minimum threshold to enable parallel processing.
//   - cpus: Number of available CPU cores.
//
// Returns:
//   - chunkSize: Number of items processed per goroutine.
//   - chunks: Suggested degree of parallelism (number of goroutines).
func calcParallelism(items, threshold, cpus int) (chunkSize, chunks int) {
	if items <= threshold {
		return items, 1
	}
	chunks = min(items/threshold, cpus)
	chunkSize = (items + chunks - 1) / chunks
	return chunkSize, chunks
}
