package chainht

import (
	"math"
	"math/big"
	"math/bits"
	"sync/atomic"
	"unsafe"

	"github.com/cockroachdb/errors"
	"golang.org/x/sys/cpu"

	"github.com/llxisdsh/chainht/storage"
)

// CacheLineSize is used in structure padding to prevent false sharing.
// It's automatically calculated using the `golang.org/x/sys` package.
const CacheLineSize = unsafe.Sizeof(cpu.CacheLinePad{})

// Slot and next-link encoding. Any other value v refers to bucket v-1.
const (
	chainEmpty   uint64 = 0
	chainPending uint64 = math.MaxUint64
)

// Fixed bucket header: next link, then stored hash.
const (
	bucketNextOffset = 0
	bucketHashOffset = 8
	bucketHeaderSize = 16
	payloadLockSize  = 8
	noBucket         = math.MaxUint64
	maxPayloadAlign  = 8
)

// paddedCounter keeps a hot atomic counter on its own cache line.
type paddedCounter struct {
	atomic.Uint64
	//lint:ignore U1000 prevents false sharing
	pad [(CacheLineSize - unsafe.Sizeof(atomic.Uint64{})%CacheLineSize) % CacheLineSize]byte
}

// bucketLayout describes the byte layout of one bucket:
//
//	| next (8) | hash (8) | lock (8, optional) | payload | fixed key bytes |
//
// Every section starts on an 8-byte boundary and the bucket size is a
// multiple of 8 so that links and hashes stay aligned for atomic access.
type bucketLayout struct {
	size          int
	lockOffset    int // -1 when the payload carries no lock
	payloadOffset int
	payloadSize   int
	keyOffset     int
}

func align8(n int) int {
	return (n + 7) &^ 7
}

func newBucketLayout(payloadSize int, locked bool, fixedKeySize int) bucketLayout {
	l := bucketLayout{lockOffset: -1, payloadSize: payloadSize}
	off := bucketHeaderSize
	if locked {
		l.lockOffset = off
		off += payloadLockSize
	}
	l.payloadOffset = off
	off += align8(payloadSize)
	l.keyOffset = off
	off += align8(fixedKeySize)
	l.size = off
	return l
}

// tableHeader holds the geometry and admission counters of one region.
// It is replaced wholesale on every resize.
type tableHeader struct {
	numSlots   uint64
	numBuckets uint64
	//lint:ignore U1000 prevents false sharing
	pad              [(CacheLineSize - 16%CacheLineSize) % CacheLineSize]byte
	bucketsAllocated paddedCounter
}

// tableStorage is one generation of a table's memory: slots, buckets and
// the variable-length key region carved out of a single provider region,
// plus the side array of referenced key components.
type tableStorage struct {
	tableHeader
	keys    varKeyRegion
	layout  *bucketLayout
	region  *storage.Region
	slots   []uint64
	buckets []byte
	// refs holds referenced key components, numRefs per bucket.
	refs    [][]byte
	numRefs int
}

// regionBytesFor returns the region size needed for the given geometry.
func regionBytesFor(layout *bucketLayout, numSlots, numBuckets, varBytes uint64) (uint64, error) {
	hi, slotBytes := bits.Mul64(numSlots, 8)
	hi2, bucketBytes := bits.Mul64(numBuckets, uint64(layout.size))
	total := slotBytes + bucketBytes + varBytes
	if hi != 0 || hi2 != 0 || total < slotBytes || total > math.MaxInt {
		return 0, errors.Wrapf(ErrAllocationExceedsMaximum,
			"%d slots and %d buckets of %d bytes", numSlots, numBuckets, layout.size)
	}
	return total, nil
}

// newTableStorage allocates and partitions a region. Any rounding slack
// handed back by the provider goes to the variable-length key region.
func newTableStorage(
	provider storage.Provider,
	layout *bucketLayout,
	numSlots, numBuckets, varBytes uint64,
	numRefs int,
) (*tableStorage, error) {
	need, err := regionBytesFor(layout, numSlots, numBuckets, varBytes)
	if err != nil {
		return nil, err
	}
	region, err := provider.AllocateRegion(int(need))
	if err != nil {
		return nil, err
	}
	mem := region.Bytes()
	if uint64(len(mem)) < need {
		provider.ReleaseRegion(region.ID())
		return nil, errors.AssertionFailedf(
			"storage provider returned %d bytes, %d requested", len(mem), need)
	}
	slotEnd := numSlots * 8
	bucketEnd := slotEnd + numBuckets*uint64(layout.size)
	st := &tableStorage{
		layout:  layout,
		region:  region,
		slots:   unsafe.Slice((*uint64)(unsafe.Pointer(&mem[0])), numSlots),
		buckets: mem[slotEnd:bucketEnd:bucketEnd],
		numRefs: numRefs,
	}
	st.numSlots = numSlots
	st.numBuckets = numBuckets
	st.keys.mem = mem[bucketEnd:]
	if numRefs > 0 {
		st.refs = make([][]byte, numBuckets*uint64(numRefs))
	}
	// Providers may hand out uninitialized memory; chains must start empty.
	clear(st.slots)
	return st, nil
}

func (s *tableStorage) release(provider storage.Provider) {
	provider.ReleaseRegion(s.region.ID())
}

//go:nosplit
func (s *tableStorage) bucketPtr(idx uint64) unsafe.Pointer {
	return unsafe.Add(unsafe.Pointer(unsafe.SliceData(s.buckets)), idx*uint64(s.layout.size))
}

// nextLink returns the address of bucket idx's next link.
func (s *tableStorage) nextLink(idx uint64) *uint64 {
	return (*uint64)(unsafe.Add(s.bucketPtr(idx), bucketNextOffset))
}

func (s *tableStorage) hashAddr(idx uint64) *uint64 {
	return (*uint64)(unsafe.Add(s.bucketPtr(idx), bucketHashOffset))
}

// hashOf reads the stored hash of a bucket reached through a published link.
func (s *tableStorage) hashOf(idx uint64) uint64 {
	return *s.hashAddr(idx)
}

func (s *tableStorage) lockWord(idx uint64) *uint32 {
	if s.layout.lockOffset < 0 {
		return nil
	}
	return (*uint32)(unsafe.Add(s.bucketPtr(idx), s.layout.lockOffset))
}

func (s *tableStorage) payloadPtr(idx uint64) unsafe.Pointer {
	return unsafe.Add(s.bucketPtr(idx), s.layout.payloadOffset)
}

func (s *tableStorage) payload(idx uint64) []byte {
	return unsafe.Slice((*byte)(s.payloadPtr(idx)), s.layout.payloadSize)
}

// keyBytes returns the fixed key area of bucket idx.
func (s *tableStorage) keyBytes(idx uint64) []byte {
	start := int(idx)*s.layout.size + s.layout.keyOffset
	return s.buckets[start : int(idx+1)*s.layout.size]
}

func (s *tableStorage) refsOf(idx uint64) [][]byte {
	if s.numRefs == 0 {
		return nil
	}
	start := idx * uint64(s.numRefs)
	return s.refs[start : start+uint64(s.numRefs)]
}

// numEntries returns the number of buckets handed out so far. The counter
// may briefly overshoot numBuckets while a failed claim rolls back.
func (s *tableStorage) numEntries() uint64 {
	return min(s.bucketsAllocated.Load(), s.numBuckets)
}

// needsGrowth reports whether the storage cannot take extraBuckets more
// buckets (at least one) and extraVarBytes more key bytes.
func (s *tableStorage) needsGrowth(extraBuckets, extraVarBytes uint64) bool {
	extraBuckets = max(extraBuckets, 1)
	return s.bucketsAllocated.Load()+extraBuckets > s.numBuckets ||
		s.keys.allocated.Load()+extraVarBytes > s.keys.size()
}

// reset empties the storage in place, keeping its geometry.
func (s *tableStorage) reset() {
	used := s.numEntries()
	clear(s.slots)
	clear(s.buckets[:used*uint64(s.layout.size)])
	clear(s.refs)
	s.bucketsAllocated.Store(0)
	s.keys.reset()
}

// adjustHash keeps hash codes clear of the link sentinels.
//
//go:nosplit
func adjustHash(h uint64) uint64 {
	switch h {
	case chainEmpty:
		return 1
	case chainPending:
		return chainPending - 1
	}
	return h
}

// nextPrime returns the smallest prime >= n.
func nextPrime(n uint64) uint64 {
	if n <= 2 {
		return 2
	}
	if n%2 == 0 {
		n++
	}
	var b big.Int
	for ; ; n += 2 {
		if b.SetUint64(n).ProbablyPrime(0) {
			return n
		}
	}
}
