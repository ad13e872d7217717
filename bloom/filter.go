// Package bloom implements the blocked Bloom filter used by hash join
// build and probe passes.
//
// Build-side inserts normally go to a filter private to one worker
// (Insert is not synchronized) and are folded into a shared filter with
// BitwiseOr, which takes the shared filter's lock. Contains takes the
// lock shared, so probes may overlap a build on the same filter.
package bloom

import (
	"math"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
)

const (
	// NumHashes is the number of bits set per key.
	NumHashes = 8
	blockSize = 64
)

// ErrIncompatible is returned when merging filters of different shape.
var ErrIncompatible = errors.New("bloom filters differ in seed or size")

// Filter is a blocked Bloom filter over raw key bytes.
type Filter struct {
	mu     sync.RWMutex
	seed   uint64
	blocks []block
}

// New creates a filter with sizeBytes of bits, rounded up to whole 64 byte
// blocks.
func New(seed uint64, sizeBytes uint64) *Filter {
	n := (sizeBytes + blockSize - 1) / blockSize
	if n == 0 {
		n = 1
	}
	return &Filter{seed: seed, blocks: make([]block, n)}
}

// NewWithEstimates sizes a filter for n keys at false positive rate p.
func NewWithEstimates(seed uint64, n uint64, p float64) *Filter {
	size, _ := EstimateParameters(n, p)
	return New(seed, size)
}

// NewEmptyLike returns an empty filter with the same seed and size as f,
// suitable for merging back into f.
func (f *Filter) NewEmptyLike() *Filter {
	return &Filter{seed: f.seed, blocks: make([]block, len(f.blocks))}
}

// Seed returns the hash seed.
func (f *Filter) Seed() uint64 { return f.seed }

// SizeBytes returns the size of the bit array.
func (f *Filter) SizeBytes() uint64 { return uint64(len(f.blocks)) * blockSize }

// hash derives the block index and in-block bit hash for key.
func (f *Filter) hash(key []byte) (idx uint64, h uint64) {
	h = mix(xxhash.Sum64(key) ^ f.seed)
	idx = mix(h) % uint64(len(f.blocks))
	return idx, h
}

// Insert adds key without locking. It must not run concurrently with any
// other method on f.
func (f *Filter) Insert(key []byte) {
	idx, h := f.hash(key)
	f.blocks[idx].add(h)
}

// InsertSync adds key under the filter lock.
func (f *Filter) InsertSync(key []byte) {
	f.mu.Lock()
	f.Insert(key)
	f.mu.Unlock()
}

// Contains reports whether key may have been inserted. False means the key
// was definitely never inserted.
func (f *Filter) Contains(key []byte) bool {
	idx, h := f.hash(key)
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.blocks[idx].check(h)
}

// BitwiseOr folds the bits of other into f under f's lock.
func (f *Filter) BitwiseOr(other *Filter) error {
	if other.seed != f.seed || len(other.blocks) != len(f.blocks) {
		return errors.Wrapf(ErrIncompatible, "seed %d/%d, size %d/%d",
			f.seed, other.seed, f.SizeBytes(), other.SizeBytes())
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.blocks {
		f.blocks[i].or(&other.blocks[i])
	}
	return nil
}

// Reset clears all bits.
func (f *Filter) Reset() {
	f.mu.Lock()
	clear(f.blocks)
	f.mu.Unlock()
}

// mix is the SplitMix64 finalizer.
func mix(x uint64) uint64 {
	x ^= x >> 30
	x *= 0xbf58476d1ce4e5b9
	x ^= x >> 27
	x *= 0x94d049bb133111eb
	x ^= x >> 31
	return x
}

// EstimateParameters returns the bit array size in bytes, aligned to whole
// blocks, and the number of hashes for n keys at false positive rate p.
func EstimateParameters(n uint64, p float64) (uint64, int) {
	if n == 0 {
		n = 1
	}
	if p <= 0 {
		p = 1e-9
	} else if p >= 1.0 {
		p = 0.99
	}
	ln2 := math.Log(2)
	m := -float64(n) * math.Log(p) / (ln2 * ln2)
	size := uint64(math.Ceil(m / 8.0))
	if size < blockSize {
		size = blockSize
	} else if size%blockSize != 0 {
		size += blockSize - size%blockSize
	}
	return size, NumHashes
}
