// Package storage hands out large, slot-aligned memory regions to hash
// tables and takes them back when a table is resized or closed.
package storage

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
	"github.com/golang/glog"
)

const (
	// DefaultSlotSizeBytes is the allocation granularity of a Manager.
	DefaultSlotSizeBytes = 2 << 20
	// DefaultMaxAllocationBytes caps a single region.
	DefaultMaxAllocationBytes = 64 << 30
)

// ErrAllocationExceedsMaximum is returned when a region request is larger
// than the provider's maximum single allocation.
var ErrAllocationExceedsMaximum = errors.New("requested region exceeds maximum allocation size")

// RegionID identifies a region handed out by a Provider.
type RegionID uint64

// Region is a contiguous, 8-byte aligned, zeroed memory block whose size
// is a multiple of the provider's slot size.
type Region struct {
	id    RegionID
	words []uint64
}

// ID returns the identifier used to release the region.
func (r *Region) ID() RegionID { return r.id }

// Bytes returns the region memory.
func (r *Region) Bytes() []byte {
	if len(r.words) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&r.words[0])), len(r.words)*8)
}

// Size returns the region size in bytes.
func (r *Region) Size() int { return len(r.words) * 8 }

// Provider is the storage collaborator consumed by hash tables.
type Provider interface {
	// AllocateRegion returns a zeroed region of at least sizeHint bytes,
	// rounded up to the slot size.
	AllocateRegion(sizeHint int) (*Region, error)
	// ReleaseRegion gives a region back. Releasing an unknown id is a no-op.
	ReleaseRegion(id RegionID)
}

// Config holds Manager settings.
type Config struct {
	slotSize      int
	maxAllocation int
	metrics       *Metrics
}

// WithSlotSize sets the allocation granularity. Non-positive values and
// values that are not a multiple of 8 are ignored.
func WithSlotSize(n int) func(*Config) {
	return func(c *Config) {
		if n > 0 && n%8 == 0 {
			c.slotSize = n
		}
	}
}

// WithMaxAllocation sets the largest region the manager hands out.
func WithMaxAllocation(n int) func(*Config) {
	return func(c *Config) {
		if n > 0 {
			c.maxAllocation = n
		}
	}
}

// WithMetrics attaches allocation metrics.
func WithMetrics(m *Metrics) func(*Config) {
	return func(c *Config) {
		c.metrics = m
	}
}

// Manager is an in-memory Provider backed by the Go heap. It is safe for
// concurrent use.
type Manager struct {
	slotSize      int
	maxAllocation int
	metrics       *Metrics

	nextID atomic.Uint64
	mu     sync.Mutex
	live   map[RegionID]*Region
	bytes  int
}

var _ Provider = (*Manager)(nil)

// NewManager creates a Manager.
func NewManager(options ...func(*Config)) *Manager {
	c := &Config{
		slotSize:      DefaultSlotSizeBytes,
		maxAllocation: DefaultMaxAllocationBytes,
	}
	for _, o := range options {
		o(c)
	}
	return &Manager{
		slotSize:      c.slotSize,
		maxAllocation: c.maxAllocation,
		metrics:       c.metrics,
		live:          make(map[RegionID]*Region),
	}
}

// SlotSizeBytes returns the allocation granularity.
func (m *Manager) SlotSizeBytes() int { return m.slotSize }

// SlotsNeededForBytes returns how many slots hold n bytes.
func (m *Manager) SlotsNeededForBytes(n int) int {
	return (n + m.slotSize - 1) / m.slotSize
}

// AllocateRegion implements Provider.
func (m *Manager) AllocateRegion(sizeHint int) (*Region, error) {
	if sizeHint <= 0 {
		sizeHint = 1
	}
	size := m.SlotsNeededForBytes(sizeHint) * m.slotSize
	if size > m.maxAllocation || size < sizeHint {
		glog.Errorf("region of %s exceeds maximum allocation of %s",
			humanize.IBytes(uint64(sizeHint)), humanize.IBytes(uint64(m.maxAllocation)))
		return nil, errors.Wrapf(ErrAllocationExceedsMaximum,
			"size %d, maximum %d", sizeHint, m.maxAllocation)
	}
	r := &Region{
		id:    RegionID(m.nextID.Add(1)),
		words: make([]uint64, size/8),
	}
	m.mu.Lock()
	m.live[r.id] = r
	m.bytes += size
	live, total := len(m.live), m.bytes
	m.mu.Unlock()
	m.metrics.recordAllocate(live, total)
	return r, nil
}

// ReleaseRegion implements Provider.
func (m *Manager) ReleaseRegion(id RegionID) {
	m.mu.Lock()
	r, ok := m.live[id]
	if ok {
		delete(m.live, id)
		m.bytes -= r.Size()
	}
	live, total := len(m.live), m.bytes
	m.mu.Unlock()
	if ok {
		m.metrics.recordRelease(live, total)
	}
}

// LiveRegions returns the number of regions not yet released.
func (m *Manager) LiveRegions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live)
}

// AllocatedBytes returns the total size of live regions.
func (m *Manager) AllocatedBytes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bytes
}
