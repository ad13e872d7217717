package chainht

import (
	"fmt"
	"strings"

	"github.com/cockroachdb/redact"
	"github.com/dustin/go-humanize"
)

// Stats is hash table statistics.
type Stats struct {
	// NumSlots is the number of chain heads.
	NumSlots int
	// NumBuckets is the bucket capacity of the current storage.
	NumBuckets int
	// Entries is the number of buckets handed out, i.e. stored entries.
	Entries int
	// VariableBytesAllocated is the number of reserved bytes in the
	// variable-length key region.
	VariableBytesAllocated int
	// VariableRegionSize is the capacity of the variable-length key region.
	VariableRegionSize int
	// EmptySlots is the number of slots with no chain.
	EmptySlots int
	// MinChainLength is the length of the shortest non-empty chain.
	MinChainLength int
	// MaxChainLength is the length of the longest chain.
	MaxChainLength int
	// AvgChainLength is the average length of non-empty chains.
	AvgChainLength float64
	// TotalResizes is the number of times the table grew.
	TotalResizes uint32
	// MemoryBytes is the size of the storage region.
	MemoryBytes int
}

// stats walks every chain. It must not run concurrently with writers.
func (e *engine) stats() *Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	st := e.storage.Load()
	s := &Stats{
		NumSlots:               int(st.numSlots),
		NumBuckets:             int(st.numBuckets),
		Entries:                int(st.numEntries()),
		VariableBytesAllocated: int(st.keys.allocated.Load()),
		VariableRegionSize:     int(st.keys.size()),
		TotalResizes:           e.totalResizes.Load(),
		MemoryBytes:            st.region.Size(),
	}
	chains, chained := 0, 0
	for i := range st.slots {
		n := 0
		for link := loadLink(&st.slots[i]); link != chainEmpty && link != chainPending; {
			n++
			link = loadLink(st.nextLink(link - 1))
		}
		if n == 0 {
			s.EmptySlots++
			continue
		}
		if chains == 0 || n < s.MinChainLength {
			s.MinChainLength = n
		}
		s.MaxChainLength = max(s.MaxChainLength, n)
		chains++
		chained += n
	}
	if chains > 0 {
		s.AvgChainLength = float64(chained) / float64(chains)
	}
	return s
}

// ToString returns string representation of table stats.
func (s *Stats) ToString() string {
	var sb strings.Builder
	sb.WriteString("Stats{\n")
	sb.WriteString(fmt.Sprintf("NumSlots:       %d\n", s.NumSlots))
	sb.WriteString(fmt.Sprintf("NumBuckets:     %d\n", s.NumBuckets))
	sb.WriteString(fmt.Sprintf("Entries:        %d\n", s.Entries))
	sb.WriteString(fmt.Sprintf("VariableBytes:  %s / %s\n",
		humanize.IBytes(uint64(s.VariableBytesAllocated)), humanize.IBytes(uint64(s.VariableRegionSize))))
	sb.WriteString(fmt.Sprintf("EmptySlots:     %d\n", s.EmptySlots))
	sb.WriteString(fmt.Sprintf("MinChainLength: %d\n", s.MinChainLength))
	sb.WriteString(fmt.Sprintf("MaxChainLength: %d\n", s.MaxChainLength))
	sb.WriteString(fmt.Sprintf("AvgChainLength: %.2f\n", s.AvgChainLength))
	sb.WriteString(fmt.Sprintf("TotalResizes:   %d\n", s.TotalResizes))
	sb.WriteString(fmt.Sprintf("Memory:         %s\n", humanize.IBytes(uint64(s.MemoryBytes))))
	sb.WriteString("}\n")
	return sb.String()
}

// String implements fmt.Stringer.
func (s *Stats) String() string { return redact.StringWithoutMarkers(s) }

// SafeFormat implements redact.SafeFormatter. Stats hold no key data, so
// every field is safe to log.
func (s *Stats) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("slots=%d buckets=%d/%d var=%s/%s chains(min=%d max=%d avg=%.2f empty=%d) resizes=%d mem=%s",
		s.NumSlots, s.Entries, s.NumBuckets,
		redact.SafeString(humanize.IBytes(uint64(s.VariableBytesAllocated))),
		redact.SafeString(humanize.IBytes(uint64(s.VariableRegionSize))),
		s.MinChainLength, s.MaxChainLength, s.AvgChainLength, s.EmptySlots,
		s.TotalResizes, redact.SafeString(humanize.IBytes(uint64(s.MemoryBytes))))
}

// Stats returns statistics for the table.
func (t *HashTable[V]) Stats() *Stats { return t.stats() }

// Stats returns statistics for the table.
func (t *AggregationTable) Stats() *Stats { return t.stats() }
