package chainht

// preallocTicket is a contention-free range of bucket indices and
// variable-length key bytes reserved for one bulk-insert batch. It is
// consumed sequentially by the goroutine that made the reservation.
type preallocTicket struct {
	bucketPosition uint64
	bucketEnd      uint64
	varPosition    uint64
	varEnd         uint64
}

func (t *preallocTicket) takeBucket() uint64 {
	idx := t.bucketPosition
	t.bucketPosition++
	return idx
}

func (t *preallocTicket) takeVar(n uint64) uint64 {
	off := t.varPosition
	t.varPosition += n
	return off
}

// remaining returns the unused buckets and bytes of the ticket.
func (t *preallocTicket) remaining() (buckets, varBytes uint64) {
	return t.bucketEnd - t.bucketPosition, t.varEnd - t.varPosition
}

// preallocateForBulkInsert reserves n buckets and varBytes key bytes in st.
// It fails without side effects when st cannot hold them. Only tables that
// allow duplicate keys may use it: with a ticket, inserts never compare
// keys and so can never fail.
func (e *engine) preallocateForBulkInsert(st *tableStorage, n, varBytes uint64, ticket *preallocTicket) bool {
	if !e.cfg.allowDuplicateKeys {
		return false
	}
	if !st.keys.allocate(varBytes) {
		return false
	}
	for {
		cur := st.bucketsAllocated.Load()
		if cur+n > st.numBuckets || cur+n < cur {
			st.keys.deallocate(varBytes)
			return false
		}
		if st.bucketsAllocated.CompareAndSwap(cur, cur+n) {
			ticket.bucketPosition = cur
			ticket.bucketEnd = cur + n
			break
		}
	}
	ticket.varPosition = st.keys.claim(varBytes)
	ticket.varEnd = ticket.varPosition + varBytes
	return true
}
