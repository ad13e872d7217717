package chainht

// varKeyRegion is the arena for copied variable-length key bytes at the
// end of a table region. Space is handed out in two phases: allocate
// reserves capacity against the allocated counter, and claim later moves
// the write cursor past the bytes actually written. A reservation that
// turns out to be unneeded (duplicate key, lost race) is returned with
// deallocate, so the cursor never runs past the reserved total.
type varKeyRegion struct {
	mem       []byte
	allocated paddedCounter
	cursor    paddedCounter
}

func (r *varKeyRegion) size() uint64 {
	return uint64(len(r.mem))
}

// allocate reserves n bytes, failing without side effects when the region
// cannot hold them.
func (r *varKeyRegion) allocate(n uint64) bool {
	if n == 0 {
		return true
	}
	limit := r.size()
	for {
		cur := r.allocated.Load()
		if cur+n > limit || cur+n < cur {
			return false
		}
		if r.allocated.CompareAndSwap(cur, cur+n) {
			return true
		}
	}
}

// deallocate returns a reservation that was never claimed.
func (r *varKeyRegion) deallocate(n uint64) {
	if n != 0 {
		r.allocated.Add(-n)
	}
}

// hasRoom reports whether n more bytes could currently be reserved.
func (r *varKeyRegion) hasRoom(n uint64) bool {
	return r.allocated.Load()+n <= r.size()
}

// claim advances the write cursor by n and returns the offset of the
// claimed range. The caller must hold a reservation of at least n bytes.
func (r *varKeyRegion) claim(n uint64) uint64 {
	return r.cursor.Add(n) - n
}

func (r *varKeyRegion) write(off uint64, data []byte) {
	copy(r.mem[off:off+uint64(len(data))], data)
}

func (r *varKeyRegion) read(off, n uint64) []byte {
	return r.mem[off : off+n : off+n]
}

func (r *varKeyRegion) reset() {
	clear(r.mem[:r.cursor.Load()])
	r.allocated.Store(0)
	r.cursor.Store(0)
}

// copyFrom carries the used prefix of old into r. Offsets stored in
// buckets stay valid because the prefix is copied verbatim.
func (r *varKeyRegion) copyFrom(old *varKeyRegion) {
	used := old.cursor.Load()
	copy(r.mem, old.mem[:used])
	r.allocated.Store(old.allocated.Load())
	r.cursor.Store(used)
}
