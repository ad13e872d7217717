package bloom

// block is one 512-bit cache-line sized group of filter bits. All k bits
// of a key land in the same block.
type block [8]uint64

// add sets the k bits for hash. Positions follow the Kirsch-Mitzenmacher
// scheme g_i = h1 + i*h2 over the 512 bits of the block.
func (b *block) add(hash uint64) {
	h1 := uint32(hash)
	h2 := uint32(hash >> 32)
	for i := uint32(0); i < NumHashes; i++ {
		pos := (h1 + i*h2) & 511
		b[pos>>6] |= uint64(1) << (pos & 63)
	}
}

// check reports whether all k bits for hash are set.
func (b *block) check(hash uint64) bool {
	h1 := uint32(hash)
	h2 := uint32(hash >> 32)
	for i := uint32(0); i < NumHashes; i++ {
		pos := (h1 + i*h2) & 511
		if b[pos>>6]&(uint64(1)<<(pos&63)) == 0 {
			return false
		}
	}
	return true
}

func (b *block) or(o *block) {
	for i := range b {
		b[i] |= o[i]
	}
}
