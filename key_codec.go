package chainht

import (
	"encoding/binary"

	"github.com/llxisdsh/chainht/types"
)

// componentMode says where a key component's bytes live.
type componentMode uint8

const (
	// modeInline stores the value in the bucket's fixed key area.
	modeInline componentMode = iota
	// modeCopied stores offset and length in the bucket and the bytes in
	// the variable-length key region.
	modeCopied
	// modeReferenced keeps the caller's bytes in the table's side array.
	modeReferenced
)

// copiedRefSize is the in-bucket size of a copied component: offset and
// length, 8 bytes each.
const copiedRefSize = 16

// inlineThreshold is the widest fixed-length component kept inline when
// key copying is not forced; it matches the size of a reference.
const inlineThreshold = 16

type keyComponent struct {
	typ    types.Type
	mode   componentMode
	offset int // within the bucket key area
	width  int // bytes used in the bucket key area
	ref    int // index in the bucket's reference group
}

// keyCodec decides once, at construction, where every key component is
// stored and encodes keys into and out of buckets accordingly.
type keyCodec struct {
	components   []keyComponent
	fixedSize    int
	numRefs      int
	estimatedVar int
	// hashOnly codecs store no key bytes at all: the hash is the key.
	hashOnly bool
	reverse  types.ReversibleHasher
	attrs    []int
}

func newKeyCodec(keyTypes []types.Type, forceKeyCopy bool) *keyCodec {
	c := &keyCodec{
		components: make([]keyComponent, len(keyTypes)),
		attrs:      identityAttrs(len(keyTypes)),
	}
	for i, t := range keyTypes {
		comp := keyComponent{typ: t, offset: c.fixedSize, ref: -1}
		switch {
		case !t.IsVariableLength() && (forceKeyCopy || t.MaximumByteLength() <= inlineThreshold):
			comp.mode = modeInline
			comp.width = t.MaximumByteLength()
		case forceKeyCopy:
			comp.mode = modeCopied
			comp.width = copiedRefSize
			c.estimatedVar += t.EstimateAverageByteLength()
		default:
			comp.mode = modeReferenced
			comp.ref = c.numRefs
			c.numRefs++
		}
		c.fixedSize += comp.width
		c.components[i] = comp
	}
	return c
}

// newHashOnlyCodec builds the codec for tables keyed by a single type with
// a reversible hash.
func newHashOnlyCodec(t types.ReversibleHasher) *keyCodec {
	return &keyCodec{
		components: []keyComponent{{typ: t, mode: modeInline, ref: -1}},
		hashOnly:   true,
		reverse:    t,
		attrs:      []int{0},
	}
}

// fixedKeySize is the number of key bytes held in each bucket.
func (c *keyCodec) fixedKeySize() int { return c.fixedSize }

// estimatedVariableSize is the expected number of variable-length region
// bytes one key needs.
func (c *keyCodec) estimatedVariableSize() int { return c.estimatedVar }

func (c *keyCodec) arity() int { return len(c.components) }

// allAttrs selects every key component, in order.
func (c *keyCodec) allAttrs() []int { return c.attrs }

// hash folds component hashes in order. A single-component key hashes to
// its component's hash.
func (c *keyCodec) hash(key []types.Value) uint64 {
	h := types.HashValue(c.components[0].typ, key[0])
	for i := 1; i < len(key); i++ {
		h = types.CombineHashes(h, types.HashValue(c.components[i].typ, key[i]))
	}
	return h
}

// variableSize returns the bytes key needs in the variable-length region.
func (c *keyCodec) variableSize(key []types.Value) uint64 {
	var n uint64
	for i := range c.components {
		if c.components[i].mode == modeCopied {
			n += uint64(key[i].Size())
		}
	}
	return n
}

// writeKey stores key into bucket idx. Copied components take their bytes
// from the ticket when one is given, else from reservations already made
// by the caller.
func (c *keyCodec) writeKey(st *tableStorage, idx uint64, key []types.Value, ticket *preallocTicket) {
	if c.hashOnly {
		return
	}
	area := st.keyBytes(idx)
	refs := st.refsOf(idx)
	for i := range c.components {
		c.writeComponent(st, area, refs, &c.components[i], key[i], ticket)
	}
}

func (c *keyCodec) writeComponent(
	st *tableStorage, area []byte, refs [][]byte, comp *keyComponent, v types.Value, ticket *preallocTicket,
) {
	switch comp.mode {
	case modeInline:
		comp.typ.CopyInto(area[comp.offset:comp.offset+comp.width], v)
	case modeCopied:
		n := uint64(v.Size())
		var off uint64
		if ticket != nil {
			off = ticket.takeVar(n)
		} else {
			off = st.keys.claim(n)
		}
		st.keys.write(off, v.Data())
		binary.LittleEndian.PutUint64(area[comp.offset:], off)
		binary.LittleEndian.PutUint64(area[comp.offset+8:], n)
	case modeReferenced:
		refs[comp.ref] = v.Data()
	}
}

// componentBytes returns the stored bytes of component i of bucket idx.
func (c *keyCodec) componentBytes(st *tableStorage, idx uint64, i int) []byte {
	comp := &c.components[i]
	switch comp.mode {
	case modeCopied:
		area := st.keyBytes(idx)
		off := binary.LittleEndian.Uint64(area[comp.offset:])
		n := binary.LittleEndian.Uint64(area[comp.offset+8:])
		return st.keys.read(off, n)
	case modeReferenced:
		return st.refsOf(idx)[comp.ref]
	}
	area := st.keyBytes(idx)
	return area[comp.offset : comp.offset+comp.width : comp.offset+comp.width]
}

// readComponent returns component i of the key in bucket idx. The value
// aliases table memory and is only valid until the next resize or clear.
func (c *keyCodec) readComponent(st *tableStorage, idx uint64, i int) types.Value {
	if c.hashOnly {
		return c.reverse.ValueFromHash(st.hashOf(idx))
	}
	return types.MakeValue(c.componentBytes(st, idx, i))
}

// readKey appends the key of bucket idx to dst.
func (c *keyCodec) readKey(dst []types.Value, st *tableStorage, idx uint64) []types.Value {
	for i := range c.components {
		dst = append(dst, c.readComponent(st, idx, i))
	}
	return dst
}

// equal reports whether the key stored in bucket idx equals key. Callers
// compare hashes first.
func (c *keyCodec) equal(st *tableStorage, idx uint64, key []types.Value) bool {
	if c.hashOnly {
		return true
	}
	for i := range c.components {
		if !c.components[i].typ.Equal(c.componentBytes(st, idx, i), key[i].Data()) {
			return false
		}
	}
	return true
}

// bloomKey appends the raw bytes of the selected components of row to dst.
func bloomKey(dst []byte, row []types.Value, attrs []int) []byte {
	for _, a := range attrs {
		dst = append(dst, row[a].Data()...)
	}
	return dst
}
