// Package transfer moves the logical contents of a hash table between
// processes. Encode walks a table with ForEach and writes a
// snappy-compressed stream; Decode re-inserts the stream into another
// table with the same key types and payload type.
//
// Stream layout (before compression):
//
//	magic "CHT1"
//	uvarint payload size
//	uvarint key arity, then each key type name as uvarint length + bytes
//	entries: 0x01, each key component as uvarint length + bytes, payload
//	0x00
//
// The format carries no version guarantees beyond the magic.
package transfer

import (
	"bufio"
	"encoding/binary"
	"io"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/golang/snappy"

	"github.com/llxisdsh/chainht"
	"github.com/llxisdsh/chainht/types"
)

const magic = "CHT1"

const (
	markEnd   byte = 0
	markEntry byte = 1
)

// decodeBatchSize is the number of entries handed to one BulkInsert.
const decodeBatchSize = 1024

// ErrCorrupt is returned for streams that do not follow the layout.
var ErrCorrupt = errors.New("corrupt hash table stream")

// ErrIncompatible is returned when a stream's key types or payload size
// differ from the destination table's.
var ErrIncompatible = errors.New("stream does not match destination table")

func payloadBytes[V any](v *V) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(v)), unsafe.Sizeof(*v))
}

type encoder struct {
	w   *snappy.Writer
	buf [binary.MaxVarintLen64]byte
	err error
}

func (e *encoder) uvarint(x uint64) {
	if e.err == nil {
		_, e.err = e.w.Write(e.buf[:binary.PutUvarint(e.buf[:], x)])
	}
}

func (e *encoder) bytes(b []byte) {
	if e.err == nil {
		_, e.err = e.w.Write(b)
	}
}

// Encode writes every entry of t to w. t must not be written concurrently.
func Encode[V any](w io.Writer, t *chainht.HashTable[V]) error {
	e := &encoder{w: snappy.NewBufferedWriter(w)}
	e.bytes([]byte(magic))
	var zero V
	e.uvarint(uint64(unsafe.Sizeof(zero)))
	keyTypes := t.KeyTypes()
	e.uvarint(uint64(len(keyTypes)))
	for _, kt := range keyTypes {
		e.uvarint(uint64(len(kt.Name())))
		e.bytes([]byte(kt.Name()))
	}
	t.ForEach(func(key []types.Value, v V) bool {
		e.bytes([]byte{markEntry})
		for i := range key {
			e.uvarint(uint64(key[i].Size()))
			e.bytes(key[i].Data())
		}
		e.bytes(payloadBytes(&v))
		return e.err == nil
	})
	e.bytes([]byte{markEnd})
	if e.err != nil {
		return errors.Wrap(e.err, "encoding hash table")
	}
	return errors.Wrap(e.w.Close(), "flushing hash table stream")
}

// readHeader checks the stream header against dst.
func readHeader(r *bufio.Reader, keyTypes []types.Type, payloadSize int) error {
	var m [len(magic)]byte
	if _, err := io.ReadFull(r, m[:]); err != nil {
		return errors.Wrap(err, "reading magic")
	}
	if string(m[:]) != magic {
		return errors.Wrapf(ErrCorrupt, "bad magic %q", m[:])
	}
	size, err := binary.ReadUvarint(r)
	if err != nil {
		return errors.Wrap(err, "reading payload size")
	}
	if size != uint64(payloadSize) {
		return errors.Wrapf(ErrIncompatible, "payload size %d, destination %d", size, payloadSize)
	}
	arity, err := binary.ReadUvarint(r)
	if err != nil {
		return errors.Wrap(err, "reading key arity")
	}
	if arity != uint64(len(keyTypes)) {
		return errors.Wrapf(ErrIncompatible, "%d key components, destination %d", arity, len(keyTypes))
	}
	for i := range keyTypes {
		name, err := readBytes(r, 1<<10)
		if err != nil {
			return errors.Wrapf(err, "reading key type %d", i)
		}
		kt, err := types.Parse(string(name))
		if err != nil {
			return errors.Mark(err, ErrCorrupt)
		}
		if kt.Name() != keyTypes[i].Name() {
			return errors.Wrapf(ErrIncompatible, "key component %d is %s, destination %s",
				i, kt.Name(), keyTypes[i].Name())
		}
	}
	return nil
}

func readBytes(r *bufio.Reader, limit uint64) ([]byte, error) {
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	if n > limit {
		return nil, errors.Wrapf(ErrCorrupt, "length %d exceeds %d", n, limit)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

// Decode reads a stream written by Encode and inserts its entries into
// dst. Inserting a key that dst already holds fails with
// chainht.ErrDuplicateKey when dst disallows duplicates.
func Decode[V any](r io.Reader, dst *chainht.HashTable[V]) error {
	br := bufio.NewReader(snappy.NewReader(r))
	keyTypes := dst.KeyTypes()
	var zero V
	if err := readHeader(br, keyTypes, int(unsafe.Sizeof(zero))); err != nil {
		return err
	}
	minLen := make([]int, len(keyTypes))
	maxLen := make([]uint64, len(keyTypes))
	for i, kt := range keyTypes {
		minLen[i] = kt.MinimumByteLength()
		maxLen[i] = uint64(kt.MaximumByteLength())
	}

	keys := make([][]types.Value, 0, decodeBatchSize)
	payloads := make([]V, 0, decodeBatchSize)
	flush := func() error {
		if len(keys) == 0 {
			return nil
		}
		err := dst.BulkInsert(keys, payloads, false)
		keys, payloads = keys[:0], payloads[:0]
		return err
	}
	for {
		mark, err := br.ReadByte()
		if err != nil {
			return errors.Wrap(err, "reading entry marker")
		}
		if mark == markEnd {
			return flush()
		}
		if mark != markEntry {
			return errors.Wrapf(ErrCorrupt, "unexpected marker %#x", mark)
		}
		key := make([]types.Value, len(keyTypes))
		for i := range key {
			b, err := readBytes(br, maxLen[i])
			if err != nil {
				return errors.Wrapf(err, "reading key component %d", i)
			}
			if len(b) < minLen[i] {
				return errors.Wrapf(ErrCorrupt, "key component %d has %d bytes, %s needs %d",
					i, len(b), keyTypes[i].Name(), minLen[i])
			}
			key[i] = types.MakeValue(b)
		}
		var v V
		if _, err := io.ReadFull(br, payloadBytes(&v)); err != nil {
			return errors.Wrap(err, "reading payload")
		}
		keys = append(keys, key)
		payloads = append(payloads, v)
		if len(keys) == decodeBatchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
}
