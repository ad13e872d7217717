package chainht

import (
	"reflect"
	"unsafe"

	"github.com/cockroachdb/errors"

	"github.com/llxisdsh/chainht/bloom"
	"github.com/llxisdsh/chainht/storage"
	"github.com/llxisdsh/chainht/types"
)

// HashTable is a concurrent, resizable, separate-chaining hash table that
// maps keys made of one or more typed components to payloads of type V.
//
// Key design:
//   - One storage region per generation, split into a slot array, a bucket
//     array and a variable-length key arena. Chains are linked by bucket
//     index, never by pointer.
//   - Inserts claim the chain tail with a single CAS to a pending marker,
//     so concurrent writers never take a lock on the insert path.
//   - Resizing takes a table-wide exclusive lock; every other operation
//     holds it shared.
//   - Payloads are copied into table memory, so V must be plain data:
//     no pointers, slices, maps, strings or interfaces.
//
// When duplicate keys are disallowed, every payload carries a spin lock so
// Upsert callbacks and Lookup copies never observe a half-updated value.
//
// Usage:
//
//	m := storage.NewManager()
//	t, err := chainht.NewHashTable[int64]([]types.Type{types.Long}, 1024, m)
//	err = t.Put(types.LongValue(1), 100)
//	v, ok := t.Lookup(types.LongValue(1))
type HashTable[V any] struct {
	engine
}

// NewHashTable creates a table keyed by keyTypes with room for
// estimatedEntries entries before the first resize.
func NewHashTable[V any](
	keyTypes []types.Type,
	estimatedEntries int,
	provider storage.Provider,
	options ...func(*Config),
) (*HashTable[V], error) {
	if err := checkPayloadType(reflect.TypeOf((*V)(nil)).Elem()); err != nil {
		return nil, err
	}
	cfg := buildConfig(options)
	t := &HashTable[V]{}
	codec := newKeyCodec(keyTypes, cfg.forceKeyCopy)
	if err := t.init(keyTypes, codec, int(unsafe.Sizeof(*new(V))), estimatedEntries, provider, cfg); err != nil {
		return nil, err
	}
	return t, nil
}

// checkPayloadType rejects payload types that hold pointers or need more
// than 8-byte alignment.
func checkPayloadType(rt reflect.Type) error {
	if rt.Align() > maxPayloadAlign {
		return errors.Wrapf(ErrPayloadType, "%s needs %d-byte alignment", rt, rt.Align())
	}
	if !isPlainData(rt) {
		return errors.Wrapf(ErrPayloadType, "%s contains pointers", rt)
	}
	return nil
}

func isPlainData(rt reflect.Type) bool {
	switch rt.Kind() {
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64, reflect.Complex64, reflect.Complex128:
		return true
	case reflect.Array:
		return isPlainData(rt.Elem())
	case reflect.Struct:
		for i := 0; i < rt.NumField(); i++ {
			if !isPlainData(rt.Field(i).Type) {
				return false
			}
		}
		return true
	}
	return false
}

// payloadOf views the payload bytes of a bucket as a *V.
func payloadOf[V any](p []byte) *V {
	if len(p) == 0 {
		return new(V)
	}
	return (*V)(unsafe.Pointer(unsafe.SliceData(p)))
}

// Put inserts a single-component key. See PutComposite.
func (t *HashTable[V]) Put(key types.Value, v V) error {
	return t.PutComposite([]types.Value{key}, v)
}

// PutComposite inserts an entry. It returns ErrDuplicateKey when
// duplicates are disallowed and key is already present, and ErrOutOfSpace
// when the table is full and cannot grow.
func (t *HashTable[V]) PutComposite(key []types.Value, v V) error {
	return t.putWithRetry(key, bytesOf(&v))
}

// Upsert finds or creates the entry for key. A new entry starts as init.
// fn, when not nil, is then applied to the entry's payload while holding
// the entry's lock. Concurrent upserts of the same key create exactly one
// entry. Upsert requires a table that disallows duplicate keys.
func (t *HashTable[V]) Upsert(key []types.Value, init V, fn func(v *V)) error {
	var apply func(p []byte, created bool)
	if fn != nil {
		apply = func(p []byte, _ bool) { fn(payloadOf[V](p)) }
	}
	return t.upsertWithRetry(key, bytesOf(&init), apply)
}

// Lookup returns a copy of the payload of the first entry matching key.
func (t *HashTable[V]) Lookup(key ...types.Value) (V, bool) {
	var v V
	ok := t.lookupPayload(key, bytesOf(&v))
	return v, ok
}

// LookupAll returns copies of the payloads of every entry matching key.
func (t *HashTable[V]) LookupAll(key ...types.Value) []V {
	if t.checkKey(key) != nil {
		return nil
	}
	hash := t.hashKey(key)
	var out []V
	t.mu.RLock()
	defer t.mu.RUnlock()
	st := t.storage.Load()
	t.lookupAll(st, key, hash, func(idx uint64) bool {
		var v V
		copyPayload(st, idx, bytesOf(&v))
		out = append(out, v)
		return true
	})
	return out
}

// ForEach calls fn for every entry, in insertion order, until fn returns
// false. The key values alias table memory and are only valid during the
// call. ForEach must not run concurrently with writers, and fn must not
// modify the table.
func (t *HashTable[V]) ForEach(fn func(key []types.Value, v V) bool) {
	key := make([]types.Value, 0, t.codec.arity())
	t.forEach(func(st *tableStorage, idx uint64) bool {
		key = t.codec.readKey(key[:0], st, idx)
		return fn(key, *payloadOf[V](st.payload(idx)))
	})
}

type entry[V any] struct {
	key []types.Value
	v   V
}

// snapshot copies every entry out of the table.
func (t *HashTable[V]) snapshot() []entry[V] {
	out := make([]entry[V], 0, t.NumEntries())
	t.ForEach(func(key []types.Value, v V) bool {
		owned := make([]types.Value, len(key))
		for i := range key {
			owned[i] = key[i].Clone()
		}
		out = append(out, entry[V]{key: owned, v: v})
		return true
	})
	return out
}

// MergeFrom folds every entry of other into t. When t disallows duplicate
// keys, an entry whose key already exists in t is combined with merge
// under the entry lock; otherwise the entry is inserted as is.
func (t *HashTable[V]) MergeFrom(other *HashTable[V], merge func(dst *V, src V)) error {
	if other == t {
		return ErrSelfMerge
	}
	if len(other.keyTypes) != len(t.keyTypes) {
		return errors.Wrapf(ErrKeyArity, "merging %d-component keys into %d-component table",
			len(other.keyTypes), len(t.keyTypes))
	}
	for _, e := range other.snapshot() {
		if t.cfg.allowDuplicateKeys {
			if err := t.PutComposite(e.key, e.v); err != nil {
				return err
			}
			continue
		}
		err := t.upsertWithRetry(e.key, bytesOf(&e.v), func(p []byte, created bool) {
			if !created && merge != nil {
				merge(payloadOf[V](p), e.v)
			}
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Resize grows the table if it cannot take extraBuckets more entries (at
// least one) and extraVariableBytes more variable-length key bytes. It may
// be called on tables created with WithResizable(false).
func (t *HashTable[V]) Resize(extraBuckets, extraVariableBytes int) error {
	return t.resize(uint64(max(extraBuckets, 0)), uint64(max(extraVariableBytes, 0)))
}

// Clear removes all entries, keeping the current capacity.
func (t *HashTable[V]) Clear() { t.clearTable() }

// NumEntries returns the number of entries.
func (t *HashTable[V]) NumEntries() int { return t.numEntries() }

// MemoryConsumptionBytes returns the size of the table's storage region.
func (t *HashTable[V]) MemoryConsumptionBytes() int { return t.memoryConsumptionBytes() }

// KeyTypes returns the key component types.
func (t *HashTable[V]) KeyTypes() []types.Type { return t.keyTypes }

// AllowsDuplicateKeys reports the table's duplicate-key policy.
func (t *HashTable[V]) AllowsDuplicateKeys() bool { return t.cfg.allowDuplicateKeys }

// EnableBuildSideBloomFilter makes every insert also add its key bytes to
// f. Bulk inserts fill a private copy and merge it into f at the end.
func (t *HashTable[V]) EnableBuildSideBloomFilter(f *bloom.Filter) {
	t.enableBuildSideBloomFilter(f)
}

// AddProbeSideBloomFilter attaches a filter checked by ProbeRows. attrs
// selects the probe row components that form the filter key.
func (t *HashTable[V]) AddProbeSideBloomFilter(f *bloom.Filter, attrs []int) {
	t.addProbeSideBloomFilter(f, attrs)
}

// Close returns the table's storage to the provider.
func (t *HashTable[V]) Close() { t.close() }
