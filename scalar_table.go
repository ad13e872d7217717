package chainht

import (
	"reflect"
	"unsafe"

	"github.com/cockroachdb/errors"

	"github.com/llxisdsh/chainht/storage"
	"github.com/llxisdsh/chainht/types"
)

// NewScalarHashTable creates a single-component table that stores only
// hash codes. It needs a key type whose hash is injective and invertible
// (types.ReversibleHasher, e.g. INT and LONG): equal hashes then mean
// equal keys, and keys read back by ForEach are rebuilt from the hash.
// Any other key type fails with ErrIrreversibleKeyType.
func NewScalarHashTable[V any](
	keyType types.Type,
	estimatedEntries int,
	provider storage.Provider,
	options ...func(*Config),
) (*HashTable[V], error) {
	rev, ok := keyType.(types.ReversibleHasher)
	if !ok {
		return nil, errors.Wrapf(ErrIrreversibleKeyType, "%s", keyType.Name())
	}
	if err := checkPayloadType(reflect.TypeOf((*V)(nil)).Elem()); err != nil {
		return nil, err
	}
	cfg := buildConfig(append(options[:len(options):len(options)], withAdjustHashes(false)))
	t := &HashTable[V]{}
	keyTypes := []types.Type{keyType}
	if err := t.init(keyTypes, newHashOnlyCodec(rev), int(unsafe.Sizeof(*new(V))), estimatedEntries, provider, cfg); err != nil {
		return nil, err
	}
	return t, nil
}
