package chainht

import (
	"github.com/cockroachdb/errors"

	"github.com/llxisdsh/chainht/storage"
)

var (
	// ErrOutOfSpace is returned by a table that cannot grow when it has no
	// free bucket or not enough variable-length key bytes left.
	ErrOutOfSpace = errors.New("hash table out of space")
	// ErrDuplicateKey is returned when inserting a key that already exists
	// in a table that disallows duplicate keys.
	ErrDuplicateKey = errors.New("duplicate key")
	// ErrAllocationExceedsMaximum is returned when the table would need a
	// region larger than the storage provider can hand out.
	ErrAllocationExceedsMaximum = storage.ErrAllocationExceedsMaximum

	ErrUpsertWithDuplicates = errors.New("upsert requires a table that disallows duplicate keys")
	ErrKeyArity             = errors.New("key has wrong number of components")
	ErrNullKey              = errors.New("null key component")
	ErrKeyType              = errors.New("key component does not fit its type")
	ErrPayloadType          = errors.New("payload type must be plain data")
	ErrIrreversibleKeyType  = errors.New("key type hash is not reversible")
	ErrSelfMerge            = errors.New("cannot merge a table into itself")
)

// putResult is the outcome of one engine insertion attempt.
type putResult uint8

const (
	putOK putResult = iota
	putDuplicateKey
	putOutOfSpace
)

func (r putResult) String() string {
	switch r {
	case putOK:
		return "ok"
	case putDuplicateKey:
		return "duplicate key"
	case putOutOfSpace:
		return "out of space"
	}
	return "unknown"
}
