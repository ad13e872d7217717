package chainht

import (
	"context"
	"runtime"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"

	"github.com/llxisdsh/chainht/bloom"
	"github.com/llxisdsh/chainht/types"
)

// hasNull reports whether any component of key is null.
func hasNull(key []types.Value) bool {
	for i := range key {
		if key[i].IsNull() {
			return true
		}
	}
	return false
}

// BulkInsert inserts keys[i] -> payloads[i] for every i. Rows whose key
// has a null component are skipped when checkForNullKeys is set and
// rejected with ErrNullKey otherwise.
//
// Tables that allow duplicate keys reserve buckets and key bytes for the
// whole batch up front, so the insert loop runs without contention; if the
// reservation fails the table grows and the batch is retried. Other tables
// insert row by row and stop at the first error. When a build-side Bloom
// filter is enabled, keys are added to a private filter that is merged
// into the shared one after the batch.
func (t *HashTable[V]) BulkInsert(keys [][]types.Value, payloads []V, checkForNullKeys bool) error {
	if len(keys) != len(payloads) {
		return errors.AssertionFailedf("%d keys for %d payloads", len(keys), len(payloads))
	}
	var n, varBytes uint64
	for i, key := range keys {
		if len(key) != t.codec.arity() {
			return errors.Wrapf(ErrKeyArity, "row %d: got %d components, want %d", i, len(key), t.codec.arity())
		}
		if hasNull(key) {
			if !checkForNullKeys {
				return errors.Wrapf(ErrNullKey, "row %d", i)
			}
			continue
		}
		if err := t.checkKeyTypes(key); err != nil {
			return errors.Wrapf(err, "row %d", i)
		}
		n++
		varBytes += t.codec.variableSize(key)
	}
	if n == 0 {
		return nil
	}

	t.mu.RLock()
	local := t.newLocalBuildFilter()
	t.mu.RUnlock()

	var err error
	if t.cfg.allowDuplicateKeys {
		err = t.bulkInsertPreallocated(keys, payloads, n, varBytes, local)
	} else {
		err = t.bulkInsertEach(keys, payloads, local)
	}
	if mergeErr := t.mergeLocalBuildFilter(local); err == nil {
		err = mergeErr
	}
	return err
}

func (t *HashTable[V]) bulkInsertPreallocated(
	keys [][]types.Value, payloads []V, n, varBytes uint64, local *bloom.Filter,
) error {
	for {
		t.mu.RLock()
		st := t.storage.Load()
		var ticket preallocTicket
		if t.preallocateForBulkInsert(st, n, varBytes, &ticket) {
			var buf []byte
			for i, key := range keys {
				if hasNull(key) {
					continue
				}
				t.put(st, key, t.hashKey(key), bytesOf(&payloads[i]), &ticket)
				if local != nil {
					buf = bloomKey(buf[:0], key, t.codec.allAttrs())
					local.Insert(buf)
				}
			}
			t.mu.RUnlock()
			if b, v := ticket.remaining(); b != 0 || v != 0 {
				return errors.AssertionFailedf("bulk insert left %d buckets and %d key bytes of its reservation unused", b, v)
			}
			return nil
		}
		t.mu.RUnlock()
		if !t.cfg.resizable {
			// A fixed-size table may still fit part of the batch.
			return t.bulkInsertEach(keys, payloads, local)
		}
		if err := t.resize(n, varBytes); err != nil {
			return err
		}
	}
}

func (t *HashTable[V]) bulkInsertEach(keys [][]types.Value, payloads []V, local *bloom.Filter) error {
	var buf []byte
	for i, key := range keys {
		if hasNull(key) {
			continue
		}
		if err := t.putOne(key, bytesOf(&payloads[i])); err != nil {
			return errors.Wrapf(err, "row %d", i)
		}
		if local != nil {
			buf = bloomKey(buf[:0], key, t.codec.allAttrs())
			local.Insert(buf)
		}
	}
	return nil
}

// putOne is putWithRetry without the shared build filter.
func (t *HashTable[V]) putOne(key []types.Value, payload []byte) error {
	hash := t.hashKey(key)
	for {
		t.mu.RLock()
		res := t.put(t.storage.Load(), key, hash, payload, nil)
		t.mu.RUnlock()
		switch res {
		case putOK:
			return nil
		case putDuplicateKey:
			return ErrDuplicateKey
		}
		if !t.cfg.resizable {
			return ErrOutOfSpace
		}
		if err := t.resize(0, t.codec.variableSize(key)); err != nil {
			return err
		}
	}
}

// ProbeRows looks up every row, using the components selected by keyAttrs
// as the key, and calls fn with each matching payload until fn returns
// false. Rows with a null key component never match. Rows rejected by any
// attached probe-side Bloom filter skip the table lookup. The matches of a
// row are collected under the shared lock and fn runs after it is
// released, so fn may use the table.
func (t *HashTable[V]) ProbeRows(rows [][]types.Value, keyAttrs []int, fn func(row int, v V) bool) error {
	if len(keyAttrs) != t.codec.arity() {
		return errors.Wrapf(ErrKeyArity, "got %d key attributes, want %d", len(keyAttrs), t.codec.arity())
	}
	key := make([]types.Value, len(keyAttrs))
	var scratch []byte
	var matches []V
	for r, row := range rows {
		for i, a := range keyAttrs {
			key[i] = row[a]
		}
		if hasNull(key) {
			continue
		}
		if err := t.checkKeyTypes(key); err != nil {
			return errors.Wrapf(err, "row %d", r)
		}
		hash := t.hashKey(key)
		matches = matches[:0]
		t.mu.RLock()
		var pass bool
		if scratch, pass = t.passesProbeFilters(row, scratch); pass {
			st := t.storage.Load()
			t.lookupAll(st, key, hash, func(idx uint64) bool {
				var v V
				copyPayload(st, idx, bytesOf(&v))
				matches = append(matches, v)
				return true
			})
		}
		t.mu.RUnlock()
		for _, v := range matches {
			if !fn(r, v) {
				return nil
			}
		}
	}
	return nil
}

// Partition is one independently built slice of a table's input.
type Partition[V any] struct {
	Keys     [][]types.Value
	Payloads []V
}

// BuildParallel bulk-inserts every partition into t, running at most
// limit partitions at once (GOMAXPROCS when limit <= 0). The first error
// cancels partitions that have not started yet.
func BuildParallel[V any](
	ctx context.Context, t *HashTable[V], parts []Partition[V], checkForNullKeys bool, limit int,
) error {
	if limit <= 0 {
		limit = runtime.GOMAXPROCS(0)
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i := range parts {
		i := i
		p := &parts[i]
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return errors.Wrapf(t.BulkInsert(p.Keys, p.Payloads, checkForNullKeys), "partition %d", i)
		})
	}
	return g.Wait()
}
