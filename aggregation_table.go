package chainht

import (
	"github.com/cockroachdb/errors"

	"github.com/llxisdsh/chainht/agg"
	"github.com/llxisdsh/chainht/storage"
	"github.com/llxisdsh/chainht/types"
)

// AggregationTable is a hash table whose payload is the packed running
// state of several aggregate handles, one fixed-size slice per handle.
// Each distinct key owns exactly one entry; concurrent updates of the same
// key are serialized by the entry's payload lock, while updates of
// different keys never contend.
type AggregationTable struct {
	engine
	handles   []agg.Handle
	offsets   []int
	initState []byte
}

// NewAggregationTable creates a table keyed by keyTypes whose entries hold
// one state slice per handle, in order. Duplicate keys are never allowed;
// a WithDuplicateKeys option is ignored.
func NewAggregationTable(
	keyTypes []types.Type,
	estimatedEntries int,
	handles []agg.Handle,
	provider storage.Provider,
	options ...func(*Config),
) (*AggregationTable, error) {
	if len(handles) == 0 {
		return nil, errors.AssertionFailedf("aggregation table needs at least one handle")
	}
	cfg := buildConfig(append(options[:len(options):len(options)], WithDuplicateKeys(false)))
	t := &AggregationTable{
		handles: append([]agg.Handle(nil), handles...),
		offsets: make([]int, len(handles)),
	}
	size := 0
	for i, h := range handles {
		t.offsets[i] = size
		size += align8(h.StateSize())
	}
	t.initState = make([]byte, size)
	for i, h := range t.handles {
		h.InitState(t.stateOf(t.initState, i))
	}
	codec := newKeyCodec(keyTypes, cfg.forceKeyCopy)
	if err := t.init(keyTypes, codec, size, estimatedEntries, provider, cfg); err != nil {
		return nil, err
	}
	return t, nil
}

// stateOf returns handle i's slice of a packed payload.
func (t *AggregationTable) stateOf(payload []byte, i int) []byte {
	off := t.offsets[i]
	n := t.handles[i].StateSize()
	return payload[off : off+n : off+n]
}

// Handles returns the table's aggregate handles.
func (t *AggregationTable) Handles() []agg.Handle { return t.handles }

// StateSize returns the packed payload size of one entry.
func (t *AggregationTable) StateSize() int { return len(t.initState) }

// UpsertRow feeds one input row to every handle: args[i] is the argument
// of handle i (ignored by COUNT(*)).
func (t *AggregationTable) UpsertRow(key, args []types.Value) error {
	if len(args) != len(t.handles) {
		return errors.AssertionFailedf("%d arguments for %d aggregate handles", len(args), len(t.handles))
	}
	return t.upsertWithRetry(key, t.initState, func(p []byte, _ bool) {
		for i, h := range t.handles {
			h.Update(args[i], t.stateOf(p, i))
		}
	})
}

// UpsertHandle applies fn to handle's state for key, creating the entry
// first if needed. fn runs with the entry locked.
func (t *AggregationTable) UpsertHandle(key []types.Value, handle int, fn func(state []byte)) error {
	if handle < 0 || handle >= len(t.handles) {
		return errors.AssertionFailedf("handle %d out of range [0, %d)", handle, len(t.handles))
	}
	return t.upsertWithRetry(key, t.initState, func(p []byte, _ bool) {
		fn(t.stateOf(p, handle))
	})
}

// UpsertState merges a packed source state (laid out like this table's
// payload) into the entry for key, handle by handle.
func (t *AggregationTable) UpsertState(key []types.Value, source []byte) error {
	if len(source) != len(t.initState) {
		return errors.AssertionFailedf("source state is %d bytes, want %d", len(source), len(t.initState))
	}
	return t.upsertWithRetry(key, t.initState, func(p []byte, _ bool) {
		t.mergeStates(source, p)
	})
}

func (t *AggregationTable) mergeStates(src, dst []byte) {
	for i, h := range t.handles {
		h.MergeStates(t.stateOf(src, i), t.stateOf(dst, i))
	}
}

// compatible reports whether src packs the same handles as t.
func (t *AggregationTable) compatible(src *AggregationTable) error {
	if len(src.keyTypes) != len(t.keyTypes) {
		return errors.Wrapf(ErrKeyArity, "merging %d-component keys into %d-component table",
			len(src.keyTypes), len(t.keyTypes))
	}
	if len(src.handles) != len(t.handles) {
		return errors.AssertionFailedf("merging %d aggregate handles into %d", len(src.handles), len(t.handles))
	}
	for i := range t.handles {
		if src.handles[i].Name() != t.handles[i].Name() ||
			src.handles[i].StateSize() != t.handles[i].StateSize() {
			return errors.AssertionFailedf("handle %d: merging %s into %s",
				i, src.handles[i].Name(), t.handles[i].Name())
		}
	}
	return nil
}

// MergeFrom folds every entry of src into t: entries for new keys are
// created, and existing entries merge each handle's state under the entry
// lock. src must not be written concurrently.
func (t *AggregationTable) MergeFrom(src *AggregationTable) error {
	if src == t {
		return ErrSelfMerge
	}
	if err := t.compatible(src); err != nil {
		return err
	}
	type pending struct {
		key   []types.Value
		state []byte
	}
	entries := make([]pending, 0, src.NumEntries())
	src.ForEach(func(key []types.Value, state []byte) bool {
		owned := make([]types.Value, len(key))
		for i := range key {
			owned[i] = key[i].Clone()
		}
		entries = append(entries, pending{key: owned, state: append([]byte(nil), state...)})
		return true
	})
	for _, e := range entries {
		if err := t.UpsertState(e.key, e.state); err != nil {
			return err
		}
	}
	return nil
}

// Lookup returns a copy of handle's state for key.
func (t *AggregationTable) Lookup(key []types.Value, handle int) ([]byte, bool) {
	if handle < 0 || handle >= len(t.handles) {
		return nil, false
	}
	payload := make([]byte, len(t.initState))
	if !t.lookupPayload(key, payload) {
		return nil, false
	}
	return t.stateOf(payload, handle), true
}

// ForEach calls fn with every key and its packed state until fn returns
// false. Both alias table memory and are only valid during the call.
func (t *AggregationTable) ForEach(fn func(key []types.Value, state []byte) bool) {
	key := make([]types.Value, 0, t.codec.arity())
	t.forEach(func(st *tableStorage, idx uint64) bool {
		key = t.codec.readKey(key[:0], st, idx)
		return fn(key, st.payload(idx))
	})
}

// Finalize calls fn with every key and the final value of each handle.
func (t *AggregationTable) Finalize(fn func(key []types.Value, results []types.Value) bool) {
	results := make([]types.Value, len(t.handles))
	t.ForEach(func(key []types.Value, state []byte) bool {
		for i, h := range t.handles {
			results[i] = h.Finalize(t.stateOf(state, i))
		}
		return fn(key, results)
	})
}

// Resize grows the table; see HashTable.Resize.
func (t *AggregationTable) Resize(extraBuckets, extraVariableBytes int) error {
	return t.resize(uint64(max(extraBuckets, 0)), uint64(max(extraVariableBytes, 0)))
}

// Clear removes all entries, keeping the current capacity.
func (t *AggregationTable) Clear() { t.clearTable() }

// NumEntries returns the number of distinct keys.
func (t *AggregationTable) NumEntries() int { return t.numEntries() }

// MemoryConsumptionBytes returns the size of the table's storage region.
func (t *AggregationTable) MemoryConsumptionBytes() int { return t.memoryConsumptionBytes() }

// Close returns the table's storage to the provider.
func (t *AggregationTable) Close() { t.close() }
