package chainht

import (
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"

	"github.com/llxisdsh/chainht/bloom"
	"github.com/llxisdsh/chainht/storage"
	"github.com/llxisdsh/chainht/types"
)

// engine is the separate-chaining core shared by every table flavor. It
// knows payloads only as byte ranges of a fixed size.
//
// All operations that touch storage run under mu in shared mode; resize
// and clear take it exclusively. The storage pointer is swapped only while
// mu is held exclusively.
type engine struct {
	mu       sync.RWMutex
	storage  atomic.Pointer[tableStorage]
	provider storage.Provider
	codec    *keyCodec
	layout   bucketLayout
	cfg      Config
	keyTypes []types.Type

	totalResizes atomic.Uint32
	closed       bool

	buildFilter  *bloom.Filter
	probeFilters []probeFilter
}

// chainCursor tracks an insertion walk. bucket is noBucket while the walk
// is at the slot; link is the link being examined or, after a successful
// claim, the link to publish into.
type chainCursor struct {
	bucket uint64
	link   *uint64
}

type locateResult uint8

const (
	locateClaimed locateResult = iota
	locateHashMatch
	locateOutOfSpace
)

func (e *engine) init(
	keyTypes []types.Type,
	codec *keyCodec,
	payloadSize int,
	estimatedEntries int,
	provider storage.Provider,
	cfg Config,
) error {
	if len(keyTypes) == 0 {
		return errors.Wrap(ErrKeyArity, "table needs at least one key component")
	}
	if provider == nil {
		return errors.AssertionFailedf("nil storage provider")
	}
	e.keyTypes = append([]types.Type(nil), keyTypes...)
	e.codec = codec
	e.cfg = cfg
	e.provider = provider
	e.layout = newBucketLayout(payloadSize, !cfg.allowDuplicateKeys, codec.fixedKeySize())

	numBuckets := uint64(max(estimatedEntries, 1))
	numSlots := nextPrime(numBuckets * loadFactor)
	varBytes := numBuckets * uint64(codec.estimatedVariableSize())
	st, err := newTableStorage(provider, &e.layout, numSlots, numBuckets, varBytes, codec.numRefs)
	if err != nil {
		return err
	}
	e.storage.Store(st)
	return nil
}

func (e *engine) checkKey(key []types.Value) error {
	if len(key) != e.codec.arity() {
		return errors.Wrapf(ErrKeyArity, "got %d components, want %d", len(key), e.codec.arity())
	}
	for i := range key {
		if key[i].IsNull() {
			return errors.Wrapf(ErrNullKey, "component %d", i)
		}
	}
	return e.checkKeyTypes(key)
}

// checkKeyTypes rejects non-null components whose byte length does not
// fit the component type.
func (e *engine) checkKeyTypes(key []types.Value) error {
	for i := range key {
		if typ := e.codec.components[i].typ; !types.Admits(typ, key[i]) {
			return errors.Wrapf(ErrKeyType, "component %d: %d bytes for %s", i, key[i].Size(), typ.Name())
		}
	}
	return nil
}

func (e *engine) hashKey(key []types.Value) uint64 {
	h := e.codec.hash(key)
	if e.cfg.adjustHashes {
		h = adjustHash(h)
	}
	return h
}

// locateBucketForInsertion walks from cur towards the chain tail and tries
// to claim an empty link by moving it to pending. On locateClaimed,
// cur.bucket is a freshly allocated bucket and cur.link must be published
// with publish. On locateHashMatch (only when duplicates are disallowed),
// cur.bucket has the same hash as the key; the caller checks key equality
// and resumes the walk from there. varBytes are reserved only after a
// successful claim, and only when there is no ticket.
func (e *engine) locateBucketForInsertion(
	st *tableStorage, hash uint64, varBytes uint64, cur *chainCursor, ticket *preallocTicket,
) locateResult {
	if cur.bucket == noBucket {
		cur.link = &st.slots[hash%st.numSlots]
	} else {
		cur.link = st.nextLink(cur.bucket)
	}
	for {
		if atomic.CompareAndSwapUint64(cur.link, chainEmpty, chainPending) {
			if ticket != nil {
				cur.bucket = ticket.takeBucket()
				return locateClaimed
			}
			if !st.keys.allocate(varBytes) {
				atomic.StoreUint64(cur.link, chainEmpty)
				return locateOutOfSpace
			}
			idx := st.bucketsAllocated.Add(1) - 1
			if idx >= st.numBuckets {
				st.bucketsAllocated.Add(^uint64(0))
				st.keys.deallocate(varBytes)
				atomic.StoreUint64(cur.link, chainEmpty)
				return locateOutOfSpace
			}
			cur.bucket = idx
			return locateClaimed
		}
		next := waitLink(cur.link)
		if next == chainEmpty {
			// The claimant rolled back; try to claim the link ourselves.
			continue
		}
		cur.bucket = next - 1
		cur.link = st.nextLink(cur.bucket)
		if !e.cfg.allowDuplicateKeys && st.hashOf(cur.bucket) == hash {
			return locateHashMatch
		}
	}
}

// writeBucket fills a claimed bucket. Nothing else can see it yet.
func (e *engine) writeBucket(
	st *tableStorage, idx uint64, hash uint64, key []types.Value, payload []byte, ticket *preallocTicket,
) {
	storeIntFast(st.nextLink(idx), chainEmpty)
	storeIntFast(st.hashAddr(idx), hash)
	if w := st.lockWord(idx); w != nil {
		storeIntFast(w, 0)
	}
	copy(st.payload(idx), payload)
	e.codec.writeKey(st, idx, key, ticket)
}

// publish makes a claimed bucket reachable.
//
//go:nosplit
func publish(cur *chainCursor) {
	atomic.StoreUint64(cur.link, cur.bucket+1)
}

// put inserts one entry. Tables that allow duplicates fail fast when full;
// the others walk the chain first so that a duplicate key is reported as
// such even in a full table, and reserve key bytes only once a link is
// claimed.
func (e *engine) put(
	st *tableStorage, key []types.Value, hash uint64, payload []byte, ticket *preallocTicket,
) putResult {
	varBytes := e.codec.variableSize(key)
	if ticket == nil && e.cfg.allowDuplicateKeys {
		if st.bucketsAllocated.Load() >= st.numBuckets || !st.keys.hasRoom(varBytes) {
			return putOutOfSpace
		}
	}
	if ticket != nil {
		varBytes = 0
	}
	cur := chainCursor{bucket: noBucket}
	for {
		switch e.locateBucketForInsertion(st, hash, varBytes, &cur, ticket) {
		case locateOutOfSpace:
			return putOutOfSpace
		case locateHashMatch:
			if e.codec.equal(st, cur.bucket, key) {
				return putDuplicateKey
			}
		case locateClaimed:
			e.writeBucket(st, cur.bucket, hash, key, payload, ticket)
			publish(&cur)
			return putOK
		}
	}
}

// upsert finds the bucket holding key or creates one initialized from
// init. It returns putOK when the bucket was created and putDuplicateKey
// when it already existed.
func (e *engine) upsert(st *tableStorage, key []types.Value, hash uint64, init []byte) (uint64, putResult) {
	varBytes := e.codec.variableSize(key)
	cur := chainCursor{bucket: noBucket}
	for {
		switch e.locateBucketForInsertion(st, hash, varBytes, &cur, nil) {
		case locateOutOfSpace:
			return 0, putOutOfSpace
		case locateHashMatch:
			if e.codec.equal(st, cur.bucket, key) {
				return cur.bucket, putDuplicateKey
			}
		case locateClaimed:
			e.writeBucket(st, cur.bucket, hash, key, init, nil)
			publish(&cur)
			return cur.bucket, putOK
		}
	}
}

// find returns the first bucket after from (or from the slot when from is
// noBucket) that holds key.
func (e *engine) find(st *tableStorage, key []types.Value, hash uint64, from uint64) (uint64, bool) {
	var link uint64
	if from == noBucket {
		link = loadLink(&st.slots[hash%st.numSlots])
	} else {
		link = loadLink(st.nextLink(from))
	}
	for link != chainEmpty && link != chainPending {
		idx := link - 1
		if st.hashOf(idx) == hash && e.codec.equal(st, idx, key) {
			return idx, true
		}
		link = loadLink(st.nextLink(idx))
	}
	return 0, false
}

// withPayloadLock runs fn on the payload of bucket idx, holding the bucket
// lock when the layout has one.
func withPayloadLock(st *tableStorage, idx uint64, fn func(payload []byte)) {
	if w := st.lockWord(idx); w != nil {
		lockPayload(w)
		defer unlockPayload(w)
	}
	fn(st.payload(idx))
}

// putWithRetry inserts one entry, growing the table on out-of-space when
// allowed.
func (e *engine) putWithRetry(key []types.Value, payload []byte) error {
	if err := e.checkKey(key); err != nil {
		return err
	}
	hash := e.hashKey(key)
	for {
		e.mu.RLock()
		st := e.storage.Load()
		res := e.put(st, key, hash, payload, nil)
		if res == putOK {
			e.insertBuildFilter(key)
		}
		e.mu.RUnlock()
		switch res {
		case putOK:
			return nil
		case putDuplicateKey:
			return ErrDuplicateKey
		}
		if !e.cfg.resizable {
			return ErrOutOfSpace
		}
		if err := e.resize(0, e.codec.variableSize(key)); err != nil {
			return err
		}
	}
}

// upsertWithRetry finds or creates the entry for key and applies fn to
// its payload under the bucket lock. created reports whether the entry
// was new.
func (e *engine) upsertWithRetry(key []types.Value, init []byte, fn func(payload []byte, created bool)) error {
	if e.cfg.allowDuplicateKeys {
		return ErrUpsertWithDuplicates
	}
	if err := e.checkKey(key); err != nil {
		return err
	}
	hash := e.hashKey(key)
	for {
		e.mu.RLock()
		st := e.storage.Load()
		idx, res := e.upsert(st, key, hash, init)
		if res != putOutOfSpace {
			if fn != nil {
				withPayloadLock(st, idx, func(p []byte) { fn(p, res == putOK) })
			}
			if res == putOK {
				e.insertBuildFilter(key)
			}
			e.mu.RUnlock()
			return nil
		}
		e.mu.RUnlock()
		if !e.cfg.resizable {
			return ErrOutOfSpace
		}
		if err := e.resize(0, e.codec.variableSize(key)); err != nil {
			return err
		}
	}
}

// lookupPayload copies the payload of the first entry matching key.
func (e *engine) lookupPayload(key []types.Value, dst []byte) bool {
	if e.checkKey(key) != nil {
		return false
	}
	hash := e.hashKey(key)
	e.mu.RLock()
	defer e.mu.RUnlock()
	st := e.storage.Load()
	idx, ok := e.find(st, key, hash, noBucket)
	if ok {
		copyPayload(st, idx, dst)
	}
	return ok
}

// lookupAll calls fn with every bucket matching key, in chain order,
// until fn returns false. fn runs under the shared lock and must not call
// back into the table.
func (e *engine) lookupAll(st *tableStorage, key []types.Value, hash uint64, fn func(idx uint64) bool) {
	from := uint64(noBucket)
	for {
		idx, ok := e.find(st, key, hash, from)
		if !ok || !fn(idx) {
			return
		}
		from = idx
	}
}

// copyPayload copies the payload of bucket idx into dst under the bucket
// lock, if any.
func copyPayload(st *tableStorage, idx uint64, dst []byte) {
	withPayloadLock(st, idx, func(p []byte) { copy(dst, p) })
}

// forEach visits every allocated bucket in allocation order. It must not
// run concurrently with writers.
func (e *engine) forEach(fn func(st *tableStorage, idx uint64) bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	st := e.storage.Load()
	n := st.numEntries()
	for idx := uint64(0); idx < n; idx++ {
		if !fn(st, idx) {
			return
		}
	}
}

// clearTable empties the table, keeping its current capacity.
func (e *engine) clearTable() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.storage.Load().reset()
}

func (e *engine) numEntries() int {
	return int(e.storage.Load().numEntries())
}

func (e *engine) memoryConsumptionBytes() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.storage.Load().region.Size()
}

// close returns the table's region to the provider. The table must not be
// used afterwards.
func (e *engine) close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	e.storage.Load().release(e.provider)
}
