package chainht

import (
	"runtime"
	"sync/atomic"
	"time"
	"unsafe"
)

const (
	// enableSpin controls whether short waits yield the processor before
	// falling back to sleeping. Waits on a pending chain link or a payload
	// lock are normally a few instructions long.
	enableSpin = true

	maxSpins = 16
)

// delay backs off a waiter. It yields while spins is small and sleeps
// once the wait has clearly gone on for a while.
func delay(spins *int) {
	const yieldSleep = 500 * time.Microsecond
	if //goland:noinspection ALL
	enableSpin && *spins < maxSpins {
		runtime.Gosched()
		*spins++
	} else {
		// time.Sleep with non-zero duration works effectively as backoff
		// under high concurrency.
		time.Sleep(yieldSleep)
		*spins = 0
	}
}

// lockPayload acquires the spin lock word co-located with a bucket payload.
//
// Partially references:
// [https://github.com/facebook/folly/blob/main/folly/synchronization/PicoSpinLock.h]
func lockPayload(word *uint32) {
	if atomic.CompareAndSwapUint32(word, 0, 1) {
		return
	}
	slowLockPayload(word)
}

func slowLockPayload(word *uint32) {
	spins := 0
	for !tryLockPayload(word) {
		delay(&spins)
	}
}

func tryLockPayload(word *uint32) bool {
	return atomic.LoadUint32(word) == 0 && atomic.CompareAndSwapUint32(word, 0, 1)
}

func unlockPayload(word *uint32) {
	atomic.StoreUint32(word, 0)
}

// waitLink spins until the link at addr leaves the pending state and
// returns its resolved value.
func waitLink(addr *uint64) uint64 {
	v := atomic.LoadUint64(addr)
	spins := 0
	for v == chainPending {
		delay(&spins)
		v = atomic.LoadUint64(addr)
	}
	return v
}

// bytesOf views a plain-data value as its raw bytes.
//
//go:nosplit
func bytesOf[T any](v *T) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(v)), unsafe.Sizeof(*v))
}
